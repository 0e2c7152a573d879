package registry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/signalhub/engine/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Spec is the typed form of a component's config document.
type Spec interface {
	ComponentType() models.ComponentType
}

// DatablockSpec describes an event schema.
type DatablockSpec struct {
	Name          string      `mapstructure:"name" validate:"required,max=255"`
	Description   string      `mapstructure:"description"`
	Fields        []FieldSpec `mapstructure:"fields" validate:"dive"`
	RetentionDays int         `mapstructure:"retention_days" validate:"gte=0"`
}

type FieldSpec struct {
	Name     string `mapstructure:"name" validate:"required"`
	Type     string `mapstructure:"type" validate:"required,oneof=string int float bool timestamp json"`
	Required bool   `mapstructure:"required"`
}

func (DatablockSpec) ComponentType() models.ComponentType { return models.ComponentDatablock }

// PipelineSpec describes an ingestion pipeline reading from a datablock.
type PipelineSpec struct {
	Name            string           `mapstructure:"name" validate:"required,max=255"`
	SourceDatablock string           `mapstructure:"source_datablock" validate:"required"`
	Schedule        string           `mapstructure:"schedule"`
	Transforms      []map[string]any `mapstructure:"transforms"`
	Enabled         bool             `mapstructure:"enabled"`
}

func (PipelineSpec) ComponentType() models.ComponentType { return models.ComponentPipeline }

// FeatureSpec describes a computed feature over a datablock.
type FeatureSpec struct {
	Name        string `mapstructure:"name" validate:"required,max=255"`
	Datablock   string `mapstructure:"datablock" validate:"required"`
	Aggregation string `mapstructure:"aggregation" validate:"required,oneof=count sum avg min max last distinct_count"`
	Window      string `mapstructure:"window"`
	Expression  string `mapstructure:"expression"`
}

func (FeatureSpec) ComponentType() models.ComponentType { return models.ComponentFeature }

// DecodeSpec converts a config document into the Spec for typ and validates it.
func DecodeSpec(typ models.ComponentType, doc map[string]any) (Spec, error) {
	var spec Spec
	switch typ {
	case models.ComponentDatablock:
		spec = &DatablockSpec{}
	case models.ComponentPipeline:
		spec = &PipelineSpec{}
	case models.ComponentFeature:
		spec = &FeatureSpec{}
	default:
		return nil, fmt.Errorf("unknown component type %q", typ)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           spec,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", typ, err)
	}
	return spec, nil
}

// mergeConfig overlays patch onto base without mutating either.
func mergeConfig(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
