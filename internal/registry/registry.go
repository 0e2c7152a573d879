// Package registry applies staged changes to datablocks, pipelines and
// features and reports the version each was last deployed at.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/repository"
	appErr "github.com/signalhub/engine/pkg/errors"
)

// ApplyRequest carries one item to apply as part of deployment DeploymentID.
type ApplyRequest struct {
	ProjectID    uuid.UUID
	DeploymentID int64
	UserID       uuid.UUID
	Item         models.DeploymentItem
	At           time.Time
}

// Version is the last deployed state of a component. Number is 0 when the
// component was never deployed.
type Version struct {
	Number     int64
	DeployedBy uuid.UUID
	DeployedAt *time.Time
	Deleted    bool
}

// Registry is the component store the deployment executor writes through.
type Registry interface {
	Apply(ctx context.Context, req ApplyRequest) error
	LastDeployed(ctx context.Context, projectID, componentID uuid.UUID) (Version, error)
	FindByName(ctx context.Context, projectID uuid.UUID, typ models.ComponentType, name string) (*models.Component, error)
	List(ctx context.Context, projectID uuid.UUID, typ models.ComponentType) ([]models.Component, error)
}

type dbRegistry struct {
	db         *gorm.DB
	components repository.ComponentRepository
}

func New(db *gorm.DB, components repository.ComponentRepository) Registry {
	return &dbRegistry{db: db, components: components}
}

var _ Registry = (*dbRegistry)(nil)

func (r *dbRegistry) Apply(ctx context.Context, req ApplyRequest) error {
	item := req.Item
	if !item.ComponentType.Valid() {
		return fmt.Errorf("unknown component type %q", item.ComponentType)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := r.components.WithTx(tx)
		switch item.ChangeType {
		case models.ChangeCreate:
			return r.applyCreate(ctx, repo, req)
		case models.ChangeUpdate:
			return r.applyUpdate(ctx, repo, req)
		case models.ChangeDelete:
			return r.applyDelete(ctx, repo, req)
		default:
			return fmt.Errorf("unknown change type %q", item.ChangeType)
		}
	})
}

// applyCreate upserts by (project, type, name). Landing on an existing name
// only happens on forced deploys and overwrites that component.
func (r *dbRegistry) applyCreate(ctx context.Context, repo repository.ComponentRepository, req ApplyRequest) error {
	item := req.Item
	doc := mergeConfig(item.Payload, map[string]any{"name": item.ComponentName})
	if _, err := DecodeSpec(item.ComponentType, doc); err != nil {
		return err
	}

	c, err := repo.FindByName(ctx, req.ProjectID, item.ComponentType, item.ComponentName)
	switch {
	case err == nil:
	case appErr.IsCode(err, appErr.CodeNotFound):
		c = &models.Component{
			ID:        item.ComponentID,
			ProjectID: req.ProjectID,
			Type:      item.ComponentType,
			Name:      item.ComponentName,
		}
	default:
		return err
	}
	c.Config = datatypes.JSONMap(doc)
	stamp(c, req)
	return repo.Save(ctx, c)
}

func (r *dbRegistry) applyUpdate(ctx context.Context, repo repository.ComponentRepository, req ApplyRequest) error {
	item := req.Item
	c, err := repo.Get(ctx, req.ProjectID, item.ComponentID, false)
	if err != nil {
		return err
	}
	if c.Type != item.ComponentType {
		return fmt.Errorf("component %s is a %s, not a %s", c.ID, c.Type, item.ComponentType)
	}
	doc := mergeConfig(c.Config, item.Payload)
	doc["name"] = c.Name
	if _, err := DecodeSpec(c.Type, doc); err != nil {
		return err
	}
	c.Config = datatypes.JSONMap(doc)
	stamp(c, req)
	return repo.Save(ctx, c)
}

func (r *dbRegistry) applyDelete(ctx context.Context, repo repository.ComponentRepository, req ApplyRequest) error {
	c, err := repo.Get(ctx, req.ProjectID, req.Item.ComponentID, false)
	if err != nil {
		return err
	}
	stamp(c, req)
	return repo.SoftDelete(ctx, c)
}

func stamp(c *models.Component, req ApplyRequest) {
	at := req.At
	c.Version = req.DeploymentID
	c.LastDeployedBy = req.UserID
	c.LastDeployedAt = &at
}

func (r *dbRegistry) LastDeployed(ctx context.Context, projectID, componentID uuid.UUID) (Version, error) {
	c, err := r.components.Get(ctx, projectID, componentID, true)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return Version{}, nil
		}
		return Version{}, err
	}
	return Version{
		Number:     c.Version,
		DeployedBy: c.LastDeployedBy,
		DeployedAt: c.LastDeployedAt,
		Deleted:    c.DeletedAt.Valid,
	}, nil
}

func (r *dbRegistry) FindByName(ctx context.Context, projectID uuid.UUID, typ models.ComponentType, name string) (*models.Component, error) {
	return r.components.FindByName(ctx, projectID, typ, name)
}

func (r *dbRegistry) List(ctx context.Context, projectID uuid.UUID, typ models.ComponentType) ([]models.Component, error) {
	return r.components.List(ctx, projectID, typ)
}
