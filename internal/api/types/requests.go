package types

type ProjectCreateRequest struct {
	Name        string         `json:"name" validate:"required,max=255"`
	Description string         `json:"description" validate:"max=2000"`
	Settings    map[string]any `json:"settings"`
}

// StageItemRequest stages one change. component_id and previous_version are
// required for update and delete.
type StageItemRequest struct {
	ComponentType   string         `json:"component_type" validate:"required,component_type"`
	ComponentID     string         `json:"component_id" validate:"omitempty,uuid"`
	ComponentName   string         `json:"component_name" validate:"required,max=255"`
	ChangeType      string         `json:"change_type" validate:"required,change_type"`
	PreviousVersion *int64         `json:"previous_version" validate:"omitempty,gte=0"`
	Payload         map[string]any `json:"payload"`
}

type DeployRequest struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// BucketListQuery is parsed from the query string of the bucket list endpoint.
type BucketListQuery struct {
	Status   string `validate:"omitempty,bucket_status"`
	AllUsers bool
	Skip     int `validate:"gte=0"`
	Limit    int `validate:"gte=0,lte=100"`
}
