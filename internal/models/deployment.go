package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Deployment is the immutable history record of one executed bucket.
// DeploymentID is the project counter value minted for the run and is
// exposed as the record's id.
type Deployment struct {
	ProjectID          uuid.UUID                            `gorm:"type:uuid;primaryKey" json:"project_id"`
	DeploymentID       int64                                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	BucketID           uuid.UUID                            `gorm:"type:uuid;not null;index" json:"bucket_id"`
	UserID             uuid.UUID                            `gorm:"type:uuid;not null;index" json:"user_id"`
	Status             DeploymentStatus                     `gorm:"type:varchar(32);not null;index" json:"status"`
	Forced             bool                                 `gorm:"not null;default:false" json:"forced"`
	StartedAt          time.Time                            `gorm:"not null" json:"started_at"`
	CompletedAt        time.Time                            `gorm:"not null" json:"completed_at"`
	DurationMs         int64                                `gorm:"not null" json:"duration_ms"`
	ItemsTotal         int                                  `gorm:"not null" json:"items_total"`
	ItemsSucceeded     int                                  `gorm:"not null" json:"items_succeeded"`
	ItemsFailed        int                                  `gorm:"not null" json:"items_failed"`
	DeployedDatablocks datatypes.JSONSlice[string]          `json:"deployed_datablocks"`
	DeployedPipelines  datatypes.JSONSlice[string]          `json:"deployed_pipelines"`
	DeployedFeatures   datatypes.JSONSlice[string]          `json:"deployed_features"`
	Errors             datatypes.JSONSlice[DeploymentError] `json:"errors"`
	CreatedAt          time.Time                            `json:"created_at"`
}

// DeploymentError records one item that could not be applied.
type DeploymentError struct {
	ItemID        uuid.UUID     `json:"item_id"`
	ComponentType ComponentType `json:"component_type"`
	ComponentID   uuid.UUID     `json:"component_id"`
	ComponentName string        `json:"component_name"`
	Message       string        `json:"message"`
}
