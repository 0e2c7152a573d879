package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentBucket is one user's staging area of pending changes in a project.
// At most one bucket per (project, user) may be active; the partial unique
// index idx_buckets_one_active enforces it.
type DeploymentBucket struct {
	ID               uuid.UUID                           `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID        uuid.UUID                           `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID           uuid.UUID                           `gorm:"type:uuid;not null;index" json:"user_id"`
	Status           BucketStatus                        `gorm:"type:varchar(32);not null;index" json:"status"`
	Items            []DeploymentItem                    `gorm:"foreignKey:BucketID;constraint:OnDelete:CASCADE" json:"items"`
	ItemCount        int                                 `gorm:"not null;default:0" json:"item_count"`
	NextPosition     int                                 `gorm:"not null;default:0" json:"-"`
	BaseDeploymentID *int64                              `json:"base_deployment_id"`
	HasConflicts     bool                                `gorm:"not null;default:false" json:"has_conflicts"`
	ConflictDetails  datatypes.JSONSlice[ConflictDetail] `json:"conflict_details"`
	LastCheckedAt    *time.Time                          `json:"last_checked_at,omitempty"`
	DeploymentID     *int64                              `json:"deployment_id,omitempty"`
	CreatedAt        time.Time                           `json:"created_at"`
	UpdatedAt        time.Time                           `json:"updated_at"`
}

func (b *DeploymentBucket) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// DeploymentItem is a single staged change to one component.
type DeploymentItem struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	BucketID        uuid.UUID         `gorm:"type:uuid;not null;index" json:"bucket_id"`
	Position        int               `gorm:"not null" json:"position"`
	ComponentType   ComponentType     `gorm:"type:varchar(32);not null" json:"component_type"`
	ComponentID     uuid.UUID         `gorm:"type:uuid;not null;index" json:"component_id"`
	ComponentName   string            `gorm:"type:varchar(255);not null" json:"component_name"`
	ChangeType      ChangeType        `gorm:"type:varchar(16);not null" json:"change_type"`
	PreviousVersion *int64            `json:"previous_version"`
	Payload         datatypes.JSONMap `json:"payload"`
	Status          ItemStatus        `gorm:"type:varchar(16);not null" json:"status"`
	ErrorMessage    string            `gorm:"type:text" json:"error_message,omitempty"`
	DeployedAt      *time.Time        `json:"deployed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (i *DeploymentItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// ConflictDetail describes one reason a bucket cannot be applied cleanly.
// ItemID is nil for bucket-level conflicts.
type ConflictDetail struct {
	Type                    ConflictType  `json:"type"`
	ItemID                  *uuid.UUID    `json:"item_id,omitempty"`
	ComponentType           ComponentType `json:"component_type"`
	ComponentID             uuid.UUID     `json:"component_id"`
	ComponentName           string        `json:"component_name"`
	ExpectedVersion         *int64        `json:"expected_version,omitempty"`
	ActualVersion           int64         `json:"actual_version"`
	ConflictingDeploymentID *int64        `json:"conflicting_deployment_id,omitempty"`
	DeployedBy              *uuid.UUID    `json:"deployed_by,omitempty"`
	DeployedAt              *time.Time    `json:"deployed_at,omitempty"`
	OtherBucketID           *uuid.UUID    `json:"other_bucket_id,omitempty"`
	OtherUserID             *uuid.UUID    `json:"other_user_id,omitempty"`
	Message                 string        `json:"message"`
}
