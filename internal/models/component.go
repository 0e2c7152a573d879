package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Component is a deployed datablock, pipeline or feature. Version is the id of
// the deployment that last changed it, 0 if it was never deployed.
type Component struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID      uuid.UUID         `gorm:"type:uuid;not null;index:idx_components_lookup" json:"project_id"`
	Type           ComponentType     `gorm:"type:varchar(32);not null;index:idx_components_lookup" json:"type"`
	Name           string            `gorm:"type:varchar(255);not null;index:idx_components_lookup" json:"name"`
	Config         datatypes.JSONMap `json:"config"`
	Version        int64             `gorm:"not null;default:0" json:"version"`
	LastDeployedBy uuid.UUID         `gorm:"type:uuid" json:"last_deployed_by"`
	LastDeployedAt *time.Time        `json:"last_deployed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (c *Component) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
