package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project is a tenant workspace. It owns the per-project deployment counter.
type Project struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID             uuid.UUID      `gorm:"type:uuid;index;not null" json:"owner_id" validate:"required"`
	Name                string         `gorm:"not null;uniqueIndex" json:"name" validate:"required"`
	Description         string         `gorm:"type:text" json:"description"`
	CurrentDeploymentID int64          `gorm:"not null;default:0" json:"current_deployment_id"`
	Settings            datatypes.JSON `gorm:"type:jsonb" json:"settings,omitempty"`
	Archived            bool           `gorm:"not null;default:false;index" json:"archived"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
