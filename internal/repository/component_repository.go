package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/signalhub/engine/internal/models"
	appErr "github.com/signalhub/engine/pkg/errors"
	"gorm.io/gorm"
)

type ComponentRepository interface {
	// WithTx returns a repository bound to tx.
	WithTx(tx *gorm.DB) ComponentRepository
	// Get loads a component; includeDeleted also returns soft-deleted rows so
	// their final version stays visible to conflict checks.
	Get(ctx context.Context, projectID, id uuid.UUID, includeDeleted bool) (*models.Component, error)
	FindByName(ctx context.Context, projectID uuid.UUID, typ models.ComponentType, name string) (*models.Component, error)
	List(ctx context.Context, projectID uuid.UUID, typ models.ComponentType) ([]models.Component, error)
	Save(ctx context.Context, c *models.Component) error
	SoftDelete(ctx context.Context, c *models.Component) error
}

type componentRepository struct {
	BaseRepository[models.Component]
	db *gorm.DB
}

func NewComponentRepository(db *gorm.DB) ComponentRepository {
	return &componentRepository{BaseRepository: NewBaseRepository[models.Component](db, "component"), db: db}
}

func (r *componentRepository) WithTx(tx *gorm.DB) ComponentRepository {
	return NewComponentRepository(tx)
}

func (r *componentRepository) Get(ctx context.Context, projectID, id uuid.UUID, includeDeleted bool) (*models.Component, error) {
	q := r.db.WithContext(ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var c models.Component
	if err := q.Where("id = ? AND project_id = ?", id, projectID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("component %s not found", id)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get component failed")
	}
	return &c, nil
}

func (r *componentRepository) FindByName(ctx context.Context, projectID uuid.UUID, typ models.ComponentType, name string) (*models.Component, error) {
	var c models.Component
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND type = ? AND name = ?", projectID, typ, name).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("%s %q not found", typ, name)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "find component failed")
	}
	return &c, nil
}

func (r *componentRepository) List(ctx context.Context, projectID uuid.UUID, typ models.ComponentType) ([]models.Component, error) {
	q := r.db.WithContext(ctx).Where("project_id = ?", projectID)
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var out []models.Component
	if err := q.Order("type ASC, name ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list components failed")
	}
	return out, nil
}

func (r *componentRepository) Save(ctx context.Context, c *models.Component) error {
	if c.CreatedAt.IsZero() {
		return r.Create(ctx, c)
	}
	return r.Update(ctx, c)
}

func (r *componentRepository) SoftDelete(ctx context.Context, c *models.Component) error {
	if err := r.Update(ctx, c); err != nil {
		return err
	}
	return r.Delete(ctx, c.ID)
}
