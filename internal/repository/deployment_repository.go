package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/signalhub/engine/internal/models"
	appErr "github.com/signalhub/engine/pkg/errors"
	"gorm.io/gorm"
)

// DeploymentRepository is the append-only deployment history.
type DeploymentRepository interface {
	// Record writes the history row, the final item outcomes and moves the
	// bucket from deploying to deployed, atomically.
	Record(ctx context.Context, d *models.Deployment, items []models.DeploymentItem) error
	Get(ctx context.Context, projectID uuid.UUID, deploymentID int64) (*models.Deployment, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, page Page) ([]models.Deployment, int64, error)
}

type deploymentRepository struct {
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{db: db}
}

func (r *deploymentRepository) Record(ctx context.Context, d *models.Deployment, items []models.DeploymentItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return appErr.Wrap(err, appErr.CodeContention, "deployment id already recorded")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "insert deployment failed")
		}

		for _, it := range items {
			res := tx.Model(&models.DeploymentItem{}).
				Where("id = ? AND bucket_id = ?", it.ID, d.BucketID).
				UpdateColumns(map[string]any{
					"status":        it.Status,
					"error_message": it.ErrorMessage,
					"deployed_at":   it.DeployedAt,
					"updated_at":    d.CompletedAt,
				})
			if res.Error != nil {
				return appErr.Wrap(res.Error, appErr.CodeInternal, "update item outcome failed")
			}
		}

		res := tx.Model(&models.DeploymentBucket{}).
			Where("id = ? AND status = ?", d.BucketID, models.BucketDeploying).
			UpdateColumns(map[string]any{
				"status":        models.BucketDeployed,
				"deployment_id": d.DeploymentID,
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "finalize bucket failed")
		}
		if res.RowsAffected == 0 {
			return appErr.InvalidState("bucket %s is not deploying", d.BucketID)
		}
		return nil
	})
}

func (r *deploymentRepository) Get(ctx context.Context, projectID uuid.UUID, deploymentID int64) (*models.Deployment, error) {
	var d models.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND deployment_id = ?", projectID, deploymentID).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("deployment %d not found", deploymentID)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get deployment failed")
	}
	return &d, nil
}

func (r *deploymentRepository) ListByProject(ctx context.Context, projectID uuid.UUID, page Page) ([]models.Deployment, int64, error) {
	page = page.Normalize()

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count deployments failed")
	}

	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("deployment_id DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, total, nil
}
