package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/signalhub/engine/internal/models"
	appErr "github.com/signalhub/engine/pkg/errors"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Project, error)
	Archive(ctx context.Context, projectID uuid.UUID) error
	// CurrentDeploymentID returns the project's deployment counter, 0 if nothing was ever deployed.
	CurrentDeploymentID(ctx context.Context, projectID uuid.UUID) (int64, error)
	// NextDeploymentID atomically increments the counter and returns the new value.
	NextDeploymentID(ctx context.Context, projectID uuid.UUID, claim CounterClaim) (int64, error)
}

// CounterClaim qualifies a NextDeploymentID call.
type CounterClaim struct {
	// Expected makes the increment conditional on the counter still holding
	// this value. ErrCounterMoved is returned when it does not.
	Expected *int64
	// BucketID, when set, is stamped with the minted id in the same transaction.
	BucketID uuid.UUID
}

// ErrCounterMoved reports that another deployment claimed an id after the
// caller read the counter.
var ErrCounterMoved = appErr.New(appErr.CodeContention, "deployment counter moved")

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db, "project"), db: db}
}

func (r *projectRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Where("owner_id = ? AND archived = ?", ownerID, false).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects by owner failed")
	}
	return out, nil
}

func (r *projectRepository) Archive(ctx context.Context, projectID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Update("archived", true)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "archive project failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	return nil
}

func (r *projectRepository) CurrentDeploymentID(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var p models.Project
	err := r.db.WithContext(ctx).Select("id", "current_deployment_id").First(&p, "id = ?", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, appErr.New(appErr.CodeNotFound, "project not found")
		}
		return 0, appErr.Wrap(err, appErr.CodeInternal, "read deployment counter failed")
	}
	return p.CurrentDeploymentID, nil
}

// NextDeploymentID increments inside a transaction: the UPDATE takes the row
// lock, so concurrent callers serialize and each reads back its own value.
func (r *projectRepository) NextDeploymentID(ctx context.Context, projectID uuid.UUID, claim CounterClaim) (int64, error) {
	var next int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Project{}).Where("id = ?", projectID)
		if claim.Expected != nil {
			q = q.Where("current_deployment_id = ?", *claim.Expected)
		}
		res := q.UpdateColumn("current_deployment_id", gorm.Expr("current_deployment_id + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if claim.Expected != nil {
				var n int64
				if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Count(&n).Error; err != nil {
					return err
				}
				if n > 0 {
					return ErrCounterMoved
				}
			}
			return appErr.New(appErr.CodeNotFound, "project not found")
		}
		if err := tx.Model(&models.Project{}).
			Select("current_deployment_id").
			Where("id = ?", projectID).
			Scan(&next).Error; err != nil {
			return err
		}
		if claim.BucketID == uuid.Nil {
			return nil
		}
		return tx.Model(&models.DeploymentBucket{}).
			Where("id = ? AND project_id = ?", claim.BucketID, projectID).
			UpdateColumn("deployment_id", next).Error
	})
	if err != nil {
		if errors.Is(err, ErrCounterMoved) || appErr.IsCode(err, appErr.CodeNotFound) {
			return 0, err
		}
		return 0, appErr.Wrap(err, appErr.CodeContention, "increment deployment counter failed").
			WithMeta("project_id", projectID.String())
	}
	return next, nil
}
