package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/signalhub/engine/internal/models"
	appErr "github.com/signalhub/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BucketFilter selects buckets for List. A nil UserID lists every user's buckets.
type BucketFilter struct {
	ProjectID uuid.UUID
	UserID    *uuid.UUID
	Status    models.BucketStatus
	Page      Page
}

// PendingCreate is a create item staged in some active bucket.
type PendingCreate struct {
	BucketID      uuid.UUID
	UserID        uuid.UUID
	ItemID        uuid.UUID
	ComponentType models.ComponentType
	ComponentName string
}

// InFlightItem is an item of a bucket that has claimed a deployment id but
// has not been recorded yet.
type InFlightItem struct {
	BucketID      uuid.UUID
	UserID        uuid.UUID
	DeploymentID  int64
	ItemID        uuid.UUID
	ComponentType models.ComponentType
	ComponentID   uuid.UUID
	ComponentName string
	ChangeType    models.ChangeType
}

type BucketRepository interface {
	Get(ctx context.Context, projectID, bucketID uuid.UUID) (*models.DeploymentBucket, error)
	GetActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error)
	// CreateActive inserts b as the user's active bucket. If another request won
	// the race the existing active bucket is returned instead.
	CreateActive(ctx context.Context, b *models.DeploymentBucket) (*models.DeploymentBucket, error)
	List(ctx context.Context, f BucketFilter) ([]models.DeploymentBucket, int64, error)
	ListActive(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentBucket, error)
	PendingCreates(ctx context.Context, projectID, excludeBucketID uuid.UUID) ([]PendingCreate, error)
	// InFlightItems lists items of deploying buckets whose deployment id is above since.
	InFlightItems(ctx context.Context, projectID, excludeBucketID uuid.UUID, since int64) ([]InFlightItem, error)

	AddItem(ctx context.Context, bucketID uuid.UUID, item *models.DeploymentItem) error
	RemoveItem(ctx context.Context, bucketID, itemID uuid.UUID) error

	// Transition moves the bucket to `to` only if its status is one of from.
	// It reports whether the swap happened.
	Transition(ctx context.Context, bucketID uuid.UUID, to models.BucketStatus, from ...models.BucketStatus) (bool, error)
	// MarkItems sets the status of the given items of a bucket.
	MarkItems(ctx context.Context, bucketID uuid.UUID, itemIDs []uuid.UUID, status models.ItemStatus) error
	SaveConflictCheck(ctx context.Context, bucketID uuid.UUID, hasConflicts bool, details []models.ConflictDetail, checkedAt time.Time) error
}

type bucketRepository struct {
	base BaseRepository[models.DeploymentBucket]
	db   *gorm.DB
}

func NewBucketRepository(db *gorm.DB) BucketRepository {
	return &bucketRepository{base: NewBaseRepository[models.DeploymentBucket](db, "bucket"), db: db}
}

func withOrderedItems(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") })
}

func (r *bucketRepository) Get(ctx context.Context, projectID, bucketID uuid.UUID) (*models.DeploymentBucket, error) {
	var b models.DeploymentBucket
	err := withOrderedItems(r.db.WithContext(ctx)).
		Where("id = ? AND project_id = ?", bucketID, projectID).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("bucket %s not found", bucketID)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get bucket failed")
	}
	return &b, nil
}

func (r *bucketRepository) GetActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error) {
	var b models.DeploymentBucket
	err := withOrderedItems(r.db.WithContext(ctx)).
		Where("project_id = ? AND user_id = ? AND status = ?", projectID, userID, models.BucketActive).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("no active bucket")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get active bucket failed")
	}
	return &b, nil
}

func (r *bucketRepository) CreateActive(ctx context.Context, b *models.DeploymentBucket) (*models.DeploymentBucket, error) {
	b.Status = models.BucketActive
	if err := r.base.Create(ctx, b); err != nil {
		// Unique index idx_buckets_one_active rejected us: someone else created it first.
		if existing, getErr := r.GetActive(ctx, b.ProjectID, b.UserID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	b.Items = []models.DeploymentItem{}
	return b, nil
}

func (r *bucketRepository) List(ctx context.Context, f BucketFilter) ([]models.DeploymentBucket, int64, error) {
	page := f.Page.Normalize()
	scoped := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.DeploymentBucket{}).Where("project_id = ?", f.ProjectID)
		if f.UserID != nil {
			q = q.Where("user_id = ?", *f.UserID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count buckets failed")
	}

	var out []models.DeploymentBucket
	err := withOrderedItems(scoped()).
		Order("created_at DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list buckets failed")
	}
	return out, total, nil
}

func (r *bucketRepository) ListActive(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentBucket, error) {
	var out []models.DeploymentBucket
	err := withOrderedItems(r.db.WithContext(ctx)).
		Where("project_id = ? AND status = ?", projectID, models.BucketActive).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list active buckets failed")
	}
	return out, nil
}

func (r *bucketRepository) PendingCreates(ctx context.Context, projectID, excludeBucketID uuid.UUID) ([]PendingCreate, error) {
	var out []PendingCreate
	err := r.db.WithContext(ctx).
		Table("deployment_items AS i").
		Select("b.id AS bucket_id, b.user_id AS user_id, i.id AS item_id, i.component_type AS component_type, i.component_name AS component_name").
		Joins("JOIN deployment_buckets AS b ON b.id = i.bucket_id").
		Where("b.project_id = ? AND b.status = ? AND b.id <> ? AND i.change_type = ?",
			projectID, models.BucketActive, excludeBucketID, models.ChangeCreate).
		Scan(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list pending creates failed")
	}
	return out, nil
}

func (r *bucketRepository) InFlightItems(ctx context.Context, projectID, excludeBucketID uuid.UUID, since int64) ([]InFlightItem, error) {
	var out []InFlightItem
	err := r.db.WithContext(ctx).
		Table("deployment_items AS i").
		Select("b.id AS bucket_id, b.user_id AS user_id, b.deployment_id AS deployment_id, i.id AS item_id, "+
			"i.component_type AS component_type, i.component_id AS component_id, i.component_name AS component_name, i.change_type AS change_type").
		Joins("JOIN deployment_buckets AS b ON b.id = i.bucket_id").
		Where("b.project_id = ? AND b.status = ? AND b.id <> ? AND b.deployment_id IS NOT NULL AND b.deployment_id > ?",
			projectID, models.BucketDeploying, excludeBucketID, since).
		Scan(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list in-flight items failed")
	}
	return out, nil
}

// AddItem bumps the bucket's counters only while it is active, so an item can
// never slip into a bucket that has started deploying.
func (r *bucketRepository) AddItem(ctx context.Context, bucketID uuid.UUID, item *models.DeploymentItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeploymentBucket{}).
			Where("id = ? AND status = ?", bucketID, models.BucketActive).
			UpdateColumns(map[string]any{
				"item_count":    gorm.Expr("item_count + 1"),
				"next_position": gorm.Expr("next_position + 1"),
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "reserve item slot failed")
		}
		if res.RowsAffected == 0 {
			return appErr.InvalidState("bucket %s is not active", bucketID)
		}

		var position int
		if err := tx.Model(&models.DeploymentBucket{}).Select("next_position").Where("id = ?", bucketID).Scan(&position).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "read item position failed")
		}
		item.BucketID = bucketID
		item.Position = position
		item.Status = models.ItemPending
		if err := tx.Create(item).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "insert item failed")
		}
		return nil
	})
}

func (r *bucketRepository) RemoveItem(ctx context.Context, bucketID, itemID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeploymentBucket{}).
			Where("id = ? AND status = ?", bucketID, models.BucketActive).
			UpdateColumns(map[string]any{
				"item_count": gorm.Expr("item_count - 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "release item slot failed")
		}
		if res.RowsAffected == 0 {
			return appErr.InvalidState("bucket %s is not active", bucketID)
		}

		del := tx.Where("id = ? AND bucket_id = ?", itemID, bucketID).Delete(&models.DeploymentItem{})
		if del.Error != nil {
			return appErr.Wrap(del.Error, appErr.CodeInternal, "delete item failed")
		}
		if del.RowsAffected == 0 {
			return appErr.NotFound("item %s not found in bucket", itemID)
		}
		return nil
	})
}

func (r *bucketRepository) Transition(ctx context.Context, bucketID uuid.UUID, to models.BucketStatus, from ...models.BucketStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.DeploymentBucket{}).
		Where("id = ? AND status IN ?", bucketID, from).
		UpdateColumns(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "update bucket status failed")
	}
	return res.RowsAffected == 1, nil
}

func (r *bucketRepository) SaveConflictCheck(ctx context.Context, bucketID uuid.UUID, hasConflicts bool, details []models.ConflictDetail, checkedAt time.Time) error {
	if details == nil {
		details = []models.ConflictDetail{}
	}
	res := r.db.WithContext(ctx).Model(&models.DeploymentBucket{}).
		Where("id = ?", bucketID).
		UpdateColumns(map[string]any{
			"has_conflicts":    hasConflicts,
			"conflict_details": datatypes.JSONSlice[models.ConflictDetail](details),
			"last_checked_at":  checkedAt,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "save conflict check failed")
	}
	if res.RowsAffected == 0 {
		return appErr.NotFound("bucket %s not found", bucketID)
	}
	return nil
}

func (r *bucketRepository) MarkItems(ctx context.Context, bucketID uuid.UUID, itemIDs []uuid.UUID, status models.ItemStatus) error {
	if len(itemIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.DeploymentItem{}).
		Where("bucket_id = ? AND id IN ?", bucketID, itemIDs).
		UpdateColumns(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "mark items failed")
	}
	return nil
}
