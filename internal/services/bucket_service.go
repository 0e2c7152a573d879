package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/repository"
	appErr "github.com/signalhub/engine/pkg/errors"
	"github.com/signalhub/engine/pkg/logger"
)

// BucketService manages each user's staging bucket and the items in it.
type BucketService interface {
	// GetOrCreateActive returns the caller's active bucket, creating it based on
	// the project's current deployment id when there is none.
	GetOrCreateActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error)
	GetActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error)
	Get(ctx context.Context, projectID, bucketID uuid.UUID) (*models.DeploymentBucket, error)
	List(ctx context.Context, projectID, userID uuid.UUID, filters *BucketFilters) ([]models.DeploymentBucket, int64, error)

	AddItem(ctx context.Context, projectID, bucketID, userID uuid.UUID, input *StageItemInput) (*models.DeploymentItem, error)
	// Stage adds an item to the caller's active bucket, creating the bucket if needed.
	Stage(ctx context.Context, projectID, userID uuid.UUID, input *StageItemInput) (*models.DeploymentBucket, *models.DeploymentItem, error)
	RemoveItem(ctx context.Context, projectID, bucketID, userID, itemID uuid.UUID) error
	Discard(ctx context.Context, projectID, bucketID, userID uuid.UUID) (*models.DeploymentBucket, error)
}

type BucketFilters struct {
	Status   models.BucketStatus
	AllUsers bool
	Skip     int
	Limit    int
}

type StageItemInput struct {
	ComponentType   models.ComponentType
	ComponentID     *uuid.UUID
	ComponentName   string
	ChangeType      models.ChangeType
	PreviousVersion *int64
	Payload         map[string]any
}

type bucketService struct {
	projectRepo repository.ProjectRepository
	bucketRepo  repository.BucketRepository
}

func NewBucketService(projectRepo repository.ProjectRepository, bucketRepo repository.BucketRepository) BucketService {
	return &bucketService{projectRepo: projectRepo, bucketRepo: bucketRepo}
}

var _ BucketService = (*bucketService)(nil)

func (s *bucketService) GetOrCreateActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error) {
	if b, err := s.bucketRepo.GetActive(ctx, projectID, userID); err == nil {
		return b, nil
	} else if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}

	current, err := s.projectRepo.CurrentDeploymentID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	b, err := s.bucketRepo.CreateActive(ctx, &models.DeploymentBucket{
		ProjectID:        projectID,
		UserID:           userID,
		BaseDeploymentID: &current,
		ConflictDetails:  datatypes.JSONSlice[models.ConflictDetail]{},
	})
	if err != nil {
		return nil, err
	}
	logger.L().Info("active bucket ready",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()),
		zap.String("bucket_id", b.ID.String()),
		zap.Int64p("base_deployment_id", b.BaseDeploymentID),
	)
	return b, nil
}

func (s *bucketService) GetActive(ctx context.Context, projectID, userID uuid.UUID) (*models.DeploymentBucket, error) {
	return s.bucketRepo.GetActive(ctx, projectID, userID)
}

func (s *bucketService) Get(ctx context.Context, projectID, bucketID uuid.UUID) (*models.DeploymentBucket, error) {
	return s.bucketRepo.Get(ctx, projectID, bucketID)
}

func (s *bucketService) List(ctx context.Context, projectID, userID uuid.UUID, filters *BucketFilters) ([]models.DeploymentBucket, int64, error) {
	if filters == nil {
		filters = &BucketFilters{}
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, appErr.Newf(appErr.CodeInvalid, "unknown bucket status %q", filters.Status)
	}
	f := repository.BucketFilter{
		ProjectID: projectID,
		Status:    filters.Status,
		Page:      repository.Page{Skip: filters.Skip, Limit: filters.Limit},
	}
	if !filters.AllUsers {
		f.UserID = &userID
	}
	return s.bucketRepo.List(ctx, f)
}

// owned loads a bucket and checks the caller owns it.
func (s *bucketService) owned(ctx context.Context, projectID, bucketID, userID uuid.UUID) (*models.DeploymentBucket, error) {
	b, err := s.bucketRepo.Get(ctx, projectID, bucketID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, appErr.New(appErr.CodeForbidden, "bucket belongs to another user")
	}
	return b, nil
}

func (s *bucketService) AddItem(ctx context.Context, projectID, bucketID, userID uuid.UUID, input *StageItemInput) (*models.DeploymentItem, error) {
	b, err := s.owned(ctx, projectID, bucketID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BucketActive {
		return nil, appErr.InvalidState("cannot add items to a %s bucket", b.Status)
	}

	item, err := newItem(input)
	if err != nil {
		return nil, err
	}
	if err := rejectDuplicate(b, item); err != nil {
		return nil, err
	}
	if err := s.bucketRepo.AddItem(ctx, b.ID, item); err != nil {
		return nil, err
	}

	logger.L().Info("item staged",
		zap.String("bucket_id", b.ID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("component_type", string(item.ComponentType)),
		zap.String("component_name", item.ComponentName),
		zap.String("change_type", string(item.ChangeType)),
	)
	return item, nil
}

func (s *bucketService) Stage(ctx context.Context, projectID, userID uuid.UUID, input *StageItemInput) (*models.DeploymentBucket, *models.DeploymentItem, error) {
	b, err := s.GetOrCreateActive(ctx, projectID, userID)
	if err != nil {
		return nil, nil, err
	}
	item, err := s.AddItem(ctx, projectID, b.ID, userID, input)
	if err != nil {
		return nil, nil, err
	}
	b, err = s.bucketRepo.Get(ctx, projectID, b.ID)
	if err != nil {
		return nil, nil, err
	}
	return b, item, nil
}

func (s *bucketService) RemoveItem(ctx context.Context, projectID, bucketID, userID, itemID uuid.UUID) error {
	b, err := s.owned(ctx, projectID, bucketID, userID)
	if err != nil {
		return err
	}
	if b.Status != models.BucketActive {
		return appErr.InvalidState("cannot remove items from a %s bucket", b.Status)
	}
	if err := s.bucketRepo.RemoveItem(ctx, b.ID, itemID); err != nil {
		return err
	}
	logger.L().Info("item unstaged", zap.String("bucket_id", b.ID.String()), zap.String("item_id", itemID.String()))
	return nil
}

func (s *bucketService) Discard(ctx context.Context, projectID, bucketID, userID uuid.UUID) (*models.DeploymentBucket, error) {
	b, err := s.owned(ctx, projectID, bucketID, userID)
	if err != nil {
		return nil, err
	}
	ok, err := s.bucketRepo.Transition(ctx, b.ID, models.BucketDiscarded, models.BucketActive, models.BucketConflict)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.bucketRepo.Get(ctx, projectID, bucketID)
		if err != nil {
			return nil, err
		}
		return nil, appErr.InvalidState("cannot discard a %s bucket", current.Status)
	}
	logger.L().Info("bucket discarded", zap.String("bucket_id", b.ID.String()), zap.String("user_id", userID.String()))
	return s.bucketRepo.Get(ctx, projectID, bucketID)
}

func newItem(input *StageItemInput) (*models.DeploymentItem, error) {
	if input == nil {
		return nil, appErr.New(appErr.CodeInvalid, "item is required")
	}
	if !input.ComponentType.Valid() {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown component type %q", input.ComponentType)
	}
	if !input.ChangeType.Valid() {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown change type %q", input.ChangeType)
	}
	if input.ComponentName == "" {
		return nil, appErr.New(appErr.CodeInvalid, "component_name is required")
	}

	item := &models.DeploymentItem{
		ComponentType:   input.ComponentType,
		ComponentName:   input.ComponentName,
		ChangeType:      input.ChangeType,
		PreviousVersion: input.PreviousVersion,
		Payload:         datatypes.JSONMap(input.Payload),
	}
	if item.Payload == nil {
		item.Payload = datatypes.JSONMap{}
	}

	switch input.ChangeType {
	case models.ChangeCreate:
		item.ComponentID = uuid.New()
		if input.ComponentID != nil && *input.ComponentID != uuid.Nil {
			item.ComponentID = *input.ComponentID
		}
		item.PreviousVersion = nil
	default:
		if input.ComponentID == nil || *input.ComponentID == uuid.Nil {
			return nil, appErr.Newf(appErr.CodeInvalid, "component_id is required for %s", input.ChangeType)
		}
		if input.PreviousVersion == nil {
			return nil, appErr.Newf(appErr.CodeInvalid, "previous_version is required for %s", input.ChangeType)
		}
		item.ComponentID = *input.ComponentID
	}
	return item, nil
}

// rejectDuplicate keeps one item per component in a bucket; items are applied
// concurrently so two edits of one component would race.
func rejectDuplicate(b *models.DeploymentBucket, item *models.DeploymentItem) error {
	for _, existing := range b.Items {
		sameID := existing.ComponentID == item.ComponentID
		sameName := existing.ComponentType == item.ComponentType && existing.ComponentName == item.ComponentName
		if sameID || sameName {
			return appErr.Newf(appErr.CodeAlreadyExists, "%s %q is already staged in this bucket", item.ComponentType, item.ComponentName).
				WithMeta("item_id", existing.ID.String())
		}
	}
	return nil
}
