package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/registry"
	"github.com/signalhub/engine/internal/repository"
	appErr "github.com/signalhub/engine/pkg/errors"
	"github.com/signalhub/engine/pkg/logger"
)

// ConflictReport is the outcome of checking a bucket against the project's
// deployment history.
type ConflictReport struct {
	HasConflicts           bool                    `json:"has_conflicts"`
	CurrentDeploymentID    int64                   `json:"current_deployment_id"`
	BucketBaseDeploymentID *int64                  `json:"bucket_base_deployment_id"`
	Conflicts              []models.ConflictDetail `json:"conflicts"`
	CheckedAt              time.Time               `json:"checked_at"`
}

// ConflictChecker decides whether a bucket's staged items still apply cleanly.
type ConflictChecker interface {
	// Check computes conflicts without touching the bucket.
	Check(ctx context.Context, b *models.DeploymentBucket) (*ConflictReport, error)
	// CheckAndRecord computes conflicts and caches the result on the bucket.
	CheckAndRecord(ctx context.Context, b *models.DeploymentBucket) (*ConflictReport, error)
	// CheckBucket loads a bucket by id and runs CheckAndRecord on it.
	CheckBucket(ctx context.Context, projectID, bucketID uuid.UUID) (*ConflictReport, error)
	// RefreshProject re-checks every active bucket of a project.
	RefreshProject(ctx context.Context, projectID uuid.UUID) (int, error)
}

type conflictChecker struct {
	projectRepo repository.ProjectRepository
	bucketRepo  repository.BucketRepository
	registry    registry.Registry
	now         func() time.Time
}

func NewConflictChecker(projectRepo repository.ProjectRepository, bucketRepo repository.BucketRepository, reg registry.Registry) ConflictChecker {
	return &conflictChecker{
		projectRepo: projectRepo,
		bucketRepo:  bucketRepo,
		registry:    reg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ ConflictChecker = (*conflictChecker)(nil)

func (c *conflictChecker) Check(ctx context.Context, b *models.DeploymentBucket) (*ConflictReport, error) {
	current, err := c.projectRepo.CurrentDeploymentID(ctx, b.ProjectID)
	if err != nil {
		return nil, err
	}

	report := &ConflictReport{
		CurrentDeploymentID:    current,
		BucketBaseDeploymentID: b.BaseDeploymentID,
		Conflicts:              []models.ConflictDetail{},
		CheckedAt:              c.now(),
	}

	// Version checks only matter once the counter has moved past the bucket's
	// base. Name collisions are checked regardless.
	stale := b.BaseDeploymentID == nil || *b.BaseDeploymentID != current
	for i := range b.Items {
		item := &b.Items[i]
		var (
			detail *models.ConflictDetail
			err    error
		)
		switch {
		case item.ChangeType == models.ChangeCreate:
			detail, err = c.checkCreate(ctx, b.ProjectID, item)
		case stale:
			detail, err = c.checkVersion(ctx, b.ProjectID, item)
		}
		if err != nil {
			return nil, err
		}
		if detail != nil {
			report.Conflicts = append(report.Conflicts, *detail)
		}
	}

	if stale {
		if err := c.inFlight(ctx, b, report); err != nil {
			return nil, err
		}
	}

	pending, err := c.pendingCollisions(ctx, b)
	if err != nil {
		return nil, err
	}
	report.Conflicts = append(report.Conflicts, pending...)
	report.HasConflicts = len(report.Conflicts) > 0
	return report, nil
}

func (c *conflictChecker) checkCreate(ctx context.Context, projectID uuid.UUID, item *models.DeploymentItem) (*models.ConflictDetail, error) {
	itemID := item.ID
	existing, err := c.registry.FindByName(ctx, projectID, item.ComponentType, item.ComponentName)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	detail := &models.ConflictDetail{
		Type:          models.ConflictNameCollision,
		ItemID:        &itemID,
		ComponentType: item.ComponentType,
		ComponentID:   existing.ID,
		ComponentName: item.ComponentName,
		ActualVersion: existing.Version,
		DeployedAt:    existing.LastDeployedAt,
		Message:       fmt.Sprintf("%s %q already exists", item.ComponentType, item.ComponentName),
	}
	if existing.Version > 0 {
		v, by := existing.Version, existing.LastDeployedBy
		detail.ConflictingDeploymentID = &v
		detail.DeployedBy = &by
	}
	return detail, nil
}

func (c *conflictChecker) checkVersion(ctx context.Context, projectID uuid.UUID, item *models.DeploymentItem) (*models.ConflictDetail, error) {
	itemID := item.ID
	last, err := c.registry.LastDeployed(ctx, projectID, item.ComponentID)
	if err != nil {
		return nil, err
	}
	var expected int64
	if item.PreviousVersion != nil {
		expected = *item.PreviousVersion
	}
	if last.Number == expected {
		return nil, nil
	}

	detail := &models.ConflictDetail{
		Type:            models.ConflictVersionMismatch,
		ItemID:          &itemID,
		ComponentType:   item.ComponentType,
		ComponentID:     item.ComponentID,
		ComponentName:   item.ComponentName,
		ExpectedVersion: item.PreviousVersion,
		ActualVersion:   last.Number,
		DeployedAt:      last.DeployedAt,
		Message: fmt.Sprintf("%s %q was changed by deployment %d after version %d was staged",
			item.ComponentType, item.ComponentName, last.Number, expected),
	}
	if last.Number > 0 {
		v, by := last.Number, last.DeployedBy
		detail.ConflictingDeploymentID = &v
		detail.DeployedBy = &by
	}
	if last.Deleted {
		detail.Message = fmt.Sprintf("%s %q was deleted by deployment %d", item.ComponentType, item.ComponentName, last.Number)
	}
	return detail, nil
}

// inFlight flags items touching a component that a newer, not yet recorded
// deployment is applying. Their registry version may not have moved yet.
func (c *conflictChecker) inFlight(ctx context.Context, b *models.DeploymentBucket, report *ConflictReport) error {
	var since int64
	if b.BaseDeploymentID != nil {
		since = *b.BaseDeploymentID
	}
	others, err := c.bucketRepo.InFlightItems(ctx, b.ProjectID, b.ID, since)
	if err != nil {
		return err
	}
	if len(others) == 0 {
		return nil
	}

	flagged := map[uuid.UUID]bool{}
	for _, d := range report.Conflicts {
		if d.ItemID != nil {
			flagged[*d.ItemID] = true
		}
	}
	for i := range b.Items {
		item := &b.Items[i]
		if flagged[item.ID] {
			continue
		}
		for _, o := range others {
			sameName := o.ComponentType == item.ComponentType && o.ComponentName == item.ComponentName
			if o.ComponentID != item.ComponentID && !sameName {
				continue
			}
			itemID := item.ID
			deploymentID, by, bucketID := o.DeploymentID, o.UserID, o.BucketID
			report.Conflicts = append(report.Conflicts, models.ConflictDetail{
				Type:                    models.ConflictInFlight,
				ItemID:                  &itemID,
				ComponentType:           item.ComponentType,
				ComponentID:             item.ComponentID,
				ComponentName:           item.ComponentName,
				ExpectedVersion:         item.PreviousVersion,
				ConflictingDeploymentID: &deploymentID,
				DeployedBy:              &by,
				OtherBucketID:           &bucketID,
				OtherUserID:             &by,
				Message: fmt.Sprintf("%s %q is being changed by deployment %d",
					item.ComponentType, item.ComponentName, deploymentID),
			})
			break
		}
	}
	return nil
}

// pendingCollisions reports creates in b whose type and name are also staged
// for creation in another user's active bucket. Whichever deploys second would
// land on the first one's component.
func (c *conflictChecker) pendingCollisions(ctx context.Context, b *models.DeploymentBucket) ([]models.ConflictDetail, error) {
	type key struct {
		typ  models.ComponentType
		name string
	}
	creates := map[key]*models.DeploymentItem{}
	for i := range b.Items {
		if b.Items[i].ChangeType == models.ChangeCreate {
			creates[key{b.Items[i].ComponentType, b.Items[i].ComponentName}] = &b.Items[i]
		}
	}
	if len(creates) == 0 {
		return nil, nil
	}

	pending, err := c.bucketRepo.PendingCreates(ctx, b.ProjectID, b.ID)
	if err != nil {
		return nil, err
	}

	var out []models.ConflictDetail
	for _, p := range pending {
		if p.UserID == b.UserID {
			continue
		}
		item, ok := creates[key{p.ComponentType, p.ComponentName}]
		if !ok {
			continue
		}
		otherBucket, otherUser := p.BucketID, p.UserID
		out = append(out, models.ConflictDetail{
			Type:          models.ConflictNameCollision,
			ComponentType: p.ComponentType,
			ComponentID:   item.ComponentID,
			ComponentName: p.ComponentName,
			OtherBucketID: &otherBucket,
			OtherUserID:   &otherUser,
			Message:       fmt.Sprintf("%s %q is also staged for creation by user %s", p.ComponentType, p.ComponentName, otherUser),
		})
	}
	return out, nil
}

func (c *conflictChecker) CheckAndRecord(ctx context.Context, b *models.DeploymentBucket) (*ConflictReport, error) {
	report, err := c.Check(ctx, b)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BucketActive && b.Status != models.BucketDeploying && b.Status != models.BucketConflict {
		return report, nil
	}
	if err := c.bucketRepo.SaveConflictCheck(ctx, b.ID, report.HasConflicts, report.Conflicts, report.CheckedAt); err != nil {
		return nil, err
	}
	b.HasConflicts = report.HasConflicts
	checkedAt := report.CheckedAt
	b.LastCheckedAt = &checkedAt
	return report, nil
}

func (c *conflictChecker) CheckBucket(ctx context.Context, projectID, bucketID uuid.UUID) (*ConflictReport, error) {
	b, err := c.bucketRepo.Get(ctx, projectID, bucketID)
	if err != nil {
		return nil, err
	}
	return c.CheckAndRecord(ctx, b)
}

func (c *conflictChecker) RefreshProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	buckets, err := c.bucketRepo.ListActive(ctx, projectID)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for i := range buckets {
		report, err := c.CheckAndRecord(ctx, &buckets[i])
		if err != nil {
			return flagged, err
		}
		if report.HasConflicts {
			flagged++
		}
	}
	logger.L().Info("conflict refresh finished",
		zap.String("project_id", projectID.String()),
		zap.Int("active_buckets", len(buckets)),
		zap.Int("flagged", flagged),
	)
	return flagged, nil
}
