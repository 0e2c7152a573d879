package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/signalhub/engine/internal/metrics"
	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/queue/tasks"
	"github.com/signalhub/engine/internal/registry"
	"github.com/signalhub/engine/internal/repository"
	appErr "github.com/signalhub/engine/pkg/errors"
	"github.com/signalhub/engine/pkg/logger"
)

// DeploymentService executes buckets and reads the deployment history.
type DeploymentService interface {
	Deploy(ctx context.Context, projectID, bucketID, userID uuid.UUID, opts DeployOptions) (*DeployResult, error)

	CurrentDeploymentID(ctx context.Context, projectID uuid.UUID) (int64, error)
	ListDeployments(ctx context.Context, projectID uuid.UUID, filters *DeploymentFilters) ([]models.Deployment, int64, error)
	GetDeployment(ctx context.Context, projectID uuid.UUID, deploymentID int64) (*models.Deployment, error)
}

type DeployOptions struct {
	DryRun bool
	Force  bool
}

type DeploymentFilters struct {
	Skip  int
	Limit int
}

// DeployResult is returned for every deploy call that got past validation.
// Blocked and partially failed runs are results, not errors.
type DeployResult struct {
	Success      bool                    `json:"success"`
	DryRun       bool                    `json:"dry_run"`
	DeploymentID *int64                  `json:"deployment_id,omitempty"`
	Deployment   *models.Deployment      `json:"deployment,omitempty"`
	Message      string                  `json:"message"`
	Errors       []DeployError           `json:"errors"`
	Conflicts    []models.ConflictDetail `json:"conflicts,omitempty"`
	Plan         *DeployPlan             `json:"plan,omitempty"`
}

// DeployError is one entry of DeployResult.Errors: either a blocking conflict
// or an item that failed to apply.
type DeployError struct {
	Kind          string               `json:"kind"`
	ItemID        *uuid.UUID           `json:"item_id,omitempty"`
	ComponentType models.ComponentType `json:"component_type"`
	ComponentID   uuid.UUID            `json:"component_id"`
	ComponentName string               `json:"component_name"`
	Message       string               `json:"message"`
}

const (
	// maxGateAttempts bounds how often Deploy re-checks after losing the counter.
	maxGateAttempts  = 8
	recordRetryDelay = 100 * time.Millisecond
)

const (
	DeployErrorConflict = "conflict"
	DeployErrorItem     = "item"
)

// DeployPlan is what a dry run would apply.
type DeployPlan struct {
	ItemsTotal int      `json:"items_total"`
	Creates    int      `json:"creates"`
	Updates    int      `json:"updates"`
	Deletes    int      `json:"deletes"`
	Datablocks []string `json:"datablocks"`
	Pipelines  []string `json:"pipelines"`
	Features   []string `json:"features"`
}

// Enqueuer is the subset of *asynq.Client the executor needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type DeploymentServiceOptions struct {
	// Concurrency bounds how many items of one bucket are applied at once.
	Concurrency int
	Recorder    metrics.Recorder
	// Queue receives a conflict refresh task after every executed deployment. Optional.
	Queue Enqueuer
}

type deploymentService struct {
	projectRepo repository.ProjectRepository
	bucketRepo  repository.BucketRepository
	deployRepo  repository.DeploymentRepository
	registry    registry.Registry
	checker     ConflictChecker
	recorder    metrics.Recorder
	queue       Enqueuer
	concurrency int
	now         func() time.Time
}

func NewDeploymentService(
	projectRepo repository.ProjectRepository,
	bucketRepo repository.BucketRepository,
	deployRepo repository.DeploymentRepository,
	reg registry.Registry,
	checker ConflictChecker,
	opts DeploymentServiceOptions,
) DeploymentService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	return &deploymentService{
		projectRepo: projectRepo,
		bucketRepo:  bucketRepo,
		deployRepo:  deployRepo,
		registry:    reg,
		checker:     checker,
		recorder:    opts.Recorder,
		queue:       opts.Queue,
		concurrency: opts.Concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) Deploy(ctx context.Context, projectID, bucketID, userID uuid.UUID, opts DeployOptions) (*DeployResult, error) {
	log := logger.L().With(
		zap.String("project_id", projectID.String()),
		zap.String("bucket_id", bucketID.String()),
		zap.String("user_id", userID.String()),
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("force", opts.Force),
	)
	log.Info("deploy called")

	b, err := s.bucketRepo.Get(ctx, projectID, bucketID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, appErr.New(appErr.CodeForbidden, "bucket belongs to another user")
	}
	from := []models.BucketStatus{models.BucketActive}
	if opts.Force {
		// A blocked bucket may be pushed through explicitly.
		from = append(from, models.BucketConflict)
	}
	if !statusIn(b.Status, from) {
		return nil, appErr.InvalidState("cannot deploy a %s bucket", b.Status)
	}
	if len(b.Items) == 0 {
		return nil, appErr.New(appErr.CodeInvalid, "bucket has no items to deploy")
	}

	if opts.DryRun {
		return s.dryRun(ctx, b, opts)
	}

	// Freeze the bucket first so the checked items are the applied items.
	ok, err := s.bucketRepo.Transition(ctx, b.ID, models.BucketDeploying, from...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErr.InvalidState("bucket %s changed state, reload and retry", b.ID)
	}
	if b, err = s.bucketRepo.Get(ctx, projectID, bucketID); err != nil {
		return nil, err
	}

	// The id is claimed against the counter value the check saw. If another
	// deployment claimed one in between, the check runs again on the new baseline.
	var deploymentID int64
	for attempt := 1; ; attempt++ {
		report, err := s.checker.CheckAndRecord(ctx, b)
		if err != nil {
			s.release(ctx, b.ID, models.BucketActive, log)
			return nil, err
		}
		if report.HasConflicts && !opts.Force {
			s.release(ctx, b.ID, models.BucketConflict, log)
			if err := s.bucketRepo.MarkItems(ctx, b.ID, conflictingItems(report), models.ItemConflict); err != nil {
				log.Warn("mark conflicting items failed", zap.Error(err))
			}
			s.recorder.DeployBlocked(len(report.Conflicts))
			log.Info("deploy blocked by conflicts", zap.Int("conflicts", len(report.Conflicts)))
			return blockedResult(report, false), nil
		}

		claim := repository.CounterClaim{BucketID: b.ID}
		if !opts.Force {
			claim.Expected = &report.CurrentDeploymentID
		}
		deploymentID, err = s.projectRepo.NextDeploymentID(ctx, projectID, claim)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrCounterMoved) || attempt == maxGateAttempts {
			s.release(ctx, b.ID, models.BucketActive, log)
			log.Error("mint deployment id failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		log.Info("deployment counter moved during conflict check, checking again",
			zap.Int64("checked_against", report.CurrentDeploymentID),
			zap.Int("attempt", attempt),
		)
	}

	// Past the gate the run always completes, even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	itemIDs := make([]uuid.UUID, 0, len(b.Items))
	for _, it := range b.Items {
		itemIDs = append(itemIDs, it.ID)
	}
	if err := s.bucketRepo.MarkItems(runCtx, b.ID, itemIDs, models.ItemDeploying); err != nil {
		log.Warn("mark items deploying failed", zap.Error(err))
	}
	d, items := s.execute(runCtx, b, deploymentID, userID, opts.Force)

	if err := s.record(runCtx, d, items); err != nil {
		// Items are applied and the id is spent. The bucket stays deploying,
		// which keeps it visible to other buckets' conflict checks.
		log.Error("deployment stranded: applied but not recorded",
			zap.Int64("deployment_id", deploymentID),
			zap.String("deployment_status", string(d.Status)),
			zap.Int("items_succeeded", d.ItemsSucceeded),
			zap.Int("items_failed", d.ItemsFailed),
			zap.Error(err),
		)
		return nil, appErr.Wrap(err, appErr.CodeInternal, "deployment applied but history was not recorded").
			WithMeta("deployment_id", deploymentID).
			WithMeta("bucket_id", b.ID.String())
	}
	s.recorder.DeploymentFinished(d)
	s.enqueueRefresh(runCtx, projectID, deploymentID, log)

	log.Info("deployment finished",
		zap.Int64("deployment_id", d.DeploymentID),
		zap.String("status", string(d.Status)),
		zap.Int("items_succeeded", d.ItemsSucceeded),
		zap.Int("items_failed", d.ItemsFailed),
		zap.Int64("duration_ms", d.DurationMs),
	)

	res := &DeployResult{
		Success:      d.Status == models.DeploymentSuccess,
		DeploymentID: &d.DeploymentID,
		Deployment:   d,
		Errors:       []DeployError{},
	}
	for _, e := range d.Errors {
		itemID := e.ItemID
		res.Errors = append(res.Errors, DeployError{
			Kind:          DeployErrorItem,
			ItemID:        &itemID,
			ComponentType: e.ComponentType,
			ComponentID:   e.ComponentID,
			ComponentName: e.ComponentName,
			Message:       e.Message,
		})
	}
	switch d.Status {
	case models.DeploymentSuccess:
		res.Message = fmt.Sprintf("deployment %d applied %d item(s)", d.DeploymentID, d.ItemsTotal)
	case models.DeploymentPartial:
		res.Message = fmt.Sprintf("deployment %d applied %d of %d item(s)", d.DeploymentID, d.ItemsSucceeded, d.ItemsTotal)
	default:
		res.Message = fmt.Sprintf("deployment %d failed to apply any of %d item(s)", d.DeploymentID, d.ItemsTotal)
	}
	return res, nil
}

// dryRun reports what Deploy would do. It writes nothing, not even the
// bucket's cached conflict fields.
func (s *deploymentService) dryRun(ctx context.Context, b *models.DeploymentBucket, opts DeployOptions) (*DeployResult, error) {
	report, err := s.checker.Check(ctx, b)
	if err != nil {
		return nil, err
	}
	if report.HasConflicts && !opts.Force {
		return blockedResult(report, true), nil
	}

	plan := &DeployPlan{ItemsTotal: len(b.Items), Datablocks: []string{}, Pipelines: []string{}, Features: []string{}}
	for _, it := range b.Items {
		switch it.ChangeType {
		case models.ChangeCreate:
			plan.Creates++
		case models.ChangeUpdate:
			plan.Updates++
		case models.ChangeDelete:
			plan.Deletes++
		}
		switch it.ComponentType {
		case models.ComponentDatablock:
			plan.Datablocks = append(plan.Datablocks, it.ComponentName)
		case models.ComponentPipeline:
			plan.Pipelines = append(plan.Pipelines, it.ComponentName)
		case models.ComponentFeature:
			plan.Features = append(plan.Features, it.ComponentName)
		}
	}

	res := &DeployResult{
		Success:   true,
		DryRun:    true,
		Message:   fmt.Sprintf("dry run: %d item(s) would be deployed", plan.ItemsTotal),
		Errors:    []DeployError{},
		Conflicts: report.Conflicts,
		Plan:      plan,
	}
	if report.HasConflicts {
		res.Message = fmt.Sprintf("dry run: %d item(s) would be force deployed over %d conflict(s)", plan.ItemsTotal, len(report.Conflicts))
	}
	return res, nil
}

// execute applies every item independently. The returned items carry their
// final status; nothing is persisted here except through the registry.
func (s *deploymentService) execute(ctx context.Context, b *models.DeploymentBucket, deploymentID int64, userID uuid.UUID, forced bool) (*models.Deployment, []models.DeploymentItem) {
	started := s.now()
	items := make([]models.DeploymentItem, len(b.Items))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range b.Items {
		i := i
		g.Go(func() error {
			item := b.Items[i]
			err := s.applyItem(ctx, registry.ApplyRequest{
				ProjectID:    b.ProjectID,
				DeploymentID: deploymentID,
				UserID:       userID,
				Item:         item,
				At:           s.now(),
			})
			if err != nil {
				item.Status = models.ItemFailed
				item.ErrorMessage = err.Error()
			} else {
				at := s.now()
				item.Status = models.ItemDeployed
				item.DeployedAt = &at
				item.ErrorMessage = ""
			}
			s.recorder.ItemApplied(item.ComponentType, err == nil)
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	completed := s.now()
	d := &models.Deployment{
		ProjectID:          b.ProjectID,
		DeploymentID:       deploymentID,
		BucketID:           b.ID,
		UserID:             userID,
		Forced:             forced,
		StartedAt:          started,
		CompletedAt:        completed,
		DurationMs:         completed.Sub(started).Milliseconds(),
		ItemsTotal:         len(items),
		DeployedDatablocks: datatypes.JSONSlice[string]{},
		DeployedPipelines:  datatypes.JSONSlice[string]{},
		DeployedFeatures:   datatypes.JSONSlice[string]{},
		Errors:             datatypes.JSONSlice[models.DeploymentError]{},
	}

	var failures *multierror.Error
	for _, it := range items {
		if it.Status == models.ItemFailed {
			d.ItemsFailed++
			d.Errors = append(d.Errors, models.DeploymentError{
				ItemID:        it.ID,
				ComponentType: it.ComponentType,
				ComponentID:   it.ComponentID,
				ComponentName: it.ComponentName,
				Message:       it.ErrorMessage,
			})
			failures = multierror.Append(failures, fmt.Errorf("%s %q: %s", it.ComponentType, it.ComponentName, it.ErrorMessage))
			continue
		}
		d.ItemsSucceeded++
		switch it.ComponentType {
		case models.ComponentDatablock:
			d.DeployedDatablocks = append(d.DeployedDatablocks, it.ComponentName)
		case models.ComponentPipeline:
			d.DeployedPipelines = append(d.DeployedPipelines, it.ComponentName)
		case models.ComponentFeature:
			d.DeployedFeatures = append(d.DeployedFeatures, it.ComponentName)
		}
	}
	d.Status = models.ClassifyDeployment(d.ItemsTotal, d.ItemsFailed)

	if err := failures.ErrorOrNil(); err != nil {
		logger.L().Warn("deployment items failed",
			zap.Int64("deployment_id", deploymentID),
			zap.String("bucket_id", b.ID.String()),
			zap.Error(err),
		)
	}
	return d, items
}

// record writes the history row, retrying once after a short pause.
func (s *deploymentService) record(ctx context.Context, d *models.Deployment, items []models.DeploymentItem) error {
	err := s.deployRepo.Record(ctx, d, items)
	if err == nil {
		return nil
	}
	logger.L().Warn("record deployment failed, retrying",
		zap.Int64("deployment_id", d.DeploymentID),
		zap.String("bucket_id", d.BucketID.String()),
		zap.Error(err),
	)
	time.Sleep(recordRetryDelay)
	return s.deployRepo.Record(ctx, d, items)
}

// applyItem isolates one item: a panic in the registry fails only that item.
func (s *deploymentService) applyItem(ctx context.Context, req registry.ApplyRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()
	return s.registry.Apply(ctx, req)
}

// release moves a deploying bucket back out after a run was abandoned before
// any item was applied.
func (s *deploymentService) release(ctx context.Context, bucketID uuid.UUID, to models.BucketStatus, log *zap.Logger) {
	if _, err := s.bucketRepo.Transition(context.WithoutCancel(ctx), bucketID, to, models.BucketDeploying); err != nil {
		log.Error("release bucket failed", zap.String("to", string(to)), zap.Error(err))
	}
}

func (s *deploymentService) enqueueRefresh(ctx context.Context, projectID uuid.UUID, deploymentID int64, log *zap.Logger) {
	if s.queue == nil {
		log.Debug("queue not configured, skipping conflict refresh")
		return
	}
	task, err := tasks.NewRefreshConflictsTask(projectID, deploymentID)
	if err != nil {
		log.Error("build conflict refresh task failed", zap.Error(err))
		return
	}
	if _, err := s.queue.EnqueueContext(ctx, task); err != nil {
		log.Error("enqueue conflict refresh failed", zap.Error(err))
	}
}

func blockedResult(report *ConflictReport, dryRun bool) *DeployResult {
	res := &DeployResult{
		Success:   false,
		DryRun:    dryRun,
		Message:   fmt.Sprintf("deployment blocked by %d conflict(s); resolve them or deploy with force", len(report.Conflicts)),
		Errors:    make([]DeployError, 0, len(report.Conflicts)),
		Conflicts: report.Conflicts,
	}
	for _, c := range report.Conflicts {
		res.Errors = append(res.Errors, DeployError{
			Kind:          DeployErrorConflict,
			ItemID:        c.ItemID,
			ComponentType: c.ComponentType,
			ComponentID:   c.ComponentID,
			ComponentName: c.ComponentName,
			Message:       c.Message,
		})
	}
	return res
}

func conflictingItems(report *ConflictReport) []uuid.UUID {
	var ids []uuid.UUID
	for _, c := range report.Conflicts {
		if c.ItemID != nil {
			ids = append(ids, *c.ItemID)
		}
	}
	return ids
}

func statusIn(s models.BucketStatus, set []models.BucketStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *deploymentService) CurrentDeploymentID(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return s.projectRepo.CurrentDeploymentID(ctx, projectID)
}

func (s *deploymentService) ListDeployments(ctx context.Context, projectID uuid.UUID, filters *DeploymentFilters) ([]models.Deployment, int64, error) {
	if filters == nil {
		filters = &DeploymentFilters{}
	}
	if _, err := s.projectRepo.CurrentDeploymentID(ctx, projectID); err != nil {
		return nil, 0, err
	}
	return s.deployRepo.ListByProject(ctx, projectID, repository.Page{Skip: filters.Skip, Limit: filters.Limit})
}

func (s *deploymentService) GetDeployment(ctx context.Context, projectID uuid.UUID, deploymentID int64) (*models.Deployment, error) {
	return s.deployRepo.Get(ctx, projectID, deploymentID)
}
