package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/queue/tasks"
	"github.com/signalhub/engine/internal/repository"
	appErr "github.com/signalhub/engine/pkg/errors"
	"github.com/signalhub/engine/pkg/logger"
)

func TestDeployEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()

	require.Equal(t, int64(0), h.counter(t))

	b, err := h.bucketSvc.GetOrCreateActive(ctx, h.project.ID, alice)
	require.NoError(t, err)
	require.Equal(t, int64(0), *b.BaseDeploymentID)

	_, err = h.bucketSvc.AddItem(ctx, h.project.ID, b.ID, alice, createInput(models.ComponentDatablock, "orders", datablock("orders")))
	require.NoError(t, err)

	res, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.DryRun)
	require.Equal(t, int64(1), *res.DeploymentID)
	require.Empty(t, res.Errors)
	require.Equal(t, models.DeploymentSuccess, res.Deployment.Status)
	require.Equal(t, []string{"orders"}, []string(res.Deployment.DeployedDatablocks))

	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDeployed, got.Status)
	require.Equal(t, int64(1), *got.DeploymentID)
	require.Equal(t, models.ItemDeployed, got.Items[0].Status)
	require.NotNil(t, got.Items[0].DeployedAt)

	require.Equal(t, int64(1), h.counter(t))

	history, total, err := h.deploySvc.ListDeployments(ctx, h.project.ID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, models.DeploymentSuccess, history[0].Status)
	require.Equal(t, 1, history[0].ItemsSucceeded)

	d, err := h.deploySvc.GetDeployment(ctx, h.project.ID, 1)
	require.NoError(t, err)
	require.Equal(t, b.ID, d.BucketID)
	require.Equal(t, alice, d.UserID)

	c, err := h.registry.FindByName(ctx, h.project.ID, models.ComponentDatablock, "orders")
	require.NoError(t, err)
	require.Equal(t, got.Items[0].ComponentID, c.ID)
	require.Equal(t, int64(1), c.Version)

	h.queue.AssertCalled(t, "EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeRefreshConflicts
	}))
}

func TestDeployRejectsNonActiveBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()
	b := h.stage(t, alice, createInput(models.ComponentDatablock, "orders", datablock("x")))

	_, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)

	_, err = h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState), "got %v", err)
	_, err = h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{Force: true})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState), "got %v", err)
	require.Equal(t, int64(1), h.counter(t))
}

func TestDeployRejectsEmptyBucket(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	b, err := h.bucketSvc.GetOrCreateActive(context.Background(), h.project.ID, alice)
	require.NoError(t, err)

	_, err = h.deploySvc.Deploy(context.Background(), h.project.ID, b.ID, alice, DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	require.Equal(t, int64(0), h.counter(t))
}

func TestDeployUnknownBucket(t *testing.T) {
	h := newHarness(t)
	_, err := h.deploySvc.Deploy(context.Background(), h.project.ID, uuid.New(), uuid.New(), DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

// conflicted returns a bucket whose only item is stale.
func conflicted(t *testing.T, h *harness) (*models.DeploymentBucket, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ids := h.deployed(t, models.ComponentDatablock, datablock("x"), "orders")

	bob := uuid.New()
	stale := h.stage(t, bob, updateInput(models.ComponentDatablock, ids["orders"], "orders", 1, datablock("bob")))

	carol := uuid.New()
	cb := h.stage(t, carol, updateInput(models.ComponentDatablock, ids["orders"], "orders", 1, datablock("carol")))
	res, err := h.deploySvc.Deploy(ctx, h.project.ID, cb.ID, carol, DeployOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	return stale, bob
}

func TestDeployForceBypass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale, bob := conflicted(t, h)
	require.Equal(t, int64(2), h.counter(t))

	report, err := h.checker.CheckBucket(ctx, h.project.ID, stale.ID)
	require.NoError(t, err)
	require.True(t, report.HasConflicts)

	res, err := h.deploySvc.Deploy(ctx, h.project.ID, stale.ID, bob, DeployOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Nil(t, res.DeploymentID)
	require.Len(t, res.Conflicts, 1)
	require.Len(t, res.Errors, 1)
	require.Equal(t, DeployErrorConflict, res.Errors[0].Kind)
	require.Equal(t, int64(2), h.counter(t))

	got, err := h.bucketSvc.Get(ctx, h.project.ID, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketConflict, got.Status)
	require.Equal(t, models.ItemConflict, got.Items[0].Status)

	// Blocked buckets cannot take new items.
	_, err = h.bucketSvc.AddItem(ctx, h.project.ID, stale.ID, bob, createInput(models.ComponentDatablock, "sessions", nil))
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState))

	res, err = h.deploySvc.Deploy(ctx, h.project.ID, stale.ID, bob, DeployOptions{Force: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(3), *res.DeploymentID)
	require.True(t, res.Deployment.Forced)
	require.Equal(t, int64(3), h.counter(t))

	got, err = h.bucketSvc.Get(ctx, h.project.ID, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDeployed, got.Status)
	require.Equal(t, models.ItemDeployed, got.Items[0].Status)
	// The conflict flag stays as an audit trail of what was overridden.
	require.True(t, got.HasConflicts)

	c, err := h.registry.FindByName(ctx, h.project.ID, models.ComponentDatablock, "orders")
	require.NoError(t, err)
	require.Equal(t, "bob", c.Config["description"])
	require.Equal(t, int64(3), c.Version)
}

func TestDeployDryRunIsPure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale, bob := conflicted(t, h)

	assertUntouched := func(t *testing.T) {
		t.Helper()
		require.Equal(t, int64(2), h.counter(t))
		got, err := h.bucketSvc.Get(ctx, h.project.ID, stale.ID)
		require.NoError(t, err)
		require.Equal(t, models.BucketActive, got.Status)
		require.Equal(t, models.ItemPending, got.Items[0].Status)
		require.False(t, got.HasConflicts)
		require.Nil(t, got.LastCheckedAt)
		_, total, err := h.deploySvc.ListDeployments(ctx, h.project.ID, nil)
		require.NoError(t, err)
		require.Equal(t, int64(2), total)
	}

	res, err := h.deploySvc.Deploy(ctx, h.project.ID, stale.ID, bob, DeployOptions{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assertUntouched(t)

	res, err = h.deploySvc.Deploy(ctx, h.project.ID, stale.ID, bob, DeployOptions{DryRun: true, Force: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Nil(t, res.DeploymentID)
	require.Equal(t, 1, res.Plan.ItemsTotal)
	require.Equal(t, 1, res.Plan.Updates)
	require.Equal(t, []string{"orders"}, res.Plan.Datablocks)
	assertUntouched(t)
}

func TestDeployPartialFailure(t *testing.T) {
	h := newHarness(t, "broken")
	ctx := context.Background()
	alice := uuid.New()

	h.stage(t, alice, createInput(models.ComponentDatablock, "orders", datablock("x")))
	h.stage(t, alice, createInput(models.ComponentDatablock, "broken", datablock("x")))
	b := h.stage(t, alice, &StageItemInput{
		ComponentType: models.ComponentFeature,
		ComponentName: "order_count",
		ChangeType:    models.ChangeCreate,
		Payload:       map[string]any{"datablock": "orders", "aggregation": "count"},
	})

	res, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, int64(1), *res.DeploymentID)
	require.Equal(t, models.DeploymentPartial, res.Deployment.Status)
	require.Equal(t, 3, res.Deployment.ItemsTotal)
	require.Equal(t, 2, res.Deployment.ItemsSucceeded)
	require.Equal(t, 1, res.Deployment.ItemsFailed)
	require.Equal(t, []string{"orders"}, []string(res.Deployment.DeployedDatablocks))
	require.Equal(t, []string{"order_count"}, []string(res.Deployment.DeployedFeatures))
	require.Len(t, res.Errors, 1)
	require.Equal(t, DeployErrorItem, res.Errors[0].Kind)
	require.Equal(t, "broken", res.Errors[0].ComponentName)
	require.Contains(t, res.Errors[0].Message, "registry rejected")

	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDeployed, got.Status)
	statuses := map[string]models.ItemStatus{}
	for _, it := range got.Items {
		statuses[it.ComponentName] = it.Status
		if it.ComponentName == "broken" {
			require.NotEmpty(t, it.ErrorMessage)
			require.Nil(t, it.DeployedAt)
		}
	}
	require.Equal(t, models.ItemDeployed, statuses["orders"])
	require.Equal(t, models.ItemFailed, statuses["broken"])
	require.Equal(t, models.ItemDeployed, statuses["order_count"])
	require.Equal(t, int64(1), h.counter(t))
}

func TestDeployAllItemsFailStillAdvancesCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()

	// Fails payload validation in the registry.
	b := h.stage(t, alice, &StageItemInput{
		ComponentType: models.ComponentFeature,
		ComponentName: "bad",
		ChangeType:    models.ChangeCreate,
		Payload:       map[string]any{"aggregation": "median"},
	})

	res, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.DeploymentFailed, res.Deployment.Status)
	require.Equal(t, int64(1), h.counter(t))

	d, err := h.deploySvc.GetDeployment(ctx, h.project.ID, 1)
	require.NoError(t, err)
	require.Len(t, d.Errors, 1)
	require.Equal(t, "bad", d.Errors[0].ComponentName)
}

func TestConcurrentDeploysGetDistinctIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 6
	type staged struct {
		user   uuid.UUID
		bucket uuid.UUID
	}
	all := make([]staged, n)
	for i := range all {
		user := uuid.New()
		b := h.stage(t, user, createInput(models.ComponentDatablock, fmt.Sprintf("block_%d", i), datablock("x")))
		all[i] = staged{user: user, bucket: b.ID}
	}

	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i, s := range all {
		wg.Add(1)
		go func(i int, s staged) {
			defer wg.Done()
			res, err := h.deploySvc.Deploy(ctx, h.project.ID, s.bucket, s.user, DeployOptions{})
			if assert.NoError(t, err) && assert.True(t, res.Success) {
				ids[i] = *res.DeploymentID
			}
		}(i, s)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		require.Equal(t, int64(i+1), id)
	}
	require.Equal(t, int64(n), h.counter(t))

	_, total, err := h.deploySvc.ListDeployments(ctx, h.project.ID, &DeploymentFilters{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(n), total)
}

func TestHistoryReadsAreProjectScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deployed(t, models.ComponentDatablock, datablock("x"), "orders")

	_, err := h.deploySvc.GetDeployment(ctx, h.project.ID, 2)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	_, err = h.deploySvc.GetDeployment(ctx, uuid.New(), 1)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	_, _, err = h.deploySvc.ListDeployments(ctx, uuid.New(), nil)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	_, err = h.deploySvc.CurrentDeploymentID(ctx, uuid.New())
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestDeployContentionReleasesBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()
	b := h.stage(t, alice, createInput(models.ComponentDatablock, "orders", datablock("x")))

	svc := NewDeploymentService(failingCounter{h.projects}, h.buckets, h.deployments, h.registry, h.checker, DeploymentServiceOptions{})
	_, err := svc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeContention), "got %v", err)

	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketActive, got.Status)

	// Retrying with a healthy counter succeeds.
	res, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
}

type failingCounter struct {
	repository.ProjectRepository
}

func (failingCounter) NextDeploymentID(context.Context, uuid.UUID, repository.CounterClaim) (int64, error) {
	return 0, appErr.New(appErr.CodeContention, "counter busy")
}

// gatedChecker holds each bucket's first check until n buckets have checked,
// so concurrent deploys all pass their gate against the same counter value.
type gatedChecker struct {
	ConflictChecker
	n int

	mu      sync.Mutex
	seen    map[uuid.UUID]bool
	checked int
	open    chan struct{}
}

func newGatedChecker(inner ConflictChecker, n int) *gatedChecker {
	return &gatedChecker{ConflictChecker: inner, n: n, seen: map[uuid.UUID]bool{}, open: make(chan struct{})}
}

func (g *gatedChecker) CheckAndRecord(ctx context.Context, b *models.DeploymentBucket) (*ConflictReport, error) {
	report, err := g.ConflictChecker.CheckAndRecord(ctx, b)

	g.mu.Lock()
	first := !g.seen[b.ID]
	g.seen[b.ID] = true
	if first {
		g.checked++
		if g.checked == g.n {
			close(g.open)
		}
	}
	g.mu.Unlock()

	if first {
		select {
		case <-g.open:
		case <-time.After(5 * time.Second):
		}
	}
	return report, err
}

func TestConcurrentDeploysOfSameComponentDoNotBothApply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := h.deployed(t, models.ComponentDatablock, datablock("v1"), "orders")
	require.Equal(t, int64(1), h.counter(t))

	alice, bob := uuid.New(), uuid.New()
	users := []uuid.UUID{alice, bob}
	buckets := []*models.DeploymentBucket{
		h.stage(t, alice, updateInput(models.ComponentDatablock, ids["orders"], "orders", 1, datablock("alice"))),
		h.stage(t, bob, updateInput(models.ComponentDatablock, ids["orders"], "orders", 1, datablock("bob"))),
	}

	gate := newGatedChecker(h.checker, 2)
	svc := NewDeploymentService(h.projects, h.buckets, h.deployments, h.registry, gate, DeploymentServiceOptions{Concurrency: 2})

	results := make([]*DeployResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range buckets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Deploy(ctx, h.project.ID, buckets[i].ID, users[i], DeployOptions{})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.False(t, results[0].Success && results[1].Success, "both deploys applied over each other")

	winner, loser := 0, 1
	if !results[0].Success {
		winner, loser = 1, 0
	}
	require.True(t, results[winner].Success, results[winner].Message)
	require.Equal(t, int64(2), *results[winner].DeploymentID)
	require.Nil(t, results[loser].DeploymentID)
	require.NotEmpty(t, results[loser].Conflicts)
	require.Equal(t, DeployErrorConflict, results[loser].Errors[0].Kind)

	require.Equal(t, int64(2), h.counter(t))

	lost, err := h.bucketSvc.Get(ctx, h.project.ID, buckets[loser].ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketConflict, lost.Status)

	c, err := h.registry.FindByName(ctx, h.project.ID, models.ComponentDatablock, "orders")
	require.NoError(t, err)
	require.Equal(t, int64(2), c.Version)
	require.Equal(t, []string{"alice", "bob"}[winner], c.Config["description"])
}

// flakyHistory fails the first `failures` Record calls.
type flakyHistory struct {
	repository.DeploymentRepository
	failures int

	mu    sync.Mutex
	calls int
}

func (f *flakyHistory) Record(ctx context.Context, d *models.Deployment, items []models.DeploymentItem) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.DeploymentRepository.Record(ctx, d, items)
}

func TestDeployRetriesHistoryRecordOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()
	b := h.stage(t, alice, createInput(models.ComponentDatablock, "orders", datablock("x")))

	history := &flakyHistory{DeploymentRepository: h.deployments, failures: 1}
	svc := NewDeploymentService(h.projects, h.buckets, history, h.registry, h.checker, DeploymentServiceOptions{})

	res, err := svc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, history.calls)

	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDeployed, got.Status)

	_, err = h.deploySvc.GetDeployment(ctx, h.project.ID, *res.DeploymentID)
	require.NoError(t, err)
}

func TestDeployReportsStrandedBucketWhenHistoryFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()
	b := h.stage(t, alice, createInput(models.ComponentDatablock, "orders", datablock("x")))

	core, logs := observer.New(zap.ErrorLevel)
	restore := logger.Replace(zap.New(core))
	defer restore()

	history := &flakyHistory{DeploymentRepository: h.deployments, failures: 2}
	svc := NewDeploymentService(h.projects, h.buckets, history, h.registry, h.checker, DeploymentServiceOptions{})

	_, err := svc.Deploy(ctx, h.project.ID, b.ID, alice, DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeInternal), "got %v", err)
	var ae *appErr.AppError
	require.True(t, errors.As(err, &ae))
	require.EqualValues(t, 1, ae.Meta["deployment_id"])
	require.Equal(t, b.ID.String(), ae.Meta["bucket_id"])

	stranded := logs.FilterMessageSnippet("deployment stranded").All()
	require.Len(t, stranded, 1)
	fields := stranded[0].ContextMap()
	require.Equal(t, b.ID.String(), fields["bucket_id"])
	require.EqualValues(t, 1, fields["deployment_id"])

	// The id is spent and the bucket stays visible as in flight.
	require.Equal(t, int64(1), h.counter(t))
	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDeploying, got.Status)
	require.Equal(t, int64(1), *got.DeploymentID)
}
