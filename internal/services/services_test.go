package services

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/signalhub/engine/internal/metrics"
	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/registry"
	"github.com/signalhub/engine/internal/repository"
	"github.com/signalhub/engine/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.InitLogger()
	os.Exit(m.Run())
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	return nil, args.Error(0)
}

// failingRegistry fails Apply for the listed component names.
type failingRegistry struct {
	registry.Registry
	fail map[string]bool
}

func (r *failingRegistry) Apply(ctx context.Context, req registry.ApplyRequest) error {
	if r.fail[req.Item.ComponentName] {
		return fmt.Errorf("registry rejected %s", req.Item.ComponentName)
	}
	return r.Registry.Apply(ctx, req)
}

type harness struct {
	db          *gorm.DB
	project     *models.Project
	projects    repository.ProjectRepository
	buckets     repository.BucketRepository
	deployments repository.DeploymentRepository
	registry    registry.Registry
	queue       *mockQueue

	bucketSvc BucketService
	checker   ConflictChecker
	deploySvc DeploymentService
}

func newHarness(t *testing.T, failNames ...string) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:          db,
		project:     testutil.CreateProject(t, db),
		projects:    repository.NewProjectRepository(db),
		buckets:     repository.NewBucketRepository(db),
		deployments: repository.NewDeploymentRepository(db),
		queue:       new(mockQueue),
	}
	h.registry = registry.New(db, repository.NewComponentRepository(db))
	applier := h.registry
	if len(failNames) > 0 {
		fr := &failingRegistry{Registry: h.registry, fail: map[string]bool{}}
		for _, n := range failNames {
			fr.fail[n] = true
		}
		applier = fr
	}
	h.queue.On("EnqueueContext", mock.Anything, mock.Anything).Return(nil).Maybe()

	h.bucketSvc = NewBucketService(h.projects, h.buckets)
	h.checker = NewConflictChecker(h.projects, h.buckets, h.registry)
	h.deploySvc = NewDeploymentService(h.projects, h.buckets, h.deployments, applier, h.checker, DeploymentServiceOptions{
		Concurrency: 4,
		Recorder:    metrics.NewPrometheusRecorder(),
		Queue:       h.queue,
	})
	return h
}

func (h *harness) counter(t *testing.T) int64 {
	t.Helper()
	id, err := h.deploySvc.CurrentDeploymentID(context.Background(), h.project.ID)
	require.NoError(t, err)
	return id
}

// stage adds one item to the user's active bucket and returns the bucket.
func (h *harness) stage(t *testing.T, userID uuid.UUID, input *StageItemInput) *models.DeploymentBucket {
	t.Helper()
	b, _, err := h.bucketSvc.Stage(context.Background(), h.project.ID, userID, input)
	require.NoError(t, err)
	return b
}

// deployed creates components through a full deploy by a throwaway user and
// returns their ids by name.
func (h *harness) deployed(t *testing.T, typ models.ComponentType, payload map[string]any, names ...string) map[string]uuid.UUID {
	t.Helper()
	userID := uuid.New()
	var b *models.DeploymentBucket
	for _, n := range names {
		b = h.stage(t, userID, createInput(typ, n, payload))
	}
	res, err := h.deploySvc.Deploy(context.Background(), h.project.ID, b.ID, userID, DeployOptions{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	ids := map[string]uuid.UUID{}
	for _, n := range names {
		c, err := h.registry.FindByName(context.Background(), h.project.ID, typ, n)
		require.NoError(t, err)
		ids[n] = c.ID
	}
	return ids
}

func createInput(typ models.ComponentType, name string, payload map[string]any) *StageItemInput {
	return &StageItemInput{
		ComponentType: typ,
		ComponentName: name,
		ChangeType:    models.ChangeCreate,
		Payload:       payload,
	}
}

func updateInput(typ models.ComponentType, id uuid.UUID, name string, prev int64, payload map[string]any) *StageItemInput {
	return &StageItemInput{
		ComponentType:   typ,
		ComponentID:     &id,
		ComponentName:   name,
		ChangeType:      models.ChangeUpdate,
		PreviousVersion: &prev,
		Payload:         payload,
	}
}

func datablock(desc string) map[string]any {
	return map[string]any{"description": desc, "retention_days": 30}
}
