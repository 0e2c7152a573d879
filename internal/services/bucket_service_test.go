package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhub/engine/internal/models"
	appErr "github.com/signalhub/engine/pkg/errors"
)

func TestGetOrCreateActiveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	const n = 10
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := h.bucketSvc.GetOrCreateActive(ctx, h.project.ID, userID)
			if assert.NoError(t, err) {
				ids[i] = b.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	b, err := h.bucketSvc.GetActive(ctx, h.project.ID, userID)
	require.NoError(t, err)
	require.Equal(t, models.BucketActive, b.Status)
	require.NotNil(t, b.BaseDeploymentID)
	require.Equal(t, int64(0), *b.BaseDeploymentID)
	require.Empty(t, b.Items)
}

func TestGetOrCreateActiveUsesCurrentCounter(t *testing.T) {
	h := newHarness(t)
	h.deployed(t, models.ComponentDatablock, datablock("x"), "orders")

	b, err := h.bucketSvc.GetOrCreateActive(context.Background(), h.project.ID, uuid.New())
	require.NoError(t, err)
	require.Equal(t, int64(1), *b.BaseDeploymentID)
}

func TestGetOrCreateActiveUnknownProject(t *testing.T) {
	h := newHarness(t)
	_, err := h.bucketSvc.GetOrCreateActive(context.Background(), uuid.New(), uuid.New())
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound), "got %v", err)
}

func TestGetActiveNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.bucketSvc.GetActive(context.Background(), h.project.ID, uuid.New())
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestAddItemValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	b, err := h.bucketSvc.GetOrCreateActive(ctx, h.project.ID, userID)
	require.NoError(t, err)

	id := uuid.New()
	prev := int64(1)
	cases := []struct {
		name  string
		input *StageItemInput
		code  appErr.Code
	}{
		{"unknown component type", &StageItemInput{ComponentType: "segment", ComponentName: "x", ChangeType: models.ChangeCreate}, appErr.CodeInvalid},
		{"unknown change type", &StageItemInput{ComponentType: models.ComponentFeature, ComponentName: "x", ChangeType: "rename"}, appErr.CodeInvalid},
		{"missing name", &StageItemInput{ComponentType: models.ComponentFeature, ChangeType: models.ChangeCreate}, appErr.CodeInvalid},
		{"update without component id", &StageItemInput{ComponentType: models.ComponentFeature, ComponentName: "x", ChangeType: models.ChangeUpdate, PreviousVersion: &prev}, appErr.CodeInvalid},
		{"delete without previous version", &StageItemInput{ComponentType: models.ComponentFeature, ComponentID: &id, ComponentName: "x", ChangeType: models.ChangeDelete}, appErr.CodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.bucketSvc.AddItem(ctx, h.project.ID, b.ID, userID, tc.input)
			require.True(t, appErr.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestAddItemMintsComponentIDForCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	b, item, err := h.bucketSvc.Stage(ctx, h.project.ID, userID, createInput(models.ComponentDatablock, "orders", datablock("x")))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, item.ComponentID)
	require.Nil(t, item.PreviousVersion)
	require.Equal(t, models.ItemPending, item.Status)
	require.Equal(t, 1, b.ItemCount)
	require.Len(t, b.Items, 1)
}

func TestAddItemRejectsDuplicateComponent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	h.stage(t, userID, createInput(models.ComponentDatablock, "orders", nil))
	_, _, err := h.bucketSvc.Stage(ctx, h.project.ID, userID, createInput(models.ComponentDatablock, "orders", nil))
	require.True(t, appErr.IsCode(err, appErr.CodeAlreadyExists), "got %v", err)

	// Same name under another type is a different component.
	h.stage(t, userID, &StageItemInput{
		ComponentType: models.ComponentFeature,
		ComponentName: "orders",
		ChangeType:    models.ChangeCreate,
		Payload:       map[string]any{"datablock": "orders", "aggregation": "count"},
	})
}

func TestBucketMutationsRequireOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	b := h.stage(t, owner, createInput(models.ComponentDatablock, "orders", nil))

	_, err := h.bucketSvc.AddItem(ctx, h.project.ID, b.ID, other, createInput(models.ComponentDatablock, "sessions", nil))
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))

	err = h.bucketSvc.RemoveItem(ctx, h.project.ID, b.ID, other, b.Items[0].ID)
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))

	_, err = h.bucketSvc.Discard(ctx, h.project.ID, b.ID, other)
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))

	_, err = h.deploySvc.Deploy(ctx, h.project.ID, b.ID, other, DeployOptions{})
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
}

func TestRemoveItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	b := h.stage(t, userID, createInput(models.ComponentDatablock, "orders", nil))

	require.NoError(t, h.bucketSvc.RemoveItem(ctx, h.project.ID, b.ID, userID, b.Items[0].ID))
	err := h.bucketSvc.RemoveItem(ctx, h.project.ID, b.ID, userID, b.Items[0].ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	got, err := h.bucketSvc.Get(ctx, h.project.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ItemCount)
}

func TestDiscardIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	b := h.stage(t, userID, createInput(models.ComponentDatablock, "orders", nil))

	discarded, err := h.bucketSvc.Discard(ctx, h.project.ID, b.ID, userID)
	require.NoError(t, err)
	require.Equal(t, models.BucketDiscarded, discarded.Status)

	_, err = h.bucketSvc.Discard(ctx, h.project.ID, b.ID, userID)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState))

	_, err = h.bucketSvc.AddItem(ctx, h.project.ID, b.ID, userID, createInput(models.ComponentDatablock, "sessions", nil))
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState))

	err = h.bucketSvc.RemoveItem(ctx, h.project.ID, b.ID, userID, b.Items[0].ID)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState))

	fresh, err := h.bucketSvc.GetOrCreateActive(ctx, h.project.ID, userID)
	require.NoError(t, err)
	require.NotEqual(t, b.ID, fresh.ID)
}

func TestDiscardDeployedBucketFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	b := h.stage(t, userID, createInput(models.ComponentDatablock, "orders", datablock("x")))

	_, err := h.deploySvc.Deploy(ctx, h.project.ID, b.ID, userID, DeployOptions{})
	require.NoError(t, err)

	_, err = h.bucketSvc.Discard(ctx, h.project.ID, b.ID, userID)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalidState))
}

func TestListBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	me, other := uuid.New(), uuid.New()
	mine := h.stage(t, me, createInput(models.ComponentDatablock, "orders", nil))
	h.stage(t, other, createInput(models.ComponentDatablock, "sessions", nil))

	list, total, err := h.bucketSvc.List(ctx, h.project.ID, me, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, mine.ID, list[0].ID)

	_, total, err = h.bucketSvc.List(ctx, h.project.ID, me, &BucketFilters{AllUsers: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)

	_, _, err = h.bucketSvc.List(ctx, h.project.ID, me, &BucketFilters{Status: "paused"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}
