package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/signalhub/engine/pkg/logger"
)

// TypeRefreshConflicts re-checks every active bucket of a project after a
// deployment moved its counter.
const TypeRefreshConflicts = "deployment:refresh-conflicts"

// RefreshConflictsPayload is the task payload for TypeRefreshConflicts.
type RefreshConflictsPayload struct {
	ProjectID    string `json:"project_id"`
	DeploymentID int64  `json:"deployment_id"`
}

// NewRefreshConflictsTask builds the task enqueued after deployment deploymentID.
// The task id dedupes refreshes for the same deployment.
func NewRefreshConflictsTask(projectID uuid.UUID, deploymentID int64) (*asynq.Task, error) {
	pb, err := json.Marshal(RefreshConflictsPayload{ProjectID: projectID.String(), DeploymentID: deploymentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRefreshConflicts, pb,
		asynq.TaskID(fmt.Sprintf("refresh-conflicts:%s:%d", projectID, deploymentID)),
		asynq.MaxRetry(3),
	), nil
}

// Refresher re-runs conflict detection for a project's active buckets and
// returns how many were flagged.
type Refresher interface {
	RefreshProject(ctx context.Context, projectID uuid.UUID) (int, error)
}

// RefreshConflictsHandler handles TypeRefreshConflicts tasks.
type RefreshConflictsHandler struct {
	refresher Refresher
}

func NewRefreshConflictsHandler(r Refresher) *RefreshConflictsHandler {
	return &RefreshConflictsHandler{refresher: r}
}

func (h *RefreshConflictsHandler) HandleRefreshConflicts(ctx context.Context, t *asynq.Task) error {
	var p RefreshConflictsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid refresh task payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		logger.L().Error("invalid project id in task", zap.String("project_id", p.ProjectID), zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	logger.L().Info("handling conflict refresh",
		zap.String("project_id", projectID.String()),
		zap.Int64("deployment_id", p.DeploymentID),
	)
	flagged, err := h.refresher.RefreshProject(ctx, projectID)
	if err != nil {
		logger.L().Error("conflict refresh failed", zap.String("project_id", projectID.String()), zap.Error(err))
		return err
	}
	logger.L().Info("conflict refresh done", zap.String("project_id", projectID.String()), zap.Int("flagged", flagged))
	return nil
}
