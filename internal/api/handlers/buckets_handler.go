package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/signalhub/engine/internal/api/types"
	"github.com/signalhub/engine/internal/api/validators"
	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/services"
	appErr "github.com/signalhub/engine/pkg/errors"
)

// BucketsHandler serves /projects/{projectID}/deployment-buckets.
type BucketsHandler struct {
	buckets  services.BucketService
	checker  services.ConflictChecker
	deployer services.DeploymentService
}

func NewBucketsHandler(buckets services.BucketService, checker services.ConflictChecker, deployer services.DeploymentService) *BucketsHandler {
	return &BucketsHandler{buckets: buckets, checker: checker, deployer: deployer}
}

// scope resolves the caller and the project from the request.
func scope(r *http.Request) (projectID, uid uuid.UUID, err error) {
	if uid, err = userID(r); err != nil {
		return
	}
	projectID, err = uuidParam(r, "projectID")
	return
}

func (h *BucketsHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.buckets.GetOrCreateActive(r.Context(), pid, uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, b, nil)
}

func (h *BucketsHandler) List(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := types.BucketListQuery{
		Status:   r.URL.Query().Get("status"),
		AllUsers: r.URL.Query().Get("all_users") == "true",
	}
	if q.Skip, err = intQuery(r, "skip"); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Limit, err = intQuery(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validators.New().Struct(q); err != nil {
		writeErrorStr(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.buckets.List(r.Context(), pid, uid, &services.BucketFilters{
		Status:   models.BucketStatus(q.Status),
		AllUsers: q.AllUsers,
		Skip:     q.Skip,
		Limit:    q.Limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, items, &types.Meta{Skip: q.Skip, Limit: q.Limit, Total: total})
}

func (h *BucketsHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.buckets.GetActive(r.Context(), pid, uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, b, nil)
}

func (h *BucketsHandler) Get(w http.ResponseWriter, r *http.Request) {
	pid, _, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.buckets.Get(r.Context(), pid, bid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, b, nil)
}

func (h *BucketsHandler) Discard(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.buckets.Discard(r.Context(), pid, bid, uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, b, nil)
}

func stageInput(req *types.StageItemRequest) (*services.StageItemInput, error) {
	in := &services.StageItemInput{
		ComponentType:   models.ComponentType(req.ComponentType),
		ComponentName:   req.ComponentName,
		ChangeType:      models.ChangeType(req.ChangeType),
		PreviousVersion: req.PreviousVersion,
		Payload:         req.Payload,
	}
	if req.ComponentID != "" {
		id, err := uuid.Parse(req.ComponentID)
		if err != nil {
			return nil, appErr.New(appErr.CodeInvalid, "invalid component_id")
		}
		in.ComponentID = &id
	}
	return in, nil
}

func (h *BucketsHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req types.StageItemRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := stageInput(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.buckets.AddItem(r.Context(), pid, bid, uid, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, item, nil)
}

// Stage adds an item to the caller's active bucket, creating it on first use.
func (h *BucketsHandler) Stage(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req types.StageItemRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := stageInput(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, _, err := h.buckets.Stage(r.Context(), pid, uid, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, b, nil)
}

func (h *BucketsHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	itemID, err := uuidParam(r, "itemID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.buckets.RemoveItem(r.Context(), pid, bid, uid, itemID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BucketsHandler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	pid, _, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.checker.CheckBucket(r.Context(), pid, bid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, report, nil)
}

// Deploy answers 200 for blocked and partially failed runs too; the outcome
// is in data.success and data.errors.
func (h *BucketsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	pid, uid, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bid, err := uuidParam(r, "bucketID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req types.DeployRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.deployer.Deploy(r.Context(), pid, bid, uid, services.DeployOptions{DryRun: req.DryRun, Force: req.Force})
	if err != nil {
		if appErr.IsCode(err, appErr.CodeContention) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, res, nil)
}
