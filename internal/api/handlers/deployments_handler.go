package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/signalhub/engine/internal/api/types"
	"github.com/signalhub/engine/internal/services"
	appErr "github.com/signalhub/engine/pkg/errors"
)

// DeploymentsHandler serves the read-only deployment history.
type DeploymentsHandler struct {
	svc services.DeploymentService
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	pid, err := uuidParam(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	skip, err := intQuery(r, "skip")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, total, err := h.svc.ListDeployments(r.Context(), pid, &services.DeploymentFilters{Skip: skip, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, items, &types.Meta{Skip: skip, Limit: limit, Total: total})
}

func (h *DeploymentsHandler) Current(w http.ResponseWriter, r *http.Request) {
	pid, err := uuidParam(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	current, err := h.svc.CurrentDeploymentID(r.Context(), pid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, types.CurrentDeployment{ProjectID: pid.String(), CurrentDeploymentID: current}, nil)
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	pid, err := uuidParam(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "deploymentID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, appErr.New(appErr.CodeInvalid, "invalid deployment id"))
		return
	}
	d, err := h.svc.GetDeployment(r.Context(), pid, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, d, nil)
}
