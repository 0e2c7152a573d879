package handlers

import (
	"net/http"

	"github.com/signalhub/engine/internal/api/types"
	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/internal/registry"
	appErr "github.com/signalhub/engine/pkg/errors"
)

// ComponentsHandler lists deployed components. Components change only
// through deployments, so there is no write path here.
type ComponentsHandler struct {
	registry registry.Registry
}

func NewComponentsHandler(reg registry.Registry) *ComponentsHandler {
	return &ComponentsHandler{registry: reg}
}

func (h *ComponentsHandler) List(w http.ResponseWriter, r *http.Request) {
	pid, err := uuidParam(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	typ := models.ComponentType(r.URL.Query().Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, r, appErr.Newf(appErr.CodeInvalid, "unknown component type %q", typ))
		return
	}
	items, err := h.registry.List(r.Context(), pid, typ)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, items, &types.Meta{Total: int64(len(items))})
}
