package httpapi

import (
	"net/http"

	"braindrive/internal/cleanup"
	"braindrive/pkg/types"
)

type adminHandlers struct {
	cleaner Cleaner
}

// force godoc
// @Summary      Run one cleanup cycle now
// @Tags         admin
// @Produce      json
// @Success      200  {object}  types.CleanupReport
// @Router       /api/v1/admin/cleanup [post]
func (h *adminHandlers) force(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	rep := h.cleaner.ForceCleanup(ctx)
	logOp(r, "force_cleanup", http.StatusOK, "")
	writeJSON(w, http.StatusOK, rep)
}

func (h *adminHandlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cleaner.Settings().ToTypes())
}

// putSettings godoc
// @Summary      Change cleanup tunables
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        body  body  types.CleanupSettings  true  "Durations; empty fields stay unchanged"
// @Success      200  {object}  types.CleanupSettings
// @Failure      400  {object}  types.ErrorResponse
// @Router       /api/v1/admin/cleanup/settings [put]
func (h *adminHandlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var req types.CleanupSettings
	if !decodeJSON(w, r, &req) {
		return
	}
	in, err := cleanup.FromTypes(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.cleaner.UpdateSettings(in)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out.ToTypes())
}
