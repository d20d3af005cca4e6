package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"braindrive/internal/modelinstall"
	"braindrive/pkg/types"
)

type modelHandlers struct {
	models ModelInstaller
}

func modelErrorStatus(err error) int {
	switch {
	case modelinstall.IsNotFound(err):
		return http.StatusNotFound
	case modelinstall.IsInvalid(err):
		return http.StatusBadRequest
	case modelinstall.IsShuttingDown(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// submit godoc
// @Summary      Start a background model download
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body  types.ModelInstallRequest  true  "Model and server"
// @Success      202  {object}  types.ModelInstallResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /api/v1/models/install [post]
func (h *modelHandlers) submit(w http.ResponseWriter, r *http.Request) {
	var req types.ModelInstallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, deduped, err := h.models.Submit(req.Name, req.ServerURL, req.APIKey)
	if err != nil {
		writeJSONError(w, modelErrorStatus(err), err.Error())
		return
	}
	logOp(r, "model_install", http.StatusAccepted, "")
	writeJSON(w, http.StatusAccepted, types.ModelInstallResponse{TaskID: id, Deduped: deduped})
}

func (h *modelHandlers) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": h.models.List()})
}

// status godoc
// @Summary      Model download status
// @Tags         models
// @Produce      json
// @Param        id  path  string  true  "Task id"
// @Success      200  {object}  types.ModelInstallStatus
// @Failure      404  {object}  types.ErrorResponse
// @Router       /api/v1/models/install/{id} [get]
func (h *modelHandlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.models.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, modelErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *modelHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.models.Cancel(id); err != nil {
		writeJSONError(w, modelErrorStatus(err), err.Error())
		return
	}
	st, err := h.models.Status(id)
	if err != nil {
		writeJSONError(w, modelErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// events streams a task as server-sent events: buffered history first, then
// live updates until the terminal event.
func (h *modelHandlers) events(w http.ResponseWriter, r *http.Request) {
	replay, live, unsubscribe, err := h.models.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, modelErrorStatus(err), err.Error())
		return
	}
	defer unsubscribe()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sseClients.Inc()
	defer sseClients.Dec()

	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{prefix: "sse"})
	}
	send := func(line []byte) bool {
		// lines already end in '\n'
		if _, err := fmt.Fprintf(out, "data: %s\n", line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	for _, line := range replay {
		if !send(line) {
			return
		}
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case line, open := <-live:
			if !open {
				return
			}
			if !send(line) {
				return
			}
		}
	}
}
