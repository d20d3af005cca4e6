package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"braindrive/internal/serviceinstaller"
	"braindrive/pkg/types"
)

type pluginHandlers struct {
	svc      PluginService
	services ServiceController
}

// decodeJSON enforces the content type and body limit, then decodes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// list godoc
// @Summary      List installed plugins
// @Tags         plugins
// @Produce      json
// @Param        X-User-ID  header  string  true  "User id"
// @Success      200  {object}  types.Result{data=[]types.InstalledPlugin}
// @Router       /api/v1/plugins [get]
func (h *pluginHandlers) list(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.List(r.Header.Get(userHeader)))
}

func (h *pluginHandlers) updates(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.UpdateCandidates(r.Header.Get(userHeader)))
}

// install godoc
// @Summary      Install a plugin version for the caller
// @Tags         plugins
// @Accept       json
// @Produce      json
// @Param        X-User-ID  header  string                      true  "User id"
// @Param        slug       path    string                      true  "Plugin slug"
// @Param        body       body    types.InstallPluginRequest  true  "Version and source"
// @Success      200  {object}  types.Result
// @Failure      409  {object}  types.Result
// @Failure      422  {object}  types.Result
// @Router       /api/v1/plugins/{slug}/install [post]
func (h *pluginHandlers) install(w http.ResponseWriter, r *http.Request) {
	var req types.InstallPluginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res := h.svc.InstallSource(ctx, r.Header.Get(userHeader), chi.URLParam(r, "slug"), req.Version,
		types.PluginSource{URL: req.SourceURL, SHA256: req.SHA256})
	logOp(r, "install", resultStatus(res), res.Error)
	writeResult(w, res)
}

// update godoc
// @Summary      Move the caller's plugin to another version
// @Tags         plugins
// @Accept       json
// @Produce      json
// @Param        X-User-ID  header  string                     true  "User id"
// @Param        slug       path    string                     true  "Plugin slug"
// @Param        body       body    types.UpdatePluginRequest  true  "Target version"
// @Success      200  {object}  types.Result
// @Failure      404  {object}  types.Result
// @Router       /api/v1/plugins/{slug}/update [post]
func (h *pluginHandlers) update(w http.ResponseWriter, r *http.Request) {
	var req types.UpdatePluginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res := h.svc.Update(ctx, r.Header.Get(userHeader), chi.URLParam(r, "slug"), req.Version)
	logOp(r, "update", resultStatus(res), res.Error)
	writeResult(w, res)
}

func (h *pluginHandlers) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req types.SetEnabledRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	writeResult(w, h.svc.SetEnabled(ctx, r.Header.Get(userHeader), chi.URLParam(r, "slug"), *req.Enabled))
}

// delete godoc
// @Summary      Uninstall a plugin for the caller
// @Tags         plugins
// @Produce      json
// @Param        X-User-ID  header  string  true  "User id"
// @Param        slug       path    string  true  "Plugin slug"
// @Success      200  {object}  types.Result
// @Failure      404  {object}  types.Result
// @Router       /api/v1/plugins/{slug} [delete]
func (h *pluginHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	res := h.svc.Delete(ctx, r.Header.Get(userHeader), chi.URLParam(r, "slug"))
	logOp(r, "delete", resultStatus(res), res.Error)
	writeResult(w, res)
}

// status godoc
// @Summary      Health of the caller's plugin
// @Tags         plugins
// @Produce      json
// @Param        X-User-ID  header  string  true  "User id"
// @Param        slug       path    string  true  "Plugin slug"
// @Success      200  {object}  types.Result{data=types.PluginStatus}
// @Router       /api/v1/plugins/{slug}/status [get]
func (h *pluginHandlers) status(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.Status(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "slug")))
}

// file serves a static file from the caller's installed plugin.
func (h *pluginHandlers) file(w http.ResponseWriter, r *http.Request) {
	path, ok := h.svc.FilePath(r.Header.Get(userHeader), chi.URLParam(r, "slug"), chi.URLParam(r, "*"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (h *pluginHandlers) declared(w http.ResponseWriter, r *http.Request) ([]types.ServiceRuntime, bool) {
	if h.services == nil {
		writeJSONError(w, http.StatusNotImplemented, "service management is disabled")
		return nil, false
	}
	svcs, ok := h.svc.Declared(r.Header.Get(userHeader), chi.URLParam(r, "slug"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "plugin is not installed")
		return nil, false
	}
	return svcs, true
}

func (h *pluginHandlers) listServices(w http.ResponseWriter, r *http.Request) {
	svcs, ok := h.declared(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	out := make([]types.ServiceStatus, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, h.services.Status(r.Context(), slug, s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// serviceAction godoc
// @Summary      Install, start, stop or restart a plugin service
// @Tags         services
// @Produce      json
// @Param        X-User-ID  header  string  true  "User id"
// @Param        slug       path    string  true  "Plugin slug"
// @Param        service    path    string  true  "Service name"
// @Param        action     path    string  true  "install|start|stop|restart"
// @Success      200  {object}  types.ServiceStatus
// @Failure      412  {object}  types.ErrorResponse
// @Router       /api/v1/plugins/{slug}/services/{service}/{action} [post]
func (h *pluginHandlers) serviceAction(w http.ResponseWriter, r *http.Request) {
	svcs, ok := h.declared(w, r)
	if !ok {
		return
	}
	slug, name := chi.URLParam(r, "slug"), chi.URLParam(r, "service")
	var svc *types.ServiceRuntime
	for i := range svcs {
		if svcs[i].Name == name {
			svc = &svcs[i]
			break
		}
	}
	if svc == nil {
		writeJSONError(w, http.StatusNotFound, "service "+name+" is not declared by "+slug)
		return
	}
	var run func(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error)
	switch chi.URLParam(r, "action") {
	case "install":
		run = h.services.Install
	case "start":
		run = h.services.Start
	case "stop":
		run = h.services.Stop
	case "restart":
		run = h.services.Restart
	default:
		writeJSONError(w, http.StatusBadRequest, "action must be install, start, stop or restart")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	st, err := run(ctx, slug, *svc)
	if err != nil {
		status := serviceErrorStatus(err)
		logOp(r, "service_"+chi.URLParam(r, "action"), status, err.Error())
		resp := map[string]any{"error": err.Error(), "code": status, "service": st}
		if missing := serviceinstaller.MissingVars(err); len(missing) > 0 {
			resp["missing_env_vars"] = missing
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func serviceErrorStatus(err error) int {
	switch {
	case serviceinstaller.IsPrerequisite(err), serviceinstaller.IsUnavailable(err):
		return http.StatusPreconditionFailed
	case serviceinstaller.IsInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
