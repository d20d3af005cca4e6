package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"braindrive/internal/cleanup"
	"braindrive/internal/lifecycle"
	"braindrive/pkg/types"
)

// userHeader carries the caller's user id.
const userHeader = "X-User-ID"

// PluginService is the lifecycle surface the API drives.
type PluginService interface {
	InstallSource(ctx context.Context, userID, slug, version string, src types.PluginSource) types.Result
	Update(ctx context.Context, userID, slug, version string) types.Result
	Delete(ctx context.Context, userID, slug string) types.Result
	Status(ctx context.Context, userID, slug string) types.Result
	List(userID string) types.Result
	SetEnabled(ctx context.Context, userID, slug string, enabled bool) types.Result
	UpdateCandidates(userID string) types.Result
	FilePath(userID, slug, relPath string) (string, bool)
	Declared(userID, slug string) ([]types.ServiceRuntime, bool)
}

// ServiceController runs a plugin's auxiliary services.
type ServiceController interface {
	Install(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error)
	Start(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error)
	Stop(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error)
	Restart(ctx context.Context, slug string, svc types.ServiceRuntime) (types.ServiceStatus, error)
	Status(ctx context.Context, slug string, svc types.ServiceRuntime) types.ServiceStatus
}

// Cleaner is the cleanup loop's control surface.
type Cleaner interface {
	ForceCleanup(ctx context.Context) types.CleanupReport
	Settings() cleanup.Settings
	UpdateSettings(cleanup.Settings) (cleanup.Settings, error)
}

// ModelInstaller runs background model downloads.
type ModelInstaller interface {
	Submit(name, serverURL, apiKey string) (string, bool, error)
	Status(id string) (types.ModelInstallStatus, error)
	Subscribe(id string) ([][]byte, <-chan []byte, func(), error)
	Cancel(id string) error
	List() []types.ModelInstallStatus
}

// ManagerLister reports the cached lifecycle managers.
type ManagerLister interface {
	Snapshot() []lifecycle.EntrySnapshot
}

// Deps are the collaborators behind the routes. Nil members disable their routes.
type Deps struct {
	Plugins  PluginService
	Services ServiceController
	Cleanup  Cleaner
	Models   ModelInstaller
	Managers ManagerLister
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
}

// NewMux builds the HTTP router.
func NewMux(d Deps) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsAllowedOrigins,
			AllowedMethods:   corsAllowedMethods,
			AllowedHeaders:   corsAllowedHeaders,
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready == nil || d.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	r.Route("/api/v1", func(r chi.Router) {
		if d.Plugins != nil {
			h := &pluginHandlers{svc: d.Plugins, services: d.Services}
			r.Route("/plugins", func(r chi.Router) {
				r.Use(requireUser)
				r.Get("/", h.list)
				r.Get("/updates", h.updates)
				r.Route("/{slug}", func(r chi.Router) {
					r.Post("/install", h.install)
					r.Post("/update", h.update)
					r.Patch("/", h.setEnabled)
					r.Delete("/", h.delete)
					r.Get("/status", h.status)
					r.Get("/files/*", h.file)
					r.Get("/services", h.listServices)
					r.Post("/services/{service}/{action}", h.serviceAction)
				})
			})
		}
		if d.Cleanup != nil {
			h := &adminHandlers{cleaner: d.Cleanup}
			r.Post("/admin/cleanup", h.force)
			r.Get("/admin/cleanup/settings", h.getSettings)
			r.Put("/admin/cleanup/settings", h.putSettings)
		}
		if d.Managers != nil {
			r.Get("/admin/managers", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, d.Managers.Snapshot())
			})
		}
		if d.Models != nil {
			h := &modelHandlers{models: d.Models}
			r.Route("/models/install", func(r chi.Router) {
				r.Post("/", h.submit)
				r.Get("/", h.list)
				r.Get("/{id}", h.status)
				r.Get("/{id}/events", h.events)
				r.Delete("/{id}", h.cancel)
			})
		}
	})
	return r
}

// requireUser rejects requests without a user id header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeJSONError(w, http.StatusUnauthorized, userHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// opContext joins the request with the server base context and applies the
// operation timeout.
func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if operationTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, operationTimeout)
	return tctx, func() { tcancel(); cancel() }
}
