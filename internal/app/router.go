package app

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fmdesk/fmdesk-web/internal/account"
	"github.com/fmdesk/fmdesk-web/internal/auth"
	"github.com/fmdesk/fmdesk-web/internal/helpdesk"
	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/platform/httpx"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
	"github.com/fmdesk/fmdesk-web/internal/view"
	"github.com/fmdesk/fmdesk-web/jobs"
	"github.com/fmdesk/fmdesk-web/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Templates       *view.Engine
	SessionManager  *shared.SessionManager
	TempDataManager *shared.TempDataManager
	CSRFManager     *shared.CSRFManager
	Gate            *usersession.Gate
	AuthHandler     *auth.Handler
	HelpdeskHandler *helpdesk.Handler
	AccountHandler  *account.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	// HealthCheck reports whether the session store is reachable. Optional.
	HealthCheck func(context.Context) error
	// RequestLogging enables chi's request logger.
	RequestLogging bool
}

type homePageData struct {
	Modules []rbac.ModulePrivilege
}

// NewRouter constructs the chi.Router with FM Desk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:          params.Logger,
		Config:          params.Config,
		SessionManager:  params.SessionManager,
		TempDataManager: params.TempDataManager,
		CSRFManager:     params.CSRFManager,
		Gate:            params.Gate,
		Metrics:         params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.RequestLogging {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.HealthCheck != nil {
			if err := params.HealthCheck(r.Context()); err != nil {
				params.Logger.Warn("health check failed", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "session store unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Landing page for unauthenticated users
	r.Get("/welcome", func(w http.ResponseWriter, r *http.Request) {
		data := view.PageData(r, params.CSRFManager, "FM Desk", nil)
		if err := params.Templates.Render(w, "pages/landing.html", data); err != nil {
			params.Logger.Error("render landing", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		acc := usersession.FromContext(ctx)
		if !acc.Populated(ctx) {
			http.Redirect(w, r, "/welcome", http.StatusSeeOther)
			return
		}
		var modules []rbac.ModulePrivilege
		if store, err := acc.Privileges(ctx); err == nil && store != nil {
			modules = store.Modules()
		}
		data := view.PageData(r, params.CSRFManager, "FM Desk", homePageData{Modules: modules})
		if err := params.Templates.Render(w, "pages/home.html", data); err != nil {
			params.Logger.Error("render home", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	r.Get(rbac.DefaultDeniedPath, params.AuthHandler.AccessDenied)
	if params.HelpdeskHandler != nil {
		r.Route("/helpdesk", params.HelpdeskHandler.MountRoutes)
	}
	if params.AccountHandler != nil {
		r.Route("/account", params.AccountHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
