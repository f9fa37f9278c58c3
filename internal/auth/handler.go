package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
	"github.com/fmdesk/fmdesk-web/internal/view"
)

// SessionRestorer rebuilds a lost session from the credential cookie.
type SessionRestorer interface {
	TryRestore(w http.ResponseWriter, r *http.Request) bool
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	restorer       SessionRestorer
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance. restorer defaults to service.
func NewHandler(logger *slog.Logger, service *Service, restorer SessionRestorer, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if restorer == nil && service != nil {
		restorer = service
	}
	return &Handler{
		logger:         logger,
		service:        service,
		restorer:       restorer,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Username string `validate:"required,max=256"`
	Password string `validate:"required,max=1024"`
}

type loginPageData struct {
	Form      loginForm
	ReturnURL string
	Errors    map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	data := loginPageData{ReturnURL: SafeReturnURL(r.URL.Query().Get("returnUrl"))}
	if err := h.templates.Render(w, "pages/login.html", view.PageData(r, h.csrfManager, "Sign in", data)); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	form := loginForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	returnURL := SafeReturnURL(r.PostFormValue("returnUrl"))

	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}

	if len(errs) == 0 {
		sess := shared.SessionFromContext(ctx)
		acc := usersession.ForRequest(sess)
		if acc == nil {
			h.logger.Error("session missing during login")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		err := h.service.Login(ctx, w, acc, form.Username, form.Password)
		switch {
		case err == nil:
			h.renewSession(sess)
			if h.csrfManager != nil {
				if _, err := h.csrfManager.Rotate(sess); err != nil {
					h.logger.Warn("rotate csrf token", slog.Any("error", err))
				}
			}
			sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})
			http.Redirect(w, r, returnURL, http.StatusSeeOther)
			return
		case errors.Is(err, shared.ErrInvalidCredentials):
			errs["general"] = "Invalid username or password"
		default:
			h.logger.Warn("login failed", slog.Any("error", err))
			errs["general"] = "Sign-in is temporarily unavailable, please try again"
		}
	}

	form.Password = ""
	data := loginPageData{Form: form, ReturnURL: returnURL, Errors: errs}
	if err := h.templates.RenderStatus(w, http.StatusBadRequest, "pages/login.html", view.PageData(r, h.csrfManager, "Sign in", data)); err != nil {
		h.logger.Error("render login invalid", slog.Any("error", err))
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		h.sessionManager.Destroy(sess)
	}
	h.service.Logout(w)
	http.Redirect(w, r, DefaultLandingPath, http.StatusSeeOther)
}

type deniedPageData struct {
	ReturnURL string
}

// AccessDenied is the target of every privilege guard redirect. On the first hop of a
// denial cycle it tries to restore the session and sends the user back; otherwise, or
// when restoring fails, it renders the terminal denied view.
func (h *Handler) AccessDenied(w http.ResponseWriter, r *http.Request) {
	td := shared.TempDataFromContext(r.Context())
	returnURL := SafeReturnURL(r.URL.Query().Get("returnUrl"))
	attempted := td.Get(shared.TempKeyRestoreAttempted) != ""

	state := ResolveDenial(attempted, func() bool {
		td.Set(shared.TempKeyRestoreAttempted, "1")
		if h.restorer == nil {
			return false
		}
		return h.restorer.TryRestore(w, r)
	})
	h.logger.Debug("access denied flow", slog.String("state", state.String()), slog.Bool("attempted", attempted))

	if state == DenialRestored {
		h.renewSession(shared.SessionFromContext(r.Context()))
		http.Redirect(w, r, returnURL, http.StatusSeeOther)
		return
	}
	td.Delete(shared.TempKeyRestoreAttempted)
	h.renderDenied(w, r, returnURL)
}

// renewSession moves a session that just became authenticated to a fresh ID, so an ID
// planted before sign-in never carries the signed-in user.
func (h *Handler) renewSession(sess *shared.Session) {
	if h.sessionManager == nil || sess == nil {
		return
	}
	h.sessionManager.Renew(sess)
}

func (h *Handler) renderDenied(w http.ResponseWriter, r *http.Request, returnURL string) {
	if h.templates == nil {
		http.Error(w, "Access denied", http.StatusForbidden)
		return
	}
	data := view.PageData(r, h.csrfManager, "Access denied", deniedPageData{ReturnURL: returnURL})
	if err := h.templates.RenderStatus(w, http.StatusForbidden, "pages/access_denied.html", data); err != nil {
		h.logger.Error("render access denied", slog.Any("error", err))
	}
}
