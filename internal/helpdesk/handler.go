// Package helpdesk serves the work request pages, guarded by the cached privileges.
package helpdesk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fmdesk/fmdesk-web/internal/auth"
	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/platform/httpx"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
	"github.com/fmdesk/fmdesk-web/internal/view"
)

// Privilege names guarding the work request pages.
const (
	ModuleHelpdesk   = "Helpdesk"
	PageWorkRequests = "Work Request Management"
)

const defaultPerPage = 20

// WorkRequestService is the backend surface used by the handler.
type WorkRequestService interface {
	ListWorkRequests(ctx context.Context, accessToken string, q backend.WorkRequestQuery) (*backend.WorkRequestPage, error)
	CreateWorkRequest(ctx context.Context, accessToken string, in backend.NewWorkRequest) (*backend.WorkRequest, error)
}

// Credentials yields the access token of the signed-in user.
type Credentials interface {
	auth.CredentialKeeper
}

var errNoCredential = errors.New("helpdesk: not signed in")

// Handler wires the helpdesk endpoints.
type Handler struct {
	logger      *slog.Logger
	service     WorkRequestService
	credentials Credentials
	templates   *view.Engine
	csrf        *shared.CSRFManager
	rbac        rbac.Middleware
	validator   *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service WorkRequestService, credentials Credentials, templates *view.Engine, csrf *shared.CSRFManager, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		credentials: credentials,
		templates:   templates,
		csrf:        csrf,
		rbac:        guard,
		validator:   validator.New(),
	}
}

// MountRoutes registers helpdesk routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(ModuleHelpdesk, PageWorkRequests, rbac.ActionView)).Get("/work-requests", h.list)
	r.With(h.rbac.Require(ModuleHelpdesk, PageWorkRequests, rbac.ActionView)).Get("/work-requests.json", h.listJSON)
	r.With(h.rbac.Require(ModuleHelpdesk, PageWorkRequests, rbac.ActionAdd)).Post("/work-requests", h.create)
}

type workRequestForm struct {
	Title       string
	Location    string
	Priority    string
	Description string
}

type listPageData struct {
	Items      []backend.WorkRequest
	Pagination shared.Pagination
	CanAdd     bool
	Form       workRequestForm
	Errors     map[string]string
}

type listResponse struct {
	Items      []backend.WorkRequest `json:"items"`
	Page       int                   `json:"page"`
	PerPage    int                   `json:"perPage"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"totalPages"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	data := listPageData{}
	status := http.StatusOK
	items, pagination, err := h.fetch(w, r)
	switch {
	case errors.Is(err, errNoCredential) || backend.IsUnauthorized(err):
		http.Redirect(w, r, "/auth/login?returnUrl="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Warn("list work requests", slog.Any("error", err))
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "Work requests could not be loaded, please try again"})
		}
		status = http.StatusBadGateway
	}
	data.Items = items
	data.Pagination = pagination
	data.CanAdd = h.rbac.Check(r, ModuleHelpdesk, PageWorkRequests, rbac.ActionAdd) == nil
	h.render(w, r, status, data)
}

func (h *Handler) listJSON(w http.ResponseWriter, r *http.Request) {
	items, pagination, err := h.fetch(w, r)
	switch {
	case errors.Is(err, errNoCredential) || backend.IsUnauthorized(err):
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	case err != nil:
		h.logger.Warn("list work requests", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUpstream)
		return
	}
	if items == nil {
		items = []backend.WorkRequest{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{
		Items:      items,
		Page:       pagination.Page,
		PerPage:    pagination.PerPage,
		Total:      pagination.Total,
		TotalPages: pagination.TotalPages,
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	form := workRequestForm{
		Title:       r.PostFormValue("title"),
		Location:    r.PostFormValue("location"),
		Priority:    r.PostFormValue("priority"),
		Description: r.PostFormValue("description"),
	}
	in := backend.NewWorkRequest{
		ClientID:    h.preferredClient(ctx),
		Title:       form.Title,
		Description: form.Description,
		Location:    form.Location,
		Priority:    form.Priority,
	}

	errs := make(map[string]string)
	if err := h.validator.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}
	if len(errs) > 0 {
		h.render(w, r, http.StatusBadRequest, listPageData{CanAdd: true, Form: form, Errors: errs, Pagination: shared.NewPagination(1, defaultPerPage, 0)})
		return
	}

	token, err := h.accessToken(w, r)
	if err != nil {
		http.Redirect(w, r, "/auth/login?returnUrl="+url.QueryEscape("/helpdesk/work-requests"), http.StatusSeeOther)
		return
	}
	created, err := h.service.CreateWorkRequest(ctx, token, in)
	sess := shared.SessionFromContext(ctx)
	if err != nil {
		h.logger.Warn("create work request", slog.Any("error", err))
		if sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "The work request could not be raised, please try again"})
		}
		http.Redirect(w, r, "/helpdesk/work-requests", http.StatusSeeOther)
		return
	}
	if sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Work request " + created.Number + " raised"})
	}
	http.Redirect(w, r, "/helpdesk/work-requests", http.StatusSeeOther)
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) ([]backend.WorkRequest, shared.Pagination, error) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pagination := shared.NewPagination(page, defaultPerPage, 0)
	token, err := h.accessToken(w, r)
	if err != nil {
		return nil, pagination, err
	}
	result, err := h.service.ListWorkRequests(r.Context(), token, backend.WorkRequestQuery{
		ClientID: h.preferredClient(r.Context()),
		Status:   r.URL.Query().Get("status"),
		Page:     pagination.Page,
		PerPage:  pagination.PerPage,
	})
	if err != nil {
		return nil, pagination, err
	}
	return result.Items, shared.NewPagination(pagination.Page, pagination.PerPage, result.Total), nil
}

func (h *Handler) accessToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if h.credentials == nil {
		return "", errNoCredential
	}
	access, err := auth.RequestAccessToken(w, r, h.credentials)
	if err != nil {
		return "", errors.Join(errNoCredential, err)
	}
	return access, nil
}

func (h *Handler) preferredClient(ctx context.Context) int64 {
	user, err := usersession.FromContext(ctx).CurrentUser(ctx)
	if err != nil || user == nil {
		return 0
	}
	return user.PreferredClientID
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, data listPageData) {
	if err := h.templates.RenderStatus(w, status, "pages/work_requests.html", view.PageData(r, h.csrf, "Work Requests", data)); err != nil {
		h.logger.Error("render work requests", slog.Any("error", err))
	}
}
