package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/shared"
)

// DefaultDeniedPath is where denied requests are sent.
const DefaultDeniedPath = "/access-denied"

// Denial explains why CheckAccess refused a request.
type Denial struct {
	Module string
	Page   string
	Action Action
	Reason string
}

// Denial reasons.
const (
	ReasonNoPrivileges = "no privileges loaded"
	ReasonUnknownPage  = "unknown module or page"
	ReasonNotGranted   = "action not granted"
)

// CheckAccess returns nil when store grants action on module/page, and a Denial in every
// other case, including a nil store.
func CheckAccess(store *Store, module, page string, action Action) *Denial {
	d := &Denial{Module: module, Page: page, Action: action}
	if store == nil {
		d.Reason = ReasonNoPrivileges
		return d
	}
	p, ok := store.Page(module, page)
	if !ok {
		d.Reason = ReasonUnknownPage
		return d
	}
	if !p.Grants(action) {
		d.Reason = ReasonNotGranted
		return d
	}
	return nil
}

// PrivilegeLookup returns the cached snapshot of the request's user, or nil.
type PrivilegeLookup func(ctx context.Context) *Store

// Middleware wires privilege guards for HTTP handlers.
type Middleware struct {
	Privileges PrivilegeLookup
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	DeniedPath string
}

// Require lets the request through only when the cached privileges grant action on
// module/page; otherwise it redirects to the denial handler with the original URL.
func (m Middleware) Require(module, page string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if denial := m.Check(r, module, page, action); denial != nil {
				m.Deny(w, r, denial)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Check evaluates the guard for r without writing a response.
func (m Middleware) Check(r *http.Request, module, page string, action Action) *Denial {
	var store *Store
	if m.Privileges != nil {
		store = m.Privileges(r.Context())
	}
	return CheckAccess(store, module, page, action)
}

// Deny redirects to the denial handler. The one-shot restore flag, if it was carried
// into this request, is kept alive across this redirect.
func (m Middleware) Deny(w http.ResponseWriter, r *http.Request, denial *Denial) {
	if m.Logger != nil {
		m.Logger.Info("access denied",
			slog.String("module", denial.Module),
			slog.String("page", denial.Page),
			slog.String("action", string(denial.Action)),
			slog.String("reason", denial.Reason),
			slog.String("path", r.URL.Path),
		)
	}
	m.Metrics.AccessDenied(denial.Reason)
	shared.TempDataFromContext(r.Context()).Keep(shared.TempKeyRestoreAttempted)

	target := m.deniedPath() + "?returnUrl=" + url.QueryEscape(r.URL.RequestURI())
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (m Middleware) deniedPath() string {
	if m.DeniedPath != "" {
		return m.DeniedPath
	}
	return DefaultDeniedPath
}
