package view

import (
	"net/http"

	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

// PageData fills the shared fields of TemplateData from the request: CSRF token, pending
// flash and the signed-in user. Missing pieces are left empty so error pages still render.
func PageData(r *http.Request, csrf *shared.CSRFManager, title string, data any) TemplateData {
	ctx := r.Context()
	sess := shared.SessionFromContext(ctx)
	td := TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if sess == nil {
		return td
	}
	if csrf != nil {
		td.CSRFToken, _ = csrf.EnsureToken(ctx, sess)
	}
	td.Flash = sess.PopFlash()
	if user, err := usersession.ForRequest(sess).CurrentUser(ctx); err == nil {
		td.CurrentUser = user
	}
	return td
}
