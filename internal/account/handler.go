// Package account lets the signed-in user switch the client they work for.
package account

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fmdesk/fmdesk-web/internal/auth"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

// ProfileUpdater persists the preferred client on the backend.
type ProfileUpdater interface {
	UpdatePreferredClient(ctx context.Context, accessToken string, clientID int64) error
}

// Credentials yields the access token of the signed-in user.
type Credentials interface {
	auth.CredentialKeeper
}

// Handler serves the account endpoints.
type Handler struct {
	logger      *slog.Logger
	profiles    ProfileUpdater
	credentials Credentials
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, profiles ProfileUpdater, credentials Credentials) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, profiles: profiles, credentials: credentials}
}

// MountRoutes registers account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/preferred-client", h.switchClient)
}

func (h *Handler) switchClient(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	returnURL := auth.SafeReturnURL(r.PostFormValue("returnUrl"))
	clientID, err := strconv.ParseInt(r.PostFormValue("client_id"), 10, 64)
	if err != nil || clientID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess := shared.SessionFromContext(ctx)
	acc := usersession.ForRequest(sess)
	user, err := acc.CurrentUser(ctx)
	if err != nil || user == nil {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}
	accessToken, err := auth.RequestAccessToken(w, r, h.credentials)
	if err != nil {
		h.logger.Info("switch client: no access token", slog.Any("error", err))
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	if err := h.profiles.UpdatePreferredClient(ctx, accessToken, clientID); err != nil {
		h.logger.Warn("update preferred client", slog.Int64("client_id", clientID), slog.Any("error", err))
		sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "The client could not be changed, please try again"})
		http.Redirect(w, r, returnURL, http.StatusSeeOther)
		return
	}
	user.PreferredClientID = clientID
	if err := acc.SetCurrentUser(ctx, user); err != nil {
		h.logger.Error("store user after client switch", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Client changed"})
	http.Redirect(w, r, returnURL, http.StatusSeeOther)
}
