package usersession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
)

// RefreshJob identifies a session whose privileges should be reloaded, and the credential
// to reload them with.
type RefreshJob struct {
	SessionID string        `json:"sessionId"`
	Token     *oauth2.Token `json:"token"`
}

// Dispatcher starts a refresh without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job RefreshJob)
}

// PrivilegeLoader yields a fresh snapshot or nil.
type PrivilegeLoader interface {
	Load(ctx context.Context, accessToken string) *rbac.Store
}

// Refresh errors.
var (
	ErrRefreshFailed     = errors.New("usersession: privilege refresh failed")
	ErrCredentialExpired = errors.New("usersession: access token expired")
)

// Refresher reloads the privileges of one session and swaps them in.
type Refresher struct {
	loader   PrivilegeLoader
	sessions func(sessionID string) *Accessor
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewRefresher constructs a Refresher. sessions resolves a session id to an Accessor,
// typically via Detached.
func NewRefresher(loader PrivilegeLoader, sessions func(string) *Accessor, logger *slog.Logger, metrics *observability.Metrics) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{loader: loader, sessions: sessions, logger: logger, metrics: metrics}
}

// Refresh loads a new snapshot for job with the job's access token and replaces the
// cached one. On failure the cached snapshot is left untouched. Panics are converted to
// errors.
func (r *Refresher) Refresh(ctx context.Context, job RefreshJob) (err error) {
	logger := r.logger.With(slog.String("session", job.SessionID))
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("usersession: refresh panic: %v", rec)
		}
		if err != nil {
			logger.Warn("privilege refresh failed, keeping cached privileges", slog.Any("error", err))
			r.metrics.PrivilegeRefresh("failed")
			return
		}
		r.metrics.PrivilegeRefresh("success")
	}()

	if job.SessionID == "" {
		return errors.New("usersession: refresh job without session id")
	}
	// Detached refreshes never renew the credential; an expired token waits for a
	// foreground request to renew and persist it.
	accessToken := ""
	if job.Token != nil {
		if !job.Token.Valid() {
			return ErrCredentialExpired
		}
		accessToken = job.Token.AccessToken
	}

	store := r.loader.Load(ctx, accessToken)
	if store == nil {
		return ErrRefreshFailed
	}
	if err := r.sessions(job.SessionID).SetPrivileges(ctx, store); err != nil {
		return fmt.Errorf("usersession: store privileges: %w", err)
	}
	logger.Debug("privileges refreshed", slog.Time("loaded_at", store.LoadedAt()))
	return nil
}
