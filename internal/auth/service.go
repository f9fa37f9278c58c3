package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

// ProfileSource fetches the profile of a bearer.
type ProfileSource interface {
	FetchProfile(ctx context.Context, accessToken string) (*backend.Profile, error)
}

// CredentialStore is the authentication layer as seen by the service.
type CredentialStore interface {
	CredentialKeeper
	PasswordLogin(ctx context.Context, username, password string) (*oauth2.Token, error)
	Clear(w http.ResponseWriter)
}

// ErrEstablish is returned when the profile or privileges of a fresh credential could not
// be loaded.
var ErrEstablish = errors.New("auth: could not load user session")

// Service signs users in and rebuilds lost sessions from the credential cookie.
type Service struct {
	credentials CredentialStore
	profiles    ProfileSource
	loader      usersession.PrivilegeLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService constructs a new Service.
func NewService(credentials CredentialStore, profiles ProfileSource, loader usersession.PrivilegeLoader, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		credentials: credentials,
		profiles:    profiles,
		loader:      loader,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Login exchanges username and password for a credential, stores it in the cookie and
// fills the session.
func (s *Service) Login(ctx context.Context, w http.ResponseWriter, acc *usersession.Accessor, username, password string) error {
	tok, err := s.credentials.PasswordLogin(ctx, username, password)
	if err != nil {
		return err
	}
	if err := s.establish(ctx, acc, tok.AccessToken); err != nil {
		return err
	}
	return s.credentials.Write(w, tok)
}

// Logout removes the credential cookie.
func (s *Service) Logout(w http.ResponseWriter) {
	s.credentials.Clear(w)
}

// TryRestore rebuilds the user and privilege entries of the request session from the
// credential cookie. It returns true when both entries are present afterwards, and false
// when the request is not authenticated or any step failed. It never panics.
func (s *Service) TryRestore(w http.ResponseWriter, r *http.Request) (restored bool) {
	ctx := r.Context()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("session restore panic", slog.Any("panic", rec))
			restored = false
		}
		outcome := "failed"
		if restored {
			outcome = "restored"
		}
		s.metrics.SessionRestore(outcome)
	}()

	tok, ok := s.credentials.Token(r)
	if !ok {
		s.logger.Info("session restore skipped: not authenticated")
		return false
	}
	acc := usersession.FromContext(ctx)
	if acc == nil {
		s.logger.Warn("session restore skipped: no session")
		return false
	}
	if acc.Populated(ctx) {
		return true
	}

	accessToken, current, err := s.credentials.AccessToken(ctx, tok)
	if err != nil || accessToken == "" {
		s.logger.Info("session restore: no access token", slog.Any("error", err))
		return false
	}
	if err := persistRenewed(w, s.credentials, tok, current); err != nil {
		s.logger.Warn("persist renewed credential", slog.Any("error", err))
	}

	if err := s.establish(ctx, acc, accessToken); err != nil {
		s.logger.Warn("session restore failed", slog.Any("error", err))
		return false
	}
	s.logger.Info("session restored")
	return true
}

// establish fetches the profile, stores the user, loads privileges and stores them, in
// that order. A missing privilege snapshot fails the whole operation.
func (s *Service) establish(ctx context.Context, acc *usersession.Accessor, accessToken string) error {
	profile, err := s.profiles.FetchProfile(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("%w: profile: %v", ErrEstablish, err)
	}
	if err := acc.SetCurrentUser(ctx, userFromProfile(profile, s.now())); err != nil {
		return fmt.Errorf("%w: store user: %v", ErrEstablish, err)
	}
	store := s.loader.Load(ctx, accessToken)
	if store == nil {
		return fmt.Errorf("%w: privileges unavailable", ErrEstablish)
	}
	if err := acc.SetPrivileges(ctx, store); err != nil {
		return fmt.Errorf("%w: store privileges: %v", ErrEstablish, err)
	}
	return nil
}
