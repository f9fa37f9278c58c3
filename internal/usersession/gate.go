package usersession

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/shared"
)

// DefaultStaleAfter is the age past which cached privileges are refreshed.
const DefaultStaleAfter = 30 * time.Minute

// CredentialReader reads the long-lived credential of a request.
type CredentialReader interface {
	Token(r *http.Request) (*oauth2.Token, bool)
}

// Gate schedules a background privilege refresh when the cached snapshot of a request's
// session is older than StaleAfter. It never delays the request.
type Gate struct {
	StaleAfter  time.Duration
	Dispatcher  Dispatcher
	Credentials CredentialReader
	Logger      *slog.Logger
	Now         func() time.Time
}

// Middleware runs the gate before next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Check(r)
		next.ServeHTTP(w, r)
	})
}

// Check inspects the request session and dispatches a refresh when needed. It reports
// whether a refresh was dispatched.
func (g *Gate) Check(r *http.Request) bool {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return false
	}
	store, err := ForRequest(sess).Privileges(r.Context())
	if err != nil {
		g.logger().Warn("read cached privileges", slog.Any("error", err))
		return false
	}
	if store == nil {
		return false
	}
	age := store.Age(g.now())
	if age <= g.staleAfter() {
		return false
	}

	var token *oauth2.Token
	if g.Credentials != nil {
		if tok, ok := g.Credentials.Token(r); ok {
			token = tok
		}
	}
	if token == nil {
		g.logger().Debug("stale privileges without credential", slog.Duration("age", age))
		return false
	}
	if !token.Valid() {
		g.logger().Debug("refresh deferred until the credential is renewed", slog.String("session", sess.ID), slog.Duration("age", age))
		return false
	}
	g.logger().Debug("privileges stale, refreshing in background", slog.String("session", sess.ID), slog.Duration("age", age))
	g.Dispatcher.Dispatch(r.Context(), RefreshJob{SessionID: sess.ID, Token: token})
	return true
}

func (g *Gate) staleAfter() time.Duration {
	if g.StaleAfter > 0 {
		return g.StaleAfter
	}
	return DefaultStaleAfter
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
