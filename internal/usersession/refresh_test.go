package usersession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
)

type stubLoader struct {
	calls  atomic.Int32
	tokens chan string
	store  *rbac.Store
	block  chan struct{}
	panics bool
}

func (l *stubLoader) Load(ctx context.Context, accessToken string) *rbac.Store {
	l.calls.Add(1)
	if l.tokens != nil {
		l.tokens <- accessToken
	}
	if l.block != nil {
		<-l.block
	}
	if l.panics {
		panic("loader exploded")
	}
	return l.store
}

// storedSession commits a session holding an old snapshot and returns its id.
func storedSession(t *testing.T) (*shared.SessionManager, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	manager := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)

	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := manager.Load(ctx, req)
	require.NoError(t, err)
	require.NoError(t, ForRequest(sess).SetPrivileges(ctx, sampleStore(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))))
	require.NoError(t, manager.Commit(ctx, httptest.NewRecorder(), req, sess))
	return manager, mr, sess.ID
}

func detachedResolver(manager *shared.SessionManager) func(string) *Accessor {
	return func(id string) *Accessor { return Detached(manager, id) }
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	manager, _, id := storedSession(t)
	fresh := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	loader := &stubLoader{store: sampleStore(fresh), tokens: make(chan string, 1)}
	refresher := NewRefresher(loader, detachedResolver(manager), nil, observability.NewMetrics())

	err := refresher.Refresh(context.Background(), RefreshJob{SessionID: id, Token: &oauth2.Token{AccessToken: "tok"}})
	require.NoError(t, err)
	assert.Equal(t, "tok", <-loader.tokens)

	store, err := Detached(manager, id).Privileges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, store.LoadedAt())
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	manager, _, id := storedSession(t)
	refresher := NewRefresher(&stubLoader{}, detachedResolver(manager), nil, nil)

	err := refresher.Refresh(context.Background(), RefreshJob{SessionID: id, Token: &oauth2.Token{AccessToken: "tok"}})
	assert.ErrorIs(t, err, ErrRefreshFailed)

	store, err := Detached(manager, id).Privileges(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), store.LoadedAt())
}

func TestRefreshSkipsExpiredCredential(t *testing.T) {
	manager, _, id := storedSession(t)
	loader := &stubLoader{store: sampleStore(time.Now())}
	refresher := NewRefresher(loader, detachedResolver(manager), nil, nil)

	expired := &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}
	err := refresher.Refresh(context.Background(), RefreshJob{SessionID: id, Token: expired})
	assert.ErrorIs(t, err, ErrCredentialExpired)
	assert.Zero(t, loader.calls.Load())

	store, err := Detached(manager, id).Privileges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), store.LoadedAt())
}

func TestRefreshDoesNotResurrectDestroyedSession(t *testing.T) {
	manager, mr, id := storedSession(t)
	mr.Del("session:" + id)
	refresher := NewRefresher(&stubLoader{store: sampleStore(time.Now())}, detachedResolver(manager), nil, nil)

	err := refresher.Refresh(context.Background(), RefreshJob{SessionID: id, Token: &oauth2.Token{AccessToken: "tok"}})
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.False(t, mr.Exists("session:"+id))
}

func TestRefreshConvertsPanic(t *testing.T) {
	manager, _, id := storedSession(t)
	refresher := NewRefresher(&stubLoader{panics: true}, detachedResolver(manager), nil, nil)

	var err error
	assert.NotPanics(t, func() {
		err = refresher.Refresh(context.Background(), RefreshJob{SessionID: id, Token: &oauth2.Token{AccessToken: "tok"}})
	})
	assert.Error(t, err)
}

func TestRefreshRequiresSessionID(t *testing.T) {
	refresher := NewRefresher(&stubLoader{}, func(string) *Accessor { return New(NewMemoryValues()) }, nil, nil)
	assert.Error(t, refresher.Refresh(context.Background(), RefreshJob{}))
}
