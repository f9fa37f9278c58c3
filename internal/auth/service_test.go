package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

type fakeCredentials struct {
	token        *oauth2.Token
	renewed      *oauth2.Token
	accessErr    error
	loginErr     error
	tokenCalls   int
	accessCalls  int
	written      []*oauth2.Token
	cleared      bool
	panicOnToken bool
}

func (f *fakeCredentials) Token(*http.Request) (*oauth2.Token, bool) {
	f.tokenCalls++
	if f.panicOnToken {
		panic("cookie jar on fire")
	}
	return f.token, f.token != nil
}

func (f *fakeCredentials) AccessToken(_ context.Context, tok *oauth2.Token) (string, *oauth2.Token, error) {
	f.accessCalls++
	if f.accessErr != nil {
		return "", nil, f.accessErr
	}
	if f.renewed != nil {
		return f.renewed.AccessToken, f.renewed, nil
	}
	return tok.AccessToken, tok, nil
}

func (f *fakeCredentials) PasswordLogin(context.Context, string, string) (*oauth2.Token, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.token, nil
}

func (f *fakeCredentials) Write(_ http.ResponseWriter, tok *oauth2.Token) error {
	f.written = append(f.written, tok)
	return nil
}

func (f *fakeCredentials) Clear(http.ResponseWriter) { f.cleared = true }

type fakeProfiles struct {
	calls   int
	tokens  []string
	profile *backend.Profile
	err     error
}

func (f *fakeProfiles) FetchProfile(_ context.Context, accessToken string) (*backend.Profile, error) {
	f.calls++
	f.tokens = append(f.tokens, accessToken)
	return f.profile, f.err
}

type fakeLoader struct {
	calls int
	store *rbac.Store
}

func (f *fakeLoader) Load(context.Context, string) *rbac.Store {
	f.calls++
	return f.store
}

func helpdeskStore() *rbac.Store {
	return rbac.NewStore([]rbac.ModulePrivilege{{
		ModuleName: "Helpdesk",
		Pages:      []rbac.PagePrivilege{{PageName: "Work Request Management", CanView: true}},
	}}, time.Now())
}

func sessionRequest(t *testing.T) (*http.Request, *usersession.Accessor) {
	t.Helper()
	manager := shared.NewSessionManager(nil, "test_session", "secret", time.Hour, false)
	req := httptest.NewRequest(http.MethodGet, "/access-denied", nil)
	sess, err := manager.Load(context.Background(), req)
	require.NoError(t, err)
	ctx := shared.ContextWithSession(req.Context(), sess)
	return req.WithContext(ctx), usersession.ForRequest(sess)
}

func validToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}
}

func TestTryRestoreRebuildsSession(t *testing.T) {
	creds := &fakeCredentials{token: validToken()}
	profiles := &fakeProfiles{profile: &backend.Profile{UserID: 7, FullName: "Ada Byron", PreferredClientID: 3}}
	loader := &fakeLoader{store: helpdeskStore()}
	metrics := observability.NewMetrics()
	svc := NewService(creds, profiles, loader, nil, metrics)

	req, acc := sessionRequest(t)
	assert.True(t, svc.TryRestore(httptest.NewRecorder(), req))

	assert.Equal(t, []string{"a1"}, profiles.tokens)
	assert.Equal(t, 1, loader.calls)
	assert.True(t, acc.Populated(req.Context()))
	user, err := acc.CurrentUser(req.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.PreferredClientID)
	assert.Empty(t, creds.written)
}

func TestTryRestoreIsNoopWhenPopulated(t *testing.T) {
	creds := &fakeCredentials{token: validToken()}
	profiles := &fakeProfiles{}
	loader := &fakeLoader{}
	svc := NewService(creds, profiles, loader, nil, nil)

	req, acc := sessionRequest(t)
	ctx := req.Context()
	require.NoError(t, acc.SetCurrentUser(ctx, &usersession.UserSession{UserID: 7}))
	require.NoError(t, acc.SetPrivileges(ctx, helpdeskStore()))

	assert.True(t, svc.TryRestore(httptest.NewRecorder(), req))
	assert.Zero(t, creds.accessCalls)
	assert.Zero(t, profiles.calls)
	assert.Zero(t, loader.calls)
}

func TestTryRestoreUnauthenticated(t *testing.T) {
	profiles := &fakeProfiles{}
	svc := NewService(&fakeCredentials{}, profiles, &fakeLoader{}, nil, nil)

	req, _ := sessionRequest(t)
	assert.False(t, svc.TryRestore(httptest.NewRecorder(), req))
	assert.Zero(t, profiles.calls)
}

func TestTryRestoreFailures(t *testing.T) {
	cases := map[string]struct {
		creds    *fakeCredentials
		profiles *fakeProfiles
		loader   *fakeLoader
	}{
		"token expired": {
			creds:    &fakeCredentials{token: validToken(), accessErr: ErrCredentialExpired},
			profiles: &fakeProfiles{profile: &backend.Profile{UserID: 7}},
			loader:   &fakeLoader{store: helpdeskStore()},
		},
		"profile unavailable": {
			creds:    &fakeCredentials{token: validToken()},
			profiles: &fakeProfiles{err: errors.New("backend down")},
			loader:   &fakeLoader{store: helpdeskStore()},
		},
		"privileges unavailable": {
			creds:    &fakeCredentials{token: validToken()},
			profiles: &fakeProfiles{profile: &backend.Profile{UserID: 7}},
			loader:   &fakeLoader{},
		},
		"panic": {
			creds:    &fakeCredentials{token: validToken(), panicOnToken: true},
			profiles: &fakeProfiles{},
			loader:   &fakeLoader{},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewService(tc.creds, tc.profiles, tc.loader, nil, observability.NewMetrics())
			req, acc := sessionRequest(t)
			assert.NotPanics(t, func() {
				assert.False(t, svc.TryRestore(httptest.NewRecorder(), req))
			})
			_, err := acc.Privileges(req.Context())
			require.NoError(t, err)
			assert.False(t, acc.Populated(req.Context()))
		})
	}
}

func TestTryRestorePersistsRenewedToken(t *testing.T) {
	renewed := &oauth2.Token{AccessToken: "a2", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour)}
	creds := &fakeCredentials{token: validToken(), renewed: renewed}
	profiles := &fakeProfiles{profile: &backend.Profile{UserID: 7}}
	svc := NewService(creds, profiles, &fakeLoader{store: helpdeskStore()}, nil, nil)

	req, _ := sessionRequest(t)
	assert.True(t, svc.TryRestore(httptest.NewRecorder(), req))
	require.Len(t, creds.written, 1)
	assert.Equal(t, "a2", creds.written[0].AccessToken)
	assert.Equal(t, []string{"a2"}, profiles.tokens)
}

func TestLogin(t *testing.T) {
	creds := &fakeCredentials{token: validToken()}
	svc := NewService(creds, &fakeProfiles{profile: &backend.Profile{UserID: 7}}, &fakeLoader{store: helpdeskStore()}, nil, nil)

	req, acc := sessionRequest(t)
	require.NoError(t, svc.Login(req.Context(), httptest.NewRecorder(), acc, "ada", "pw"))
	assert.True(t, acc.Populated(req.Context()))
	require.Len(t, creds.written, 1)

	creds = &fakeCredentials{loginErr: shared.ErrInvalidCredentials}
	svc = NewService(creds, &fakeProfiles{}, &fakeLoader{}, nil, nil)
	req, acc = sessionRequest(t)
	assert.ErrorIs(t, svc.Login(req.Context(), httptest.NewRecorder(), acc, "ada", "bad"), shared.ErrInvalidCredentials)
	assert.Empty(t, creds.written)

	creds = &fakeCredentials{token: validToken()}
	svc = NewService(creds, &fakeProfiles{profile: &backend.Profile{UserID: 7}}, &fakeLoader{}, nil, nil)
	req, acc = sessionRequest(t)
	assert.ErrorIs(t, svc.Login(req.Context(), httptest.NewRecorder(), acc, "ada", "pw"), ErrEstablish)
	assert.Empty(t, creds.written)

	svc.Logout(httptest.NewRecorder())
	assert.True(t, creds.cleared)
}
