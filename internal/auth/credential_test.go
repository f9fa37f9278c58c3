package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/shared"
)

func newTestCredentials(t *testing.T, tokenHandler http.HandlerFunc) *Credentials {
	t.Helper()
	tokenURL := "http://127.0.0.1:0/oauth/token"
	if tokenHandler != nil {
		srv := httptest.NewServer(tokenHandler)
		t.Cleanup(srv.Close)
		tokenURL = srv.URL + "/oauth/token"
	}
	creds, err := NewCredentials(CredentialsConfig{
		CookieName: "test_auth",
		Secret:     "cookie-secret",
		TTL:        time.Hour,
		ClientID:   "fmdesk-web",
		TokenURL:   tokenURL,
	})
	require.NoError(t, err)
	return creds
}

func requestWithCookie(t *testing.T, creds *Credentials, tok *oauth2.Token) *http.Request {
	t.Helper()
	res := httptest.NewRecorder()
	require.NoError(t, creds.Write(res, tok))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range res.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestCookieCodecSealOpen(t *testing.T) {
	codec, err := NewCookieCodec("secret")
	require.NoError(t, err)

	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	sealed, err := codec.Seal(tok)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "a\"")

	opened, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "a", opened.AccessToken)
	assert.Equal(t, "r", opened.RefreshToken)

	other, err := NewCookieCodec("other")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrCookieInvalid)

	_, err = codec.Open("not-base64!")
	assert.ErrorIs(t, err, ErrCookieInvalid)

	_, err = NewCookieCodec("")
	assert.Error(t, err)
}

func TestCredentialsToken(t *testing.T) {
	creds := newTestCredentials(t, nil)

	_, ok := creds.Token(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)

	valid := &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}
	tok, ok := creds.Token(requestWithCookie(t, creds, valid))
	require.True(t, ok)
	assert.Equal(t, "a", tok.AccessToken)

	renewable := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	assert.True(t, creds.IsAuthenticated(requestWithCookie(t, creds, renewable)))

	dead := &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}
	assert.False(t, creds.IsAuthenticated(requestWithCookie(t, creds, dead)))

	tampered := httptest.NewRequest(http.MethodGet, "/", nil)
	tampered.AddCookie(&http.Cookie{Name: "test_auth", Value: "AAAA"})
	assert.False(t, creds.IsAuthenticated(tampered))
}

func TestCredentialsAccessTokenRefreshes(t *testing.T) {
	calls := 0
	creds := newTestCredentials(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","token_type":"bearer","refresh_token":"r2","expires_in":3600}`)
	})

	valid := &oauth2.Token{AccessToken: "a1", Expiry: time.Now().Add(time.Hour)}
	access, current, err := creds.AccessToken(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, "a1", access)
	assert.Same(t, valid, current)
	assert.Zero(t, calls)

	expired := &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)}
	access, current, err = creds.AccessToken(context.Background(), expired)
	require.NoError(t, err)
	assert.Equal(t, "a2", access)
	assert.Equal(t, "r2", current.RefreshToken)
	assert.Equal(t, 1, calls)

	_, _, err = creds.AccessToken(context.Background(), &oauth2.Token{AccessToken: "a1", Expiry: time.Now().Add(-time.Minute)})
	assert.ErrorIs(t, err, ErrCredentialExpired)
	_, _, err = creds.AccessToken(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestRequestAccessTokenPersistsRenewal(t *testing.T) {
	creds := newTestCredentials(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"a2","token_type":"bearer","refresh_token":"r2","expires_in":3600}`)
	})

	req := requestWithCookie(t, creds, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})
	rec := httptest.NewRecorder()
	access, err := RequestAccessToken(rec, req, creds)
	require.NoError(t, err)
	assert.Equal(t, "a2", access)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "test_auth", cookies[0].Name)
	stored, err := creds.codec.Open(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "a2", stored.AccessToken)
	assert.Equal(t, "r2", stored.RefreshToken)

	req = requestWithCookie(t, creds, &oauth2.Token{AccessToken: "a1", Expiry: time.Now().Add(time.Hour)})
	rec = httptest.NewRecorder()
	access, err = RequestAccessToken(rec, req, creds)
	require.NoError(t, err)
	assert.Equal(t, "a1", access)
	assert.Empty(t, rec.Result().Cookies())

	_, err = RequestAccessToken(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), creds)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestCredentialsPasswordLogin(t *testing.T) {
	creds := newTestCredentials(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("password") {
		case "right":
			_, _ = io.WriteString(w, `{"access_token":"a","token_type":"bearer","refresh_token":"r","expires_in":3600}`)
		case "outage":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
		}
	})

	tok, err := creds.PasswordLogin(context.Background(), "ada", "right")
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	_, err = creds.PasswordLogin(context.Background(), "ada", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = creds.PasswordLogin(context.Background(), "ada", "outage")
	require.Error(t, err)
	assert.False(t, errors.Is(err, shared.ErrInvalidCredentials))
}

func TestCredentialsClear(t *testing.T) {
	creds := newTestCredentials(t, nil)
	res := httptest.NewRecorder()
	creds.Clear(res)
	header := res.Header().Get("Set-Cookie")
	assert.True(t, strings.HasPrefix(header, "test_auth="))
	assert.Contains(t, header, "Max-Age=0")
}
