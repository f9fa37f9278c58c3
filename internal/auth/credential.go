package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"

	"github.com/fmdesk/fmdesk-web/internal/shared"
)

var (
	// ErrCredentialExpired is returned when the access token expired and cannot be renewed.
	ErrCredentialExpired = errors.New("auth: credential expired")
	// ErrCookieInvalid is returned for cookies that fail to decrypt or decode.
	ErrCookieInvalid = errors.New("auth: credential cookie invalid")
)

const nonceSize = 24

// CookieCodec seals credential cookies with NaCl secretbox under a key derived from the
// configured secret.
type CookieCodec struct {
	key [32]byte
}

// NewCookieCodec derives the sealing key from secret.
func NewCookieCodec(secret string) (*CookieCodec, error) {
	if secret == "" {
		return nil, errors.New("auth: cookie secret required")
	}
	c := &CookieCodec{}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("fmdesk-web credential cookie v1"))
	if _, err := io.ReadFull(kdf, c.key[:]); err != nil {
		return nil, fmt.Errorf("auth: derive cookie key: %w", err)
	}
	return c, nil
}

// Seal encrypts and encodes tok.
func (c *CookieCodec) Seal(tok *oauth2.Token) (string, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts a value produced by Seal.
func (c *CookieCodec) Open(value string) (*oauth2.Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrCookieInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrCookieInvalid
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, ErrCookieInvalid
	}
	return &tok, nil
}

// CredentialsConfig configures Credentials.
type CredentialsConfig struct {
	CookieName   string
	Secret       string
	TTL          time.Duration
	Secure       bool
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// Credentials is the authentication layer: it keeps the access/refresh token pair in an
// encrypted long-lived cookie and exchanges tokens with the backend token endpoint.
type Credentials struct {
	codec      *CookieCodec
	oauth      *oauth2.Config
	httpClient *http.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// NewCredentials constructs Credentials.
func NewCredentials(cfg CredentialsConfig) (*Credentials, error) {
	codec, err := NewCookieCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "fmdesk_auth"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Credentials{
		codec: codec,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
	}, nil
}

// Token returns the request's credential when the request is authenticated: the cookie
// decrypts and either its access token is still valid or it carries a refresh token.
func (c *Credentials) Token(r *http.Request) (*oauth2.Token, bool) {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	tok, err := c.codec.Open(cookie.Value)
	if err != nil || tok.AccessToken == "" {
		return nil, false
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, false
	}
	return tok, true
}

// IsAuthenticated reports whether r carries a usable credential.
func (c *Credentials) IsAuthenticated(r *http.Request) bool {
	_, ok := c.Token(r)
	return ok
}

// AccessToken returns a valid access token for tok, renewing it through the refresh
// token when it expired. The returned token is the one to persist.
func (c *Credentials) AccessToken(ctx context.Context, tok *oauth2.Token) (string, *oauth2.Token, error) {
	if tok == nil || tok.AccessToken == "" {
		return "", nil, ErrCredentialExpired
	}
	if tok.Valid() {
		return tok.AccessToken, tok, nil
	}
	if tok.RefreshToken == "" {
		return "", nil, ErrCredentialExpired
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	next, err := c.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return "", nil, fmt.Errorf("auth: refresh access token: %w", err)
	}
	return next.AccessToken, next, nil
}

// PasswordLogin exchanges user credentials for a token pair.
func (c *Credentials) PasswordLogin(ctx context.Context, username, password string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %v", shared.ErrInvalidCredentials, err)
		}
		return nil, err
	}
	return tok, nil
}

// Write stores tok in the credential cookie.
func (c *Credentials) Write(w http.ResponseWriter, tok *oauth2.Token) error {
	value, err := c.codec.Seal(tok)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the credential cookie.
func (c *Credentials) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CookieName returns the credential cookie name.
func (c *Credentials) CookieName() string {
	return c.cookieName
}

// ErrNotSignedIn is returned when a request carries no usable credential.
var ErrNotSignedIn = errors.New("auth: not signed in")

// CredentialKeeper reads the credential of a request and stores renewed tokens.
type CredentialKeeper interface {
	Token(r *http.Request) (*oauth2.Token, bool)
	AccessToken(ctx context.Context, tok *oauth2.Token) (string, *oauth2.Token, error)
	Write(w http.ResponseWriter, tok *oauth2.Token) error
}

// RequestAccessToken returns a valid access token for r. A token renewed on the way is
// written back through w, so it must run before the response headers are sent.
func RequestAccessToken(w http.ResponseWriter, r *http.Request, creds CredentialKeeper) (string, error) {
	if creds == nil {
		return "", ErrNotSignedIn
	}
	tok, ok := creds.Token(r)
	if !ok {
		return "", ErrNotSignedIn
	}
	accessToken, current, err := creds.AccessToken(r.Context(), tok)
	if err != nil {
		return "", err
	}
	if err := persistRenewed(w, creds, tok, current); err != nil {
		return "", fmt.Errorf("auth: persist renewed credential: %w", err)
	}
	return accessToken, nil
}

// persistRenewed writes current when it differs from the token the request came with.
func persistRenewed(w http.ResponseWriter, creds CredentialKeeper, previous, current *oauth2.Token) error {
	if current == nil {
		return nil
	}
	if previous != nil && current.AccessToken == previous.AccessToken && current.RefreshToken == previous.RefreshToken {
		return nil
	}
	return creds.Write(w, current)
}
