package shared

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// TempData is a transient key-value slot scoped to one redirect hop. Values written
// during a request are readable during the next request only and are then discarded,
// unless that request calls Keep. It lives in a signed cookie, apart from the session.
type TempData struct {
	incoming  map[string]string
	outgoing  map[string]string
	hadCookie bool
}

// TempDataManager encodes and verifies the TempData cookie.
type TempDataManager struct {
	cookieName string
	secret     []byte
	maxAge     time.Duration
	secure     bool
}

// TempKeyRestoreAttempted marks that the denial handler already tried to restore the
// session during the current denial cycle.
const TempKeyRestoreAttempted = "restore_attempted"

// NewTempDataManager constructs a TempDataManager. maxAge bounds how long an unread value
// may wait for the next request.
func NewTempDataManager(cookieName, secret string, maxAge time.Duration, secure bool) *TempDataManager {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &TempDataManager{cookieName: cookieName, secret: []byte(secret), maxAge: maxAge, secure: secure}
}

// Load reads the values carried over from the previous request. A missing, tampered or
// unreadable cookie yields an empty TempData.
func (m *TempDataManager) Load(r *http.Request) *TempData {
	td := &TempData{incoming: map[string]string{}, outgoing: map[string]string{}}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return td
	}
	td.hadCookie = true
	values, err := m.decode(cookie.Value)
	if err != nil {
		return td
	}
	td.incoming = values
	return td
}

// Commit writes the values destined for the next request, or expires the cookie when
// there are none.
func (m *TempDataManager) Commit(w http.ResponseWriter, td *TempData) {
	if td == nil {
		return
	}
	if len(td.outgoing) == 0 {
		if td.hadCookie {
			http.SetCookie(w, &http.Cookie{
				Name:     m.cookieName,
				Value:    "",
				Path:     "/",
				MaxAge:   -1,
				HttpOnly: true,
				Secure:   m.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		return
	}
	value, err := m.encode(td.outgoing)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Get returns a value carried from the previous request or written in this one.
func (td *TempData) Get(key string) string {
	if td == nil {
		return ""
	}
	if v, ok := td.outgoing[key]; ok {
		return v
	}
	return td.incoming[key]
}

// Set stores a value for the next request.
func (td *TempData) Set(key, value string) {
	if td == nil {
		return
	}
	td.outgoing[key] = value
}

// Keep carries an incoming value over one more request.
func (td *TempData) Keep(key string) {
	if td == nil {
		return
	}
	if v, ok := td.incoming[key]; ok {
		if _, set := td.outgoing[key]; !set {
			td.outgoing[key] = v
		}
	}
}

// Delete removes a value from both this and the next request.
func (td *TempData) Delete(key string) {
	if td == nil {
		return
	}
	delete(td.incoming, key)
	delete(td.outgoing, key)
}

func (m *TempDataManager) encode(values map[string]string) (string, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + m.sign(body), nil
}

func (m *TempDataManager) decode(raw string) (map[string]string, error) {
	body, sig, ok := strings.Cut(raw, ".")
	if !ok {
		return nil, ErrTempDataInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(body))) {
		return nil, ErrTempDataInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (m *TempDataManager) sign(body string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
