package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reserved hash fields. Application values are stored under valuePrefix.
const (
	fieldUser    = "_user"
	fieldFlashes = "_flashes"
	fieldCreated = "_created"
	valuePrefix  = "v:"
)

// setIfExists writes one hash field only while the session is still alive, so a
// detached writer can never resurrect a session destroyed at logout.
var setIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// SessionManager orchestrates cookie based sessions backed by Redis. Each session is a
// Redis hash so individual values can be replaced without rewriting the whole session.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session holds per-request session data.
type Session struct {
	ID        string
	values    map[string]string
	userID    string
	flashes   []FlashMessage
	manager   *SessionManager
	isNew     bool
	destroyed bool
	// previousID is the record Renew moved away from; Commit deletes it.
	previousID string

	changed      map[string]struct{}
	removed      map[string]struct{}
	userDirty    bool
	flashesDirty bool
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
	}
}

// Load loads or creates a new session for request.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	fields, err := sm.client.HGetAll(ctx, sm.redisKey(cookie.Value)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Expired or unknown id: start over with a fresh id rather than adopting the
		// client supplied one.
		return sm.newSession(), nil
	}

	sess := sm.newSession()
	sess.ID = cookie.Value
	sess.isNew = false
	for field, value := range fields {
		switch {
		case field == fieldUser:
			sess.userID = value
		case field == fieldFlashes:
			if value != "" {
				if err := json.Unmarshal([]byte(value), &sess.flashes); err != nil {
					return nil, err
				}
			}
		case len(field) > len(valuePrefix) && field[:len(valuePrefix)] == valuePrefix:
			sess.values[field[len(valuePrefix):]] = value
		}
	}
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		keys := []string{sm.redisKey(sess.ID)}
		if sess.previousID != "" {
			keys = append(keys, sm.redisKey(sess.previousID))
		}
		if err := sm.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}

	key := sm.redisKey(sess.ID)
	pipe := sm.client.TxPipeline()
	fields := make([]any, 0, 2*(len(sess.changed)+3))
	if sess.isNew {
		fields = append(fields, fieldCreated, strconv.FormatInt(time.Now().UTC().Unix(), 10))
	}
	for k := range sess.changed {
		fields = append(fields, valuePrefix+k, sess.values[k])
	}
	if sess.userDirty {
		fields = append(fields, fieldUser, sess.userID)
	}
	if sess.flashesDirty {
		data, err := json.Marshal(sess.flashes)
		if err != nil {
			return err
		}
		fields = append(fields, fieldFlashes, string(data))
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields...)
	}
	if len(sess.removed) > 0 {
		removed := make([]string, 0, len(sess.removed))
		for k := range sess.removed {
			removed = append(removed, valuePrefix+k)
		}
		pipe.HDel(ctx, key, removed...)
	}
	pipe.Expire(ctx, key, sm.ttl)
	if sess.previousID != "" {
		pipe.Del(ctx, sm.redisKey(sess.previousID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	sess.markClean()

	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sm.ttl),
	})
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// Renew moves sess to a fresh ID and keeps its contents. The next Commit stores the
// whole session under the new ID, deletes the old record and sends the new cookie. Call
// it whenever the session becomes authenticated.
func (sm *SessionManager) Renew(sess *Session) {
	if sess == nil || sess.destroyed {
		return
	}
	if !sess.isNew && sess.previousID == "" {
		sess.previousID = sess.ID
	}
	sess.ID = sm.generateSessionID()
	sess.isNew = true
	for k := range sess.values {
		sess.changed[k] = struct{}{}
	}
	sess.removed = make(map[string]struct{})
	sess.userDirty = true
	sess.flashesDirty = true
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// GetValue reads a single value of a stored session outside of a request.
func (sm *SessionManager) GetValue(ctx context.Context, sessionID, key string) (string, error) {
	value, err := sm.client.HGet(ctx, sm.redisKey(sessionID), valuePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// SetValue replaces a single value of a stored session outside of a request. The write is
// one atomic HSET and is skipped when the session no longer exists.
func (sm *SessionManager) SetValue(ctx context.Context, sessionID, key, value string) (bool, error) {
	res, err := setIfExists.Run(ctx, sm.client, []string{sm.redisKey(sessionID)}, valuePrefix+key, value).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Session helpers

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.changed[key] = struct{}{}
	delete(s.removed, key)
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	delete(s.changed, key)
	s.removed[key] = struct{}{}
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id string) {
	s.userID = id
	s.userDirty = true
}

// User returns the current user ID.
func (s *Session) User() string {
	return s.userID
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.flashes = append(s.flashes, msg)
	s.flashesDirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	msg := s.flashes[0]
	s.flashes = s.flashes[1:]
	s.flashesDirty = true
	return &msg
}

func (s *Session) markClean() {
	s.isNew = false
	s.previousID = ""
	s.changed = make(map[string]struct{})
	s.removed = make(map[string]struct{})
	s.userDirty = false
	s.flashesDirty = false
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		values:  make(map[string]string),
		manager: sm,
		isNew:   true,
		changed: make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
