// Package usersession reads and writes the signed-in user's profile and cached
// privileges in the server-side session, and keeps the privilege cache fresh.
package usersession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
)

// Session keys.
const (
	KeyCurrentUser       = "current_user"
	KeyCurrentPrivileges = "current_privileges"
)

// ErrSessionGone is returned by detached writes when the session was destroyed.
var ErrSessionGone = errors.New("usersession: session no longer exists")

// UserSession is the signed-in user's profile as kept in the session.
type UserSession struct {
	UserID              int64     `json:"userId"`
	FullName            string    `json:"fullName"`
	PreferredClientID   int64     `json:"preferredClientId"`
	PreferredCompanyID  int64     `json:"preferredCompanyId"`
	PreferredTimezoneID int64     `json:"preferredTimezoneId"`
	TimeZoneName        string    `json:"timeZoneName"`
	LoginTime           time.Time `json:"loginTime"`
}

// Values is the key-value surface an Accessor works on.
type Values interface {
	Value(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

// Accessor gives typed access to the user and privilege entries of one session.
type Accessor struct {
	values Values
}

// New wraps values.
func New(values Values) *Accessor {
	return &Accessor{values: values}
}

// ForRequest wraps the session loaded for the current request. Writes are persisted when
// the session is committed.
func ForRequest(sess *shared.Session) *Accessor {
	if sess == nil {
		return nil
	}
	return New(requestValues{sess: sess})
}

// FromContext wraps the session stored in ctx, or returns nil.
func FromContext(ctx context.Context) *Accessor {
	return ForRequest(shared.SessionFromContext(ctx))
}

// Detached works on a stored session outside of any request. Each write is a single
// atomic replacement of one key.
func Detached(manager *shared.SessionManager, sessionID string) *Accessor {
	return New(detachedValues{manager: manager, id: sessionID})
}

// CurrentUser returns the stored user, or nil when there is none.
func (a *Accessor) CurrentUser(ctx context.Context) (*UserSession, error) {
	if a == nil {
		return nil, shared.ErrSessionMissing
	}
	raw, err := a.values.Value(ctx, KeyCurrentUser)
	if err != nil || raw == "" {
		return nil, err
	}
	var user UserSession
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("usersession: decode user: %w", err)
	}
	return &user, nil
}

// SetCurrentUser replaces the stored user.
func (a *Accessor) SetCurrentUser(ctx context.Context, user *UserSession) error {
	if a == nil {
		return shared.ErrSessionMissing
	}
	if user == nil {
		return a.values.SetValue(ctx, KeyCurrentUser, "")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return a.values.SetValue(ctx, KeyCurrentUser, string(data))
}

// Privileges returns the cached snapshot, or nil when there is none.
func (a *Accessor) Privileges(ctx context.Context) (*rbac.Store, error) {
	if a == nil {
		return nil, shared.ErrSessionMissing
	}
	raw, err := a.values.Value(ctx, KeyCurrentPrivileges)
	if err != nil || raw == "" {
		return nil, err
	}
	store, err := rbac.UnmarshalStore([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("usersession: decode privileges: %w", err)
	}
	return store, nil
}

// SetPrivileges replaces the cached snapshot as a whole.
func (a *Accessor) SetPrivileges(ctx context.Context, store *rbac.Store) error {
	if a == nil {
		return shared.ErrSessionMissing
	}
	if store == nil {
		return a.values.SetValue(ctx, KeyCurrentPrivileges, "")
	}
	data, err := json.Marshal(store)
	if err != nil {
		return err
	}
	return a.values.SetValue(ctx, KeyCurrentPrivileges, string(data))
}

// Populated reports whether both the user and the privileges are present and readable.
func (a *Accessor) Populated(ctx context.Context) bool {
	user, err := a.CurrentUser(ctx)
	if err != nil || user == nil {
		return false
	}
	store, err := a.Privileges(ctx)
	return err == nil && store != nil
}

// PrivilegesFromContext is an rbac.PrivilegeLookup over the request session. Unreadable
// entries read as absent.
func PrivilegesFromContext(ctx context.Context) *rbac.Store {
	store, err := FromContext(ctx).Privileges(ctx)
	if err != nil {
		return nil
	}
	return store
}

type requestValues struct {
	sess *shared.Session
}

func (v requestValues) Value(_ context.Context, key string) (string, error) {
	return v.sess.Get(key), nil
}

func (v requestValues) SetValue(_ context.Context, key, value string) error {
	if value == "" {
		v.sess.Delete(key)
		return nil
	}
	v.sess.Set(key, value)
	if key == KeyCurrentUser {
		var user UserSession
		if err := json.Unmarshal([]byte(value), &user); err == nil && user.UserID > 0 {
			v.sess.SetUser(strconv.FormatInt(user.UserID, 10))
		}
	}
	return nil
}

type detachedValues struct {
	manager *shared.SessionManager
	id      string
}

func (v detachedValues) Value(ctx context.Context, key string) (string, error) {
	return v.manager.GetValue(ctx, v.id, key)
}

func (v detachedValues) SetValue(ctx context.Context, key, value string) error {
	ok, err := v.manager.SetValue(ctx, v.id, key, value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionGone
	}
	return nil
}

// MemoryValues is an in-process Values used by tests and tools.
type MemoryValues struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryValues returns an empty MemoryValues.
func NewMemoryValues() *MemoryValues {
	return &MemoryValues{data: map[string]string{}}
}

// Value implements Values.
func (m *MemoryValues) Value(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

// SetValue implements Values.
func (m *MemoryValues) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.data, key)
		return nil
	}
	m.data[key] = value
	return nil
}
