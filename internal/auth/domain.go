package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
)

// DenialState is a step of the access-denied flow.
type DenialState int

// Denial flow states.
const (
	DenialInitial DenialState = iota
	DenialRestoreAttempted
	DenialRestored
	DenialFinal
)

func (s DenialState) String() string {
	switch s {
	case DenialInitial:
		return "initial"
	case DenialRestoreAttempted:
		return "restore_attempted"
	case DenialRestored:
		return "restored"
	case DenialFinal:
		return "denied_final"
	}
	return "unknown"
}

// ResolveDenial runs the access-denied state machine from DenialInitial. attempted is the
// one-shot flag carried from the previous hop. When it is unset the flow moves to
// DenialRestoreAttempted and calls restore exactly once; restore must record the flag
// before doing any work.
func ResolveDenial(attempted bool, restore func() bool) DenialState {
	if attempted {
		return DenialFinal
	}
	if restore != nil && restore() {
		return DenialRestored
	}
	return DenialFinal
}

// DefaultLandingPath is used when a return URL is missing or unsafe.
const DefaultLandingPath = "/"

// SafeReturnURL returns raw when it is a same-origin relative path, and
// DefaultLandingPath otherwise.
func SafeReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '/' {
		return DefaultLandingPath
	}
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") || strings.ContainsAny(raw, "\\\r\n") {
		return DefaultLandingPath
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return DefaultLandingPath
	}
	return raw
}

func userFromProfile(p *backend.Profile, loginTime time.Time) *usersession.UserSession {
	return &usersession.UserSession{
		UserID:              p.UserID,
		FullName:            p.FullName,
		PreferredClientID:   p.PreferredClientID,
		PreferredCompanyID:  p.PreferredCompanyID,
		PreferredTimezoneID: p.PreferredTimezoneID,
		TimeZoneName:        p.TimeZoneName,
		LoginTime:           loginTime.UTC(),
	}
}
