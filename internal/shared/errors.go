package shared

import "errors"

var (
	// ErrInvalidCredentials indicates the backend rejected a username and password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrSessionMissing occurs when a handler runs without the session middleware.
	ErrSessionMissing = errors.New("session missing")
	// ErrTempDataInvalid is returned for TempData cookies that fail verification.
	ErrTempDataInvalid = errors.New("tempdata signature mismatch")
)
