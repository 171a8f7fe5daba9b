package storefront

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors returned by the session and channel layers.
// Callers match them with errors.Is.
var (
	// ErrInvalidCredentials is returned by Login when the backend rejects the credentials.
	// Not retryable; show it to the user.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionExpired means the refresh token is gone, invalid or expired.
	// The session has already been torn down when this is returned.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated is returned when an operation needs a session and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidInvitation is returned by RegisterAdmin when the invitation token does not validate.
	ErrInvalidInvitation = errors.New("invalid invitation token")

	// ErrForbidden is the local role guard for admin-only actions.
	ErrForbidden = errors.New("action requires admin role")

	// ErrChannelExhausted signals that a channel gave up reconnecting.
	ErrChannelExhausted = errors.New("channel reconnect attempts exhausted")
)

// NetworkError wraps a transport failure or an unexpected server status.
// It is retryable.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError carries field-level messages for form display.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Message == "" {
			return "validation failed"
		}
		return "validation failed: " + e.Message
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Field returns the first message for a field, or "".
func (e *ValidationError) Field(name string) string {
	if msgs := e.Fields[name]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// MalformedMessageError is reported when an inbound envelope cannot be decoded.
// The message is dropped.
type MalformedMessageError struct {
	Endpoint string
	Raw      []byte
	Err      error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on %s (%d bytes): %v", e.Endpoint, len(e.Raw), e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }
