package screepsnet

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the socket session and the HTTP transport. Use
// errors.Is to match them; concrete errors wrap one of these with context.
var (
	// ErrConnection means the transport failed to open or closed before the
	// session was authenticated.
	ErrConnection = errors.New("connection error")

	// ErrAuthentication means sign-in was rejected or the socket handshake
	// failed after one token refresh.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDecode means an inbound frame could not be decoded. The frame is
	// dropped and the connection stays open.
	ErrDecode = errors.New("decode error")

	// ErrReconnectExhausted means the reconnect loop used up its retry budget.
	ErrReconnectExhausted = errors.New("reconnect exhausted")

	// ErrRateLimited is returned when the server answers 429 with rate limit
	// headers. The tracker holds the quota state.
	ErrRateLimited = errors.New("rate limited")

	ErrNotAuthorized  = errors.New("not authorized")
	ErrRetryLimit     = errors.New("exceeded retry limit")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrSessionClosed  = errors.New("session closed")
	ErrNoCredentials  = errors.New("no credentials configured")
)

// APIError is a server reply carrying an "error" field.
type APIError struct {
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Message)
}

// HTTPError is a non-2xx HTTP response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}
