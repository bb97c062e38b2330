package socket

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/codec"
)

// Config defines the behavior of a socket session.
type Config struct {
	// URL is the server base URL ("https://screeps.com/"). The socket URL is
	// derived from it.
	URL string

	// Reconnect restarts the connection after an unexpected close.
	Reconnect bool
	// Resubscribe replays active subscriptions after every handshake.
	Resubscribe bool
	// MaxRetries bounds consecutive failed reconnect attempts.
	MaxRetries int
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// RetryBaseDelay is the delay before the first reconnect attempt.
	RetryBaseDelay time.Duration

	// KeepAlive is the ping interval while authenticated. Zero disables pings.
	KeepAlive time.Duration
	// AuthTimeout bounds the wait for the server's auth reply.
	AuthTimeout time.Duration
	// SendBuffer is the per connection outbound frame buffer.
	SendBuffer int

	// Compression selects the algorithm behind "gz:" frames.
	Compression codec.Compression
	// ReauthOnTokenChange re-sends "auth" when the token provider rotates the
	// token of an authenticated session.
	ReauthOnTokenChange bool

	Dialer Dialer
	Logger *slog.Logger
}

// DefaultConfig returns the default session configuration:
// reconnect and resubscribe on, 10 retries capped at one minute, 10s pings.
func DefaultConfig() *Config {
	return &Config{
		URL:                 "https://" + screepsnet.OfficialHost + "/",
		Reconnect:           true,
		Resubscribe:         true,
		MaxRetries:          10,
		MaxRetryDelay:       60 * time.Second,
		RetryBaseDelay:      100 * time.Millisecond,
		KeepAlive:           10 * time.Second,
		AuthTimeout:         30 * time.Second,
		SendBuffer:          256,
		Compression:         codec.Deflate,
		ReauthOnTokenChange: true,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.URL == "" {
		out.URL = d.URL
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = d.MaxRetryDelay
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = d.RetryBaseDelay
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = d.AuthTimeout
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = d.SendBuffer
	}
	if out.KeepAlive < 0 {
		out.KeepAlive = 0
	}
	if out.Dialer == nil {
		out.Dialer = NewWebsocketDialer()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// Backoff returns the delay before reconnect attempt n (starting at 0):
// min(max, base * 2^n).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 62 || base > max>>uint(n) {
		return max
	}
	return base << uint(n)
}

// SocketURL rewrites a server base URL to its socket endpoint:
// "https://host/season/" becomes "wss://host/season/socket/websocket".
func SocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += screepsnet.SocketPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
