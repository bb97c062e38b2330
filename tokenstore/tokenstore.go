// Package tokenstore persists authentication tokens between client runs, so a
// restarted client can reuse a token instead of signing in again.
package tokenstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no token is stored under a key.
var ErrNotFound = errors.New("tokenstore: token not found")

// Store keeps one token per key.
type Store interface {
	// Get returns the token stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores token under key. A positive ttl expires the entry.
	Put(ctx context.Context, key, token string, ttl time.Duration) error

	// Delete removes the token under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}

// Key builds the store key for a server and account: "<host><path>|<username>".
// The URL scheme is ignored so http and https variants share a token.
func Key(serverURL, username string) string {
	host := serverURL
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		host = u.Host + strings.TrimSuffix(u.Path, "/")
	}
	return strings.ToLower(host) + "|" + username
}
