package screeps

import (
	"log/slog"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/config"
	"github.com/luciancaetano/screepsnet/internal/codec"
	"github.com/luciancaetano/screepsnet/internal/ratelimit"
	"github.com/luciancaetano/screepsnet/internal/rest"
	"github.com/luciancaetano/screepsnet/internal/socket"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig = rest.Config

// SocketConfig configures the socket session.
type SocketConfig = socket.Config

// RateLimitConfig configures client side request pacing.
type RateLimitConfig = rest.RateLimitConfig

// RateLimitEvent reports quota headers seen on a response.
type RateLimitEvent = rest.RateLimitEvent

// ResponseEvent reports a completed HTTP request.
type ResponseEvent = rest.ResponseEvent

// RateLimitRecord is the last known quota of an endpoint.
type RateLimitRecord = ratelimit.Record

// Transition is a change of socket state.
type Transition = socket.Transition

// Endpoint describes a named HTTP endpoint.
type Endpoint = rest.Endpoint

// Params are request parameters.
type Params = rest.Params

// Message is a decoded socket frame.
type Message = screepsnet.Message

// User is a game account.
type User = rest.User

// VersionResponse is the reply of the version endpoint.
type VersionResponse = rest.VersionResponse

// Compression selects how "gz:" frames are inflated.
type Compression = codec.Compression

// Compression variants of "gz:" socket frames.
const (
	Deflate    = codec.Deflate
	Gzip       = codec.Gzip
	RawDeflate = codec.RawDeflate
)

// Config bundles the HTTP and socket configuration of a Client.
type Config struct {
	HTTP   *HTTPConfig
	Socket *SocketConfig
	// Logger is used by both transports unless they set their own.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration for the official server.
func DefaultConfig() *Config {
	return &Config{
		HTTP:   rest.DefaultConfig(),
		Socket: socket.DefaultConfig(),
	}
}

// NewConfig returns the default configuration pointed at url and
// authenticating with token.
func NewConfig(url, token string) *Config {
	cfg := DefaultConfig()
	cfg.HTTP.URL = url
	cfg.HTTP.Token = token
	return cfg
}

// FromServer converts a server entry of the credentials file.
func FromServer(s config.Server) *Config {
	cfg := DefaultConfig()
	cfg.HTTP.URL = s.URL()
	cfg.HTTP.Token = s.Token
	cfg.HTTP.Username = s.Username
	cfg.HTTP.Password = s.Password
	cfg.HTTP.Shard = s.ShardOrDefault()
	return cfg
}

// FromEnv builds a configuration from SCREEPS_* environment variables.
func FromEnv() (*Config, error) {
	s, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return FromServer(s), nil
}

// Load reads the named server from the first credentials file on the search
// path.
func Load(name string) (*Config, error) {
	s, err := config.Load(name)
	if err != nil {
		return nil, err
	}
	return FromServer(s), nil
}

// DefaultRateLimitConfig paces HTTP requests at the global server quota.
func DefaultRateLimitConfig() *RateLimitConfig {
	return rest.DefaultRateLimitConfig()
}

// NoRateLimit disables client side request pacing.
func NoRateLimit() *RateLimitConfig {
	return rest.NoRateLimit()
}

// ParseCompression parses "deflate", "gzip" or "raw".
func ParseCompression(s string) (Compression, error) {
	return codec.ParseCompression(s)
}

// Endpoints lists the named HTTP endpoints accepted by Client.Call.
func Endpoints() []Endpoint {
	return rest.Endpoints()
}
