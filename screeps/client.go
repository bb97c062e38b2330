// Package screeps is the entry point of the library. A Client pairs the HTTP
// API with a socket session sharing the same token.
//
// Example:
//
//	client, err := screeps.New(screeps.NewConfig("https://screeps.com/", token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.On("console", func(msg screeps.Message) {
//	    fmt.Println(string(msg.Payload))
//	})
//	if err := client.Subscribe(ctx, "console"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package screeps

import (
	"context"
	"encoding/json"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/rest"
	"github.com/luciancaetano/screepsnet/internal/socket"
)

type HTTPClient = rest.Client
type Session = socket.Session

var _ screepsnet.Socket = (*Session)(nil)
var _ screepsnet.TokenProvider = (*HTTPClient)(nil)

// Client is a game server client.
type Client struct {
	http   *rest.Client
	socket *socket.Session
}

// New creates a client. No request is made and no connection is opened until a
// method needs one.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	httpCfg := rest.DefaultConfig()
	if cfg.HTTP != nil {
		c := *cfg.HTTP
		httpCfg = &c
	}
	if httpCfg.Logger == nil {
		httpCfg.Logger = cfg.Logger
	}

	sockCfg := socket.DefaultConfig()
	if cfg.Socket != nil {
		c := *cfg.Socket
		sockCfg = &c
	}
	if sockCfg.Logger == nil {
		sockCfg.Logger = cfg.Logger
	}

	h, err := rest.New(httpCfg)
	if err != nil {
		return nil, err
	}
	sockCfg.URL = h.URL()

	s, err := socket.New(sockCfg, h)
	if err != nil {
		return nil, err
	}

	return &Client{http: h, socket: s}, nil
}

// HTTP returns the HTTP transport, which is also the token provider.
func (c *Client) HTTP() *HTTPClient {
	return c.http
}

// Socket returns the socket session.
func (c *Client) Socket() *Session {
	return c.socket
}

// Close disconnects the socket and releases its listeners.
func (c *Client) Close() error {
	return c.socket.Close()
}

// Auth signs in, or restores a stored token, and returns the token.
func (c *Client) Auth(ctx context.Context) (string, error) {
	return c.http.Auth(ctx)
}

// Token returns the current token.
func (c *Client) Token() string {
	return c.http.Token()
}

// Connect opens the socket and waits for the auth handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.socket.Connect(ctx)
}

// Disconnect closes the socket without reconnecting.
func (c *Client) Disconnect() error {
	return c.socket.Disconnect()
}

// State returns the socket state.
func (c *Client) State() screepsnet.State {
	return c.socket.State()
}

// Subscribe adds a reference to topic. Bare topics are scoped to the current user.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.socket.Subscribe(ctx, topic)
}

// Unsubscribe drops a reference to topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.socket.Unsubscribe(ctx, topic)
}

// SubscribeFunc subscribes to topic and routes its frames to fn. The returned
// function unsubscribes and removes the listener.
func (c *Client) SubscribeFunc(ctx context.Context, topic string, fn func(Message)) (func(context.Context) error, error) {
	return c.socket.SubscribeFunc(ctx, topic, fn)
}

// On registers a listener for a dispatch key: a full topic, a kind, a topic
// name or "message".
func (c *Client) On(key string, fn func(Message)) func() {
	return c.socket.On(key, fn)
}

// OnError registers a listener for socket errors, including reconnect failures.
func (c *Client) OnError(fn func(error)) func() {
	return c.socket.OnError(fn)
}

// OnStateChange registers a listener for socket state transitions.
func (c *Client) OnStateChange(fn func(Transition)) func() {
	return c.socket.OnStateChange(fn)
}

// OnRateLimit registers a listener for quota headers on HTTP responses.
func (c *Client) OnRateLimit(fn func(RateLimitEvent)) func() {
	return c.http.OnRateLimit(fn)
}

// RateLimit returns the last known quota for a request.
func (c *Client) RateLimit(method, path string) RateLimitRecord {
	return c.http.RateLimit(method, path)
}

// Call invokes a named endpoint, see Endpoints.
func (c *Client) Call(ctx context.Context, name string, params Params, out any) error {
	return c.http.Call(ctx, name, params, out)
}

// Me returns the signed in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	return c.http.Me(ctx)
}

// UserID returns the id of the signed in user.
func (c *Client) UserID(ctx context.Context) (string, error) {
	return c.http.UserID(ctx)
}

// Version returns the server version and protocol information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	return c.http.Version(ctx)
}

// GameTime returns the current tick of shard.
func (c *Client) GameTime(ctx context.Context, shard string) (int64, error) {
	return c.http.GameTime(ctx, shard)
}

// Console runs an expression. Its output arrives on the "console" topic.
func (c *Client) Console(ctx context.Context, expression, shard string) error {
	_, err := c.http.Console(ctx, expression, shard)
	return err
}

// Memory reads Memory at path. An empty path reads the whole object.
func (c *Client) Memory(ctx context.Context, path, shard string) (json.RawMessage, error) {
	return c.http.Memory(ctx, path, shard)
}

// SetMemory writes value to Memory at path.
func (c *Client) SetMemory(ctx context.Context, path string, value any, shard string) error {
	return c.http.SetMemory(ctx, path, value, shard)
}

// MemorySegment reads a raw memory segment.
func (c *Client) MemorySegment(ctx context.Context, segment int, shard string) (string, error) {
	return c.http.MemorySegment(ctx, segment, shard)
}

// SetMemorySegment replaces the contents of a raw memory segment.
func (c *Client) SetMemorySegment(ctx context.Context, segment int, data, shard string) error {
	return c.http.SetMemorySegment(ctx, segment, data, shard)
}

// History returns the replay chunk of room containing tick.
func (c *Client) History(ctx context.Context, room string, tick int64, shard string) (json.RawMessage, error) {
	return c.http.History(ctx, room, tick, shard)
}
