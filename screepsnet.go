package screepsnet

import (
	"context"
	"encoding/json"
	"strconv"
)

// Socket defines the persistent, auto-reconnecting connection to a game server's
// socket endpoint.
//
// All frames exchanged with the server are plain text. Commands issued before the
// authentication handshake completes are queued and flushed in order afterwards.
//
// Example usage:
//
//	client, _ := screeps.New(screeps.DefaultConfig())
//	sock := client.Socket()
//
//	sock.On("console", func(msg screepsnet.Message) {
//	    fmt.Println(string(msg.Payload))
//	})
//	sock.Subscribe(ctx, "console")
//
//	if err := sock.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Socket interface {
	// Connect opens the transport and runs the authentication handshake.
	//
	// It returns once the session is authenticated. Calling Connect while a
	// connection attempt or reconnect loop is in flight waits for that attempt
	// instead of opening a second transport.
	//
	// Returns an error wrapping ErrConnection when the transport cannot be opened
	// and ErrAuthentication when the server rejects the token.
	Connect(ctx context.Context) error

	// Disconnect closes the transport without triggering a reconnect.
	//
	// Pending commands are discarded. Subscriptions are kept so that a later
	// Connect replays them.
	Disconnect() error

	// Reset disconnects and forgets every subscription.
	Reset() error

	// Send writes a raw command frame, or queues it until the session is
	// authenticated. It never blocks.
	Send(frame string)

	// Gzip asks the server to compress (or stop compressing) outbound frames.
	Gzip(on bool)

	// Subscribe registers interest in a topic.
	//
	// Topics without a namespace (for example "console") are scoped to the
	// current user, which may require a user lookup over HTTP.
	Subscribe(ctx context.Context, topic string) error

	// Unsubscribe drops one reference to a topic.
	Unsubscribe(ctx context.Context, topic string) error

	// On registers a listener for a dispatch key: a full topic key
	// ("console:<id>/console"), a message kind ("console"), a logical topic,
	// a server channel ("time") or "message" for every frame.
	//
	// The returned function removes the listener.
	On(key string, fn func(Message)) (cancel func())

	// OnError registers a listener that receives every error raised by the
	// session, including failures during background reconnection.
	OnError(fn func(error)) (cancel func())

	// State returns the current connection state.
	State() State
}

// TokenProvider owns the authentication token shared by the HTTP transport and
// the socket session.
type TokenProvider interface {
	// Token returns the current token, or an empty string if none is known.
	Token() string

	// SetToken replaces the current token and notifies OnToken listeners when it
	// changed.
	SetToken(token string)

	// Auth signs in with the configured credentials and returns the new token.
	Auth(ctx context.Context) (string, error)

	// UserID returns the identifier of the authenticated user. The value is
	// looked up once and cached.
	UserID(ctx context.Context) (string, error)

	// OnToken registers a listener called whenever a new token is obtained.
	OnToken(fn func(token string)) (cancel func())
}

// Message is a decoded inbound frame.
//
// Data frames ("[key, payload]") fill Key, Kind, EntityID, Topic and Payload.
// Control frames ("time 12345") set Kind to KindServer and fill Channel and Data;
// auth replies also fill Status and Token, and single-value channels
// (protocol, time, package) fill Value.
type Message struct {
	Key      string
	Kind     string
	EntityID string
	Topic    string
	Payload  json.RawMessage

	Channel string
	Data    []string
	Status  string
	Token   string
	Value   string
}

// IsServer reports whether the message is a control frame.
func (m Message) IsServer() bool {
	return m.Kind == KindServer
}

// Int parses Value as an integer, for "time", "protocol" and "package" frames.
func (m Message) Int() (int64, error) {
	return strconv.ParseInt(m.Value, 10, 64)
}

// Decode unmarshals the payload of a data frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// State is the connection state of a socket session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
