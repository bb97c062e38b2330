package screepsnet

// Outbound socket commands.
const (
	CmdAuth        = "auth"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdGzip        = "gzip"
)

// Inbound control channels and dispatch keys.
const (
	ChannelAuth     = "auth"
	ChannelProtocol = "protocol"
	ChannelTime     = "time"
	ChannelPackage  = "package"

	// KindServer is the Kind of every control frame.
	KindServer = "server"

	// EventMessage receives every decoded frame.
	EventMessage = "message"

	AuthOK     = "ok"
	AuthFailed = "failed"
)

// CompressedPrefix tags a base64 encoded, compressed frame or payload.
const CompressedPrefix = "gz:"

// SocketPath is appended to the server base URL to reach the socket endpoint.
const SocketPath = "socket/websocket"

// HTTP headers used by the game server.
const (
	HeaderToken              = "X-Token"
	HeaderUsername           = "X-Username"
	HeaderRateLimitLimit     = "X-Ratelimit-Limit"
	HeaderRateLimitRemaining = "X-Ratelimit-Remaining"
	HeaderRateLimitReset     = "X-Ratelimit-Reset"
)

// Well known server values.
const (
	OfficialHost = "screeps.com"
	DefaultShard = "shard0"
)
