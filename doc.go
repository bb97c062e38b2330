// Package screepsnet is a client library for the HTTP and socket APIs of Screeps
// game servers, both the official server and private servers.
//
// It signs in, issues calls against the REST endpoints and keeps a persistent,
// auto-reconnecting socket that streams console output, memory, room and CPU
// updates to per-topic listeners. The HTTP transport and the socket share one
// token: a token rotated by an HTTP response is picked up by the socket, and a
// socket auth failure signs in again over HTTP.
//
// This package holds the shared types: the Socket and TokenProvider interfaces,
// the decoded Message, connection states, wire constants and sentinel errors.
// Applications use the screeps package.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/screepsnet/screeps"
//	)
//
//	client, err := screeps.New(screeps.NewConfig("https://screeps.com/", token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Topics without a namespace are scoped to the current user:
//	// "console" becomes "user:<id>/console".
//	client.On("console", func(msg screepsnet.Message) {
//	    fmt.Println(string(msg.Payload))
//	})
//	client.Subscribe(ctx, "console")
//
//	// Subscriptions made before Connect are sent once the socket is
//	// authenticated.
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Credentials can also come from the .screeps.yaml file or the environment:
//
//	cfg, err := screeps.Load("main")  // servers.main in .screeps.yaml
//	cfg, err := screeps.FromEnv()     // SCREEPS_HOST, SCREEPS_TOKEN, ...
//
// # Socket Protocol
//
// All frames are text. The client sends space separated commands:
//
//	auth <token>
//	subscribe <topic>
//	unsubscribe <topic>
//	gzip on|off
//
// The server answers with control frames ("auth ok <token>", "auth failed",
// "time <tick>", "protocol <n>", "package <n>") and data frames:
//
//	["<kind>:<entity>/<topic>", <payload>]
//
// Any frame may be compressed and sent as "gz:" followed by base64. The
// algorithm (zlib deflate, gzip or raw deflate) is a configuration choice since
// the tag is the same for all of them.
//
// # Dispatch
//
// A data frame for "user:5a1b/console" reaches listeners registered on the full
// key, on the kind ("user"), on the topic ("console") and on "message". Control
// frames reach their channel name ("time") and "message".
//
// # Reconnect
//
// When an authenticated socket drops, the session reconnects with exponential
// backoff (min(max, base * 2^n)), authenticates again and replays its active
// subscriptions. Disconnect and Reset never reconnect. Failures in the
// background loop are delivered to OnError listeners; after MaxRetries the error
// wraps ErrReconnectExhausted.
//
// # Rate Limits
//
// Quota headers (X-RateLimit-Limit, -Remaining, -Reset) are tracked per endpoint.
// A 429 carrying them fails with ErrRateLimited. A 429 without them is retried
// with exponential backoff up to a retry limit. Client side pacing uses a token
// bucket:
//
//	cfg.HTTP.RateLimit = screeps.DefaultRateLimitConfig() // 2/s, burst 20
//	cfg.HTTP.RateLimit = screeps.NoRateLimit()
//
// # Errors
//
// Errors wrap the sentinels of this package and are matched with errors.Is:
// ErrConnection, ErrAuthentication, ErrDecode, ErrReconnectExhausted,
// ErrRateLimited. Non 2xx replies are *HTTPError; replies carrying an "error"
// field are *APIError.
package screepsnet
