package screeps_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/config"
	"github.com/luciancaetano/screepsnet/internal/logger"
	"github.com/luciancaetano/screepsnet/internal/screepstest"
	"github.com/luciancaetano/screepsnet/screeps"
)

func quietLogger() *slog.Logger {
	return logger.New(io.Discard, &logger.Options{Level: slog.LevelDebug})
}

func newClient(t *testing.T, srv *screepstest.Server, mutate func(*screeps.Config)) *screeps.Client {
	t.Helper()

	cfg := screeps.NewConfig(srv.URL(), "")
	cfg.Logger = quietLogger()
	cfg.HTTP.RateLimit = screeps.NoRateLimit()
	cfg.Socket.RetryBaseDelay = 10 * time.Millisecond
	cfg.Socket.MaxRetryDelay = 50 * time.Millisecond
	cfg.Socket.AuthTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	client, err := screeps.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type consolePayload struct {
	Messages struct {
		Log     []string `json:"log"`
		Results []string `json:"results"`
	} `json:"messages"`
}

func receive(t *testing.T, ch <-chan screeps.Message) screeps.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return screeps.Message{}
	}
}

func TestSignInAndConsole(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(&screepstest.Config{Username: "bob", Password: "hunter2"})
	defer srv.Close()

	client := newClient(t, srv, func(c *screeps.Config) {
		c.HTTP.Username = "bob"
		c.HTTP.Password = "hunter2"
	})
	ctx := testContext(t)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.Token() == "" {
		t.Fatal("no token after Connect")
	}
	if got := client.State(); got != screepsnet.StateAuthenticated {
		t.Fatalf("State() = %v, want authenticated", got)
	}

	msgs := make(chan screeps.Message, 4)
	cancel, err := client.SubscribeFunc(ctx, "console", func(m screeps.Message) { msgs <- m })
	if err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}
	topic := "user:" + srv.UserID() + "/console"
	waitFor(t, "subscription", func() bool { return srv.Subscribers(topic) == 1 })

	if err := client.Console(ctx, "Game.time", ""); err != nil {
		t.Fatalf("Console: %v", err)
	}

	msg := receive(t, msgs)
	if msg.Key != topic {
		t.Errorf("Key = %q, want %q", msg.Key, topic)
	}
	var p consolePayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Messages.Results) != 1 || p.Messages.Results[0] != "Game.time" {
		t.Errorf("results = %v", p.Messages.Results)
	}

	if err := cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "unsubscribe", func() bool { return srv.Subscribers(topic) == 0 })
}

func TestSubscriptionsSurviveDrop(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(nil)
	defer srv.Close()
	token := srv.IssueToken()

	client := newClient(t, srv, func(c *screeps.Config) { c.HTTP.Token = token })
	ctx := testContext(t)

	if err := client.Subscribe(ctx, "cpu"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Subscribe(ctx, "roomMap2:shard0/W1N1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cpu := "user:" + srv.UserID() + "/cpu"
	waitFor(t, "initial subscriptions", func() bool {
		return srv.Subscribers(cpu) == 1 && srv.Subscribers("roomMap2:shard0/W1N1") == 1
	})

	var mu sync.Mutex
	var transitions []screepsnet.State
	client.OnStateChange(func(tr screeps.Transition) {
		mu.Lock()
		transitions = append(transitions, tr.To)
		mu.Unlock()
	})

	srv.DropConnections()
	waitFor(t, "replay", func() bool {
		return srv.Dials() == 2 && srv.Subscribers(cpu) == 1 && srv.Subscribers("roomMap2:shard0/W1N1") == 1
	})
	waitFor(t, "authenticated", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) > 0 && transitions[len(transitions)-1] == screepsnet.StateAuthenticated
	})

	mu.Lock()
	got := append([]screepsnet.State(nil), transitions...)
	mu.Unlock()
	if len(got) < 2 || got[0] != screepsnet.StateDisconnected || got[1] != screepsnet.StateReconnecting {
		t.Errorf("transitions = %v, want disconnected then reconnecting", got)
	}

	msgs := make(chan screeps.Message, 1)
	client.On("cpu", func(m screeps.Message) { msgs <- m })
	if n, err := srv.Publish(cpu, map[string]int{"cpu": 7}); err != nil || n != 1 {
		t.Fatalf("Publish() = %d, %v", n, err)
	}
	var payload struct {
		CPU int `json:"cpu"`
	}
	if err := receive(t, msgs).Decode(&payload); err != nil || payload.CPU != 7 {
		t.Errorf("payload = %+v, %v", payload, err)
	}
}

func TestCompressedFrames(t *testing.T) {
	t.Parallel()

	for _, c := range []screeps.Compression{screeps.Deflate, screeps.Gzip, screeps.RawDeflate} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			srv := screepstest.New(&screepstest.Config{Compression: c})
			defer srv.Close()
			token := srv.IssueToken()

			client := newClient(t, srv, func(cfg *screeps.Config) {
				cfg.HTTP.Token = token
				cfg.Socket.Compression = c
			})
			ctx := testContext(t)

			msgs := make(chan screeps.Message, 1)
			client.On("memory/stats", func(m screeps.Message) { msgs <- m })
			if err := client.Connect(ctx); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			client.Socket().Gzip(true)
			topic := "user:" + srv.UserID() + "/memory/stats"
			if err := client.Subscribe(ctx, topic); err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			waitFor(t, "subscription", func() bool { return srv.Subscribers(topic) == 1 })
			waitFor(t, "gzip on", func() bool {
				for _, f := range srv.Received() {
					if f == "gzip on" {
						return true
					}
				}
				return false
			})

			if _, err := srv.Publish(topic, map[string]string{"hello": "world"}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			msg := receive(t, msgs)
			if msg.Topic != "memory/stats" {
				t.Errorf("Topic = %q, want memory/stats", msg.Topic)
			}
			if got, want := string(msg.Payload), `{"hello":"world"}`; got != want {
				t.Errorf("Payload = %s, want %s", got, want)
			}
		})
	}
}

func TestSocketReauth(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(nil)
	defer srv.Close()

	client := newClient(t, srv, func(c *screeps.Config) {
		c.HTTP.Username = "tester"
		c.HTTP.Password = "secret"
	})
	ctx := testContext(t)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := client.Token()
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	srv.RevokeTokens()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect after revoke: %v", err)
	}
	if client.Token() == first {
		t.Error("token was not refreshed after socket auth failure")
	}
}

func TestAuthFailure(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(nil)
	defer srv.Close()

	client := newClient(t, srv, func(c *screeps.Config) { c.HTTP.Token = "revoked" })
	ctx := testContext(t)

	errs := make(chan error, 4)
	client.OnError(func(err error) { errs <- err })

	err := client.Connect(ctx)
	if !errors.Is(err, screepsnet.ErrAuthentication) {
		t.Fatalf("Connect() error = %v, want ErrAuthentication", err)
	}
	if got := client.State(); got != screepsnet.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	select {
	case got := <-errs:
		if !errors.Is(got, screepsnet.ErrAuthentication) {
			t.Errorf("emitted %v, want ErrAuthentication", got)
		}
	case <-time.After(5 * time.Second):
		t.Error("no error emitted")
	}
	if srv.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1", srv.Dials())
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(nil)
	defer srv.Close()
	token := srv.IssueToken()

	client := newClient(t, srv, func(c *screeps.Config) { c.HTTP.Token = token })
	ctx := testContext(t)

	limits := make(chan screeps.RateLimitEvent, 4)
	client.OnRateLimit(func(ev screeps.RateLimitEvent) { limits <- ev })

	if err := client.SetMemory(ctx, "rooms.W1N1", map[string]int{"level": 3}, ""); err != nil {
		t.Fatalf("SetMemory: %v", err)
	}
	raw, err := client.Memory(ctx, "rooms.W1N1", "")
	if err != nil {
		t.Fatalf("Memory: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	if got["level"] != 3 {
		t.Errorf("memory = %v", got)
	}

	rec := client.RateLimit(http.MethodGet, "/api/user/memory")
	if rec.Limit != 1440 || rec.Remaining != 1438 {
		t.Errorf("rate limit = %+v, want limit 1440 remaining 1438", rec)
	}
	if len(limits) != 2 {
		t.Errorf("rate limit events = %d, want 2", len(limits))
	}

	if err := client.SetMemorySegment(ctx, 4, "segment data", ""); err != nil {
		t.Fatalf("SetMemorySegment: %v", err)
	}
	seg, err := client.MemorySegment(ctx, 4, "")
	if err != nil || seg != "segment data" {
		t.Errorf("MemorySegment() = %q, %v", seg, err)
	}
}

func TestServerInfo(t *testing.T) {
	t.Parallel()

	srv := screepstest.New(nil)
	defer srv.Close()
	srv.SetGameTime(4242)
	token := srv.IssueToken()

	client := newClient(t, srv, func(c *screeps.Config) { c.HTTP.Token = token })
	ctx := testContext(t)

	v, err := client.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.Protocol != 14 || v.ServerData.HistoryChunkSize != 20 {
		t.Errorf("Version() = %+v", v)
	}

	tick, err := client.GameTime(ctx, "")
	if err != nil || tick != 4242 {
		t.Errorf("GameTime() = %d, %v", tick, err)
	}

	me, err := client.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != srv.UserID() || me.Username != "tester" {
		t.Errorf("Me() = %+v", me)
	}

	var auth struct {
		Name string `json:"name"`
	}
	if err := client.Call(ctx, "authmod", nil, &auth); err != nil || auth.Name != "screepsmod-auth" {
		t.Errorf("Call(authmod) = %+v, %v", auth, err)
	}
}

func TestFromServer(t *testing.T) {
	t.Parallel()

	no := false
	cfg := screeps.FromServer(config.Server{
		Host:     "localhost",
		Port:     21025,
		Secure:   &no,
		Username: "bob",
		Password: "pw",
	})
	if cfg.HTTP.URL != "http://localhost:21025/" {
		t.Errorf("URL = %q", cfg.HTTP.URL)
	}
	if cfg.HTTP.Shard != screepsnet.DefaultShard {
		t.Errorf("Shard = %q", cfg.HTTP.Shard)
	}

	client, err := screeps.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()
	if got, want := client.Socket().URL(), "ws://localhost:21025/socket/websocket"; got != want {
		t.Errorf("socket URL = %q, want %q", got, want)
	}
}
