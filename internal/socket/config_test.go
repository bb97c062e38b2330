package socket

import (
	"testing"
	"time"
)

// TestBackoff tests the reconnect delay schedule
func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := 60 * time.Second

	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{9, 51200 * time.Millisecond},
		{10, 60 * time.Second},
		{40, 60 * time.Second},
		{64, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.n, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

// TestSocketURL tests scheme rewriting and the socket path suffix
func TestSocketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{"official", "https://screeps.com/", "wss://screeps.com/socket/websocket", false},
		{"season", "https://screeps.com/season/", "wss://screeps.com/season/socket/websocket", false},
		{"no trailing slash", "https://screeps.com/ptr", "wss://screeps.com/ptr/socket/websocket", false},
		{"private", "http://localhost:21025", "ws://localhost:21025/socket/websocket", false},
		{"query dropped", "http://localhost:21025/?x=1", "ws://localhost:21025/socket/websocket", false},
		{"bad scheme", "ftp://example.com", "", true},
		{"no host", "http:///", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SocketURL(tt.base)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SocketURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWithDefaults tests that zero values are filled in
func TestWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{MaxRetries: 3, KeepAlive: -time.Second}).withDefaults()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.KeepAlive != 0 {
		t.Errorf("KeepAlive = %v, want 0", cfg.KeepAlive)
	}
	if cfg.SendBuffer != 256 || cfg.MaxRetryDelay != time.Minute || cfg.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Dialer == nil || cfg.Logger == nil {
		t.Error("Dialer and Logger must be set")
	}
}
