package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/screepsnet"
)

func compress(t *testing.T, c Compression, text string) string {
	t.Helper()

	var buf bytes.Buffer
	var w interface {
		Write([]byte) (int, error)
		Close() error
	}
	switch c {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case RawDeflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatalf("flate.NewWriter() failed: %v", err)
		}
		w = fw
	default:
		w = zlib.NewWriter(&buf)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	return screepsnet.CompressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// TestEncode tests command frame construction
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		args    []string
		want    string
	}{
		{"auth", screepsnet.CmdAuth, []string{"abc"}, "auth abc"},
		{"subscribe", screepsnet.CmdSubscribe, []string{"user:u1/console"}, "subscribe user:u1/console"},
		{"gzip on", screepsnet.CmdGzip, []string{"on"}, "gzip on"},
		{"no args", "ping", nil, "ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Encode(tt.command, tt.args...); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestDecodeDataFrame tests array framed messages
func TestDecodeDataFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		frame        string
		wantKind     string
		wantEntityID string
		wantTopic    string
		wantPayload  string
	}{
		{
			name:         "user scoped topic",
			frame:        `["user:u1/console",{"messages":{"log":["hi"]}}]`,
			wantKind:     "user",
			wantEntityID: "u1",
			wantTopic:    "console",
			wantPayload:  `{"messages":{"log":["hi"]}}`,
		},
		{
			name:         "topic defaults to kind",
			frame:        `["roomMap2:W1N1",{"w":[]}]`,
			wantKind:     "roomMap2",
			wantEntityID: "W1N1",
			wantTopic:    "roomMap2",
			wantPayload:  `{"w":[]}`,
		},
		{
			name:         "nested topic path",
			frame:        `["user:u1/memory/creeps.a",42]`,
			wantKind:     "user",
			wantEntityID: "u1",
			wantTopic:    "memory/creeps.a",
			wantPayload:  `42`,
		},
		{
			name:         "room with shard",
			frame:        `["room:shard0/W7N3",{}]`,
			wantKind:     "room",
			wantEntityID: "shard0",
			wantTopic:    "W7N3",
			wantPayload:  `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Decode(tt.frame, Deflate)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if msg.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", msg.Kind, tt.wantKind)
			}
			if msg.EntityID != tt.wantEntityID {
				t.Errorf("EntityID = %q, want %q", msg.EntityID, tt.wantEntityID)
			}
			if msg.Topic != tt.wantTopic {
				t.Errorf("Topic = %q, want %q", msg.Topic, tt.wantTopic)
			}
			if string(msg.Payload) != tt.wantPayload {
				t.Errorf("Payload = %s, want %s", msg.Payload, tt.wantPayload)
			}
			if msg.IsServer() {
				t.Error("data frame reported as server frame")
			}
		})
	}
}

// TestDecodeServerFrame tests space delimited control frames
func TestDecodeServerFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		frame       string
		wantChannel string
		wantStatus  string
		wantToken   string
		wantValue   string
	}{
		{"auth ok with token", "auth ok abc123", "auth", "ok", "abc123", ""},
		{"auth failed", "auth failed", "auth", "failed", "", ""},
		{"time", "time 123456", "time", "", "", "123456"},
		{"protocol", "protocol 14", "protocol", "", "", "14"},
		{"package", "package 170", "package", "", "", "170"},
		{"unknown channel", "hello world", "hello", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Decode(tt.frame, Deflate)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if !msg.IsServer() {
				t.Fatalf("Kind = %q, want %q", msg.Kind, screepsnet.KindServer)
			}
			if msg.Channel != tt.wantChannel {
				t.Errorf("Channel = %q, want %q", msg.Channel, tt.wantChannel)
			}
			if msg.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", msg.Status, tt.wantStatus)
			}
			if msg.Token != tt.wantToken {
				t.Errorf("Token = %q, want %q", msg.Token, tt.wantToken)
			}
			if msg.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", msg.Value, tt.wantValue)
			}
		})
	}
}

// TestDecodeCompressedFrame covers the compressed console scenario for each algorithm
func TestDecodeCompressedFrame(t *testing.T) {
	t.Parallel()

	const text = `["console:u1/console",{"messages":{"log":["hi"]}}]`

	for _, c := range []Compression{Deflate, Gzip, RawDeflate} {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			msg, err := Decode(compress(t, c, text), c)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if msg.Kind != "console" || msg.EntityID != "u1" || msg.Topic != "console" {
				t.Errorf("envelope = %+v", msg)
			}
			if string(msg.Payload) != `{"messages":{"log":["hi"]}}` {
				t.Errorf("Payload = %s", msg.Payload)
			}

			want := []string{"console:u1/console", "console", screepsnet.EventMessage}
			if got := Keys(msg); !reflect.DeepEqual(got, want) {
				t.Errorf("Keys() = %v, want %v", got, want)
			}
		})
	}
}

// TestDecodeCompressedControlFrame tests that control frames may be compressed too
func TestDecodeCompressedControlFrame(t *testing.T) {
	t.Parallel()

	msg, err := Decode(compress(t, Deflate, "time 99"), Deflate)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	n, err := msg.Int()
	if err != nil || n != 99 {
		t.Errorf("Int() = %d, %v, want 99", n, err)
	}
}

// TestDecodeErrors tests that malformed frames map to ErrDecode
func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		c     Compression
	}{
		{"malformed json", `["user:u1/console",`, Deflate},
		{"wrong arity", `["user:u1/console"]`, Deflate},
		{"non string key", `[1,{}]`, Deflate},
		{"key without kind", `["nocolon",{}]`, Deflate},
		{"bad base64", "gz:!!!", Deflate},
		{"not compressed data", "gz:" + base64.StdEncoding.EncodeToString([]byte("plain")), Deflate},
		{"wrong algorithm", "", Gzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame := tt.frame
			if frame == "" {
				frame = compress(t, Deflate, "time 1")
			}
			_, err := Decode(frame, tt.c)
			if !errors.Is(err, screepsnet.ErrDecode) {
				t.Errorf("Decode() error = %v, want ErrDecode", err)
			}
		})
	}
}

// TestKeysServer tests dispatch keys for control frames
func TestKeysServer(t *testing.T) {
	t.Parallel()

	msg, _ := Decode("time 5", Deflate)
	want := []string{"time", screepsnet.EventMessage}
	if got := Keys(msg); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

// TestDecodeRoundTrip checks that a subscribe key echoed by the server resolves to itself
func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, topic := range []string{"roomMap2:W1N1", "user:u1/cpu", "user:u1/console"} {
		cmd := Encode(screepsnet.CmdSubscribe, topic)
		key := strings.TrimPrefix(cmd, screepsnet.CmdSubscribe+" ")

		msg, err := Decode(`["`+key+`",null]`, Deflate)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if msg.Key != topic {
			t.Errorf("Key = %q, want %q", msg.Key, topic)
		}
		if Keys(msg)[0] != topic {
			t.Errorf("first dispatch key = %q, want %q", Keys(msg)[0], topic)
		}
	}
}

// TestParseCompression tests configuration parsing
func TestParseCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", Deflate, false},
		{"deflate", Deflate, false},
		{"GZIP", Gzip, false},
		{"raw", RawDeflate, false},
		{"brotli", Deflate, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// BenchmarkDecode benchmarks decoding a plain data frame
func BenchmarkDecode(b *testing.B) {
	frame := `["user:u1/console",{"messages":{"log":["benchmark payload"]}}]`
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(frame, Deflate)
	}
}

// TestCompress checks that Compress output inflates back for every algorithm
func TestCompress(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{Deflate, Gzip, RawDeflate} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			text := `["user:u1/cpu",{"cpu":12,"memory":3400}]`
			frame, err := Compress([]byte(text), c)
			if err != nil {
				t.Fatalf("Compress() failed: %v", err)
			}
			if !IsCompressed(frame) {
				t.Fatalf("Compress() output %q lacks prefix", frame)
			}
			got, err := Inflate(frame, c)
			if err != nil {
				t.Fatalf("Inflate() failed: %v", err)
			}
			if string(got) != text {
				t.Errorf("Inflate() = %q, want %q", got, text)
			}
		})
	}
}

func TestDataFrame(t *testing.T) {
	t.Parallel()

	frame, err := DataFrame("user:u1/console", map[string]any{"messages": map[string]any{"log": []string{"hi"}}})
	if err != nil {
		t.Fatalf("DataFrame() failed: %v", err)
	}
	msg, err := Decode(frame, Deflate)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if msg.Kind != "user" || msg.EntityID != "u1" || msg.Topic != "console" {
		t.Errorf("Decode() = %+v", msg)
	}
}

func BenchmarkDecodeConsole(b *testing.B) {
	frame := `["user:5a1b2c/console",{"messages":{"log":["tick"],"results":[]}}]`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(frame, Deflate)
	}
}

func BenchmarkDecodeCompressed(b *testing.B) {
	frame, err := Compress([]byte(`["roomMap2:shard0/W1N1",{"s":[[1,2],[3,4]],"w":[[5,6]]}]`), Deflate)
	if err != nil {
		b.Fatalf("Compress() failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(frame, Deflate)
	}
}
