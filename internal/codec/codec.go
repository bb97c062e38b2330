package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/screepsnet"
)

const (
	prefixSize     = len(screepsnet.CompressedPrefix)
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max decompressed size
)

// Compression selects the algorithm behind the "gz:" tag. Both variants share the
// same textual tag, so the choice comes from configuration, never from the frame.
type Compression int

const (
	// Deflate is a zlib wrapped deflate stream, used by the official socket.
	Deflate Compression = iota
	// Gzip is used by the official server for memory payloads over HTTP.
	Gzip
	// RawDeflate is a headerless deflate stream.
	RawDeflate
)

func (c Compression) String() string {
	switch c {
	case Deflate:
		return "deflate"
	case Gzip:
		return "gzip"
	case RawDeflate:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseCompression parses "deflate", "gzip" or "raw".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deflate", "zlib", "inflate":
		return Deflate, nil
	case "gzip", "gz":
		return Gzip, nil
	case "raw", "raw-deflate", "flate":
		return RawDeflate, nil
	}
	return Deflate, fmt.Errorf("unknown compression %q", s)
}

// IsCompressed reports whether s carries the compressed payload tag.
func IsCompressed(s string) bool {
	return len(s) >= prefixSize && strings.HasPrefix(s, screepsnet.CompressedPrefix)
}

// Inflate strips the tag from s, base64 decodes the remainder and decompresses it.
func Inflate(s string, c Compression) ([]byte, error) {
	if !IsCompressed(s) {
		return nil, fmt.Errorf("%w: missing %q prefix", screepsnet.ErrDecode, screepsnet.CompressedPrefix)
	}

	raw, err := base64.StdEncoding.DecodeString(s[prefixSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", screepsnet.ErrDecode, err)
	}

	var r io.ReadCloser
	switch c {
	case Gzip:
		r, err = gzip.NewReader(bytes.NewReader(raw))
	case RawDeflate:
		r = flate.NewReader(bytes.NewReader(raw))
	default:
		r, err = zlib.NewReader(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", screepsnet.ErrDecode, c, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", screepsnet.ErrDecode, c, err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds maximum %d bytes", screepsnet.ErrDecode, maxPayloadSize)
	}
	return out, nil
}

// Compress is the inverse of Inflate: it compresses data and returns the tagged
// base64 text.
func Compress(data []byte, c Compression) (string, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case RawDeflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return "", err
		}
		w = fw
	default:
		w = zlib.NewWriter(&buf)
	}
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return screepsnet.CompressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DataFrame builds the "[key, payload]" frame the server sends for a topic.
func DataFrame(key string, payload any) (string, error) {
	b, err := json.Marshal([]any{key, payload})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode joins a command and its arguments into a text frame.
func Encode(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// Decode turns a raw frame into a Message. Compressed frames are inflated first.
func Decode(frame string, c Compression) (screepsnet.Message, error) {
	if IsCompressed(frame) {
		text, err := Inflate(frame, c)
		if err != nil {
			return screepsnet.Message{}, err
		}
		frame = string(text)
	}

	if strings.HasPrefix(frame, "[") {
		return decodeData(frame)
	}
	return decodeServer(frame), nil
}

// decodeData parses "[key, payload]".
func decodeData(frame string) (screepsnet.Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame), &parts); err != nil {
		return screepsnet.Message{}, fmt.Errorf("%w: %v", screepsnet.ErrDecode, err)
	}
	if len(parts) != 2 {
		return screepsnet.Message{}, fmt.Errorf("%w: expected 2 elements, got %d", screepsnet.ErrDecode, len(parts))
	}

	var key string
	if err := json.Unmarshal(parts[0], &key); err != nil {
		return screepsnet.Message{}, fmt.Errorf("%w: topic key: %v", screepsnet.ErrDecode, err)
	}

	kind, entityID, topic, err := SplitKey(key)
	if err != nil {
		return screepsnet.Message{}, err
	}

	return screepsnet.Message{
		Key:      key,
		Kind:     kind,
		EntityID: entityID,
		Topic:    topic,
		Payload:  parts[1],
	}, nil
}

// SplitKey splits "kind:entity[/topic]". The topic defaults to the kind.
func SplitKey(key string) (kind, entityID, topic string, err error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok || kind == "" || rest == "" {
		return "", "", "", fmt.Errorf("%w: malformed topic key %q", screepsnet.ErrDecode, key)
	}
	entityID, topic, ok = strings.Cut(rest, "/")
	if !ok || topic == "" {
		topic = kind
	}
	return kind, entityID, topic, nil
}

// decodeServer parses a space delimited control frame.
func decodeServer(frame string) screepsnet.Message {
	fields := strings.Split(frame, " ")
	msg := screepsnet.Message{
		Kind:    screepsnet.KindServer,
		Channel: fields[0],
		Data:    fields[1:],
	}

	switch msg.Channel {
	case screepsnet.ChannelAuth:
		if len(msg.Data) > 0 {
			msg.Status = msg.Data[0]
		}
		if len(msg.Data) > 1 {
			msg.Token = msg.Data[1]
		}
	case screepsnet.ChannelProtocol, screepsnet.ChannelTime, screepsnet.ChannelPackage:
		if len(msg.Data) > 0 {
			msg.Value = msg.Data[0]
		}
	}
	return msg
}

// Keys returns the distinct dispatch keys of msg, ending with "message".
func Keys(msg screepsnet.Message) []string {
	if msg.IsServer() {
		return []string{msg.Channel, screepsnet.EventMessage}
	}

	keys := make([]string, 0, 4)
	for _, k := range []string{msg.Key, msg.Kind, msg.Topic} {
		if k == "" || contains(keys, k) {
			continue
		}
		keys = append(keys, k)
	}
	return append(keys, screepsnet.EventMessage)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
