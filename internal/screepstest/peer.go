package screepstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	errPeerClosed     = errors.New("peer closed")
	errPeerBufferFull = errors.New("peer send buffer full")
)

// peer is one socket connection held by the server.
type peer struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan string
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	authed bool
	gzip   bool
	subs   map[string]bool
}

func newPeer(conn *websocket.Conn, rl *RateLimitConfig) *peer {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rl != nil && rl.Enabled {
		limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}

	p := &peer{
		id:      uuid.New().String(),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan string, 256),
		limiter: limiter,
		subs:    make(map[string]bool),
	}
	go p.writePump()
	return p
}

// send queues a text frame.
func (p *peer) send(frame string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.sendCh <- frame:
		return nil
	default:
		return errPeerBufferFull
	}
}

func (p *peer) allow() bool {
	return p.limiter == nil || p.limiter.Allow()
}

func (p *peer) setAuthed(v bool) {
	p.mu.Lock()
	p.authed = v
	p.mu.Unlock()
}

func (p *peer) setGzip(v bool) {
	p.mu.Lock()
	p.gzip = v
	p.mu.Unlock()
}

func (p *peer) subscribe(topic string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.subs[topic] = true
	} else {
		delete(p.subs, topic)
	}
}

// wants reports whether an authenticated peer is subscribed to topic, and
// whether it asked for compressed frames.
func (p *peer) wants(topic string) (ok, gzip bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.authed && p.subs[topic], p.gzip
}

func (p *peer) isAuthed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.authed
}

// closeWithCode sends a close frame and tears the connection down.
func (p *peer) closeWithCode(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	close(p.sendCh)
	return p.conn.Close()
}

// drop closes the TCP connection without a close frame.
func (p *peer) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.sendCh)
	_ = p.conn.Close()
}

func (p *peer) writePump() {
	defer p.conn.Close()

	for {
		select {
		case frame, ok := <-p.sendCh:
			if !ok {
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}
