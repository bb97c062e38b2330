package socket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/screepsnet"
)

// link is one open connection: a buffered send channel drained by a write pump,
// which also issues keep-alive pings once the session is authenticated.
type link struct {
	conn      Conn
	gen       uint64
	sendCh    chan string
	done      chan struct{}
	closeOnce sync.Once
	authed    atomic.Bool
	keepAlive time.Duration
	log       *slog.Logger
}

func newLink(conn Conn, gen uint64, buffer int, keepAlive time.Duration, log *slog.Logger) *link {
	l := &link{
		conn:      conn,
		gen:       gen,
		sendCh:    make(chan string, buffer),
		done:      make(chan struct{}),
		keepAlive: keepAlive,
		log:       log,
	}

	go l.writePump()

	return l
}

// enqueue hands a frame to the write pump without blocking.
func (l *link) enqueue(frame string) error {
	select {
	case <-l.done:
		return screepsnet.ErrConnection
	default:
	}

	select {
	case l.sendCh <- frame:
		return nil
	default:
		return screepsnet.ErrSendBufferFull
	}
}

// enqueueWait hands a frame to the write pump, waiting for buffer space.
func (l *link) enqueueWait(frame string) error {
	select {
	case l.sendCh <- frame:
		return nil
	case <-l.done:
		return screepsnet.ErrConnection
	}
}

// close shuts the connection down. The read loop observes the closed transport.
func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// writePump pumps frames from the send channel to the connection
func (l *link) writePump() {
	var tick <-chan time.Time
	if l.keepAlive > 0 {
		ticker := time.NewTicker(l.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-l.sendCh:
			if err := l.conn.WriteMessage(frame); err != nil {
				l.log.Debug("socket.write.fail", slog.String("err", err.Error()))
				l.close()
				return
			}

		case <-tick:
			// Pings only keep the connection warm; a missing pong is not a failure.
			if !l.authed.Load() {
				continue
			}
			if err := l.conn.Ping(); err != nil {
				l.log.Debug("socket.ping.fail", slog.String("err", err.Error()))
				l.close()
				return
			}

		case <-l.done:
			return
		}
	}
}
