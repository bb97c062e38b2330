package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/codec"
	"github.com/luciancaetano/screepsnet/internal/events"
	"github.com/luciancaetano/screepsnet/internal/subscription"
)

const (
	errorKey = "error"
	stateKey = "state"
)

// errAuthRejected marks an "auth failed" reply during a handshake.
var errAuthRejected = errors.New("socket auth rejected")

// Transition is a change of connection state.
type Transition struct {
	From screepsnet.State
	To   screepsnet.State
}

// attempt is a connect (or reconnect loop) in flight. It settles exactly once.
type attempt struct {
	done chan struct{}
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) settle(err error) {
	a.err = err
	close(a.done)
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session implements screepsnet.Socket.
type Session struct {
	id     string
	cfg    *Config
	url    string
	tokens screepsnet.TokenProvider
	log    *slog.Logger

	subs      *subscription.Registry
	listeners *events.Emitter[screepsnet.Message]
	errs      *events.Emitter[error]
	states    *events.Emitter[Transition]

	// sleep waits between reconnect attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	state            screepsnet.State
	transitions      []Transition
	link             *link
	gen              uint64
	epoch            uint64
	queue            *queue.Queue
	unsent           map[string]struct{}
	authReply        chan screepsnet.Message
	authToken        string
	inflight         *attempt
	loop             *attempt
	cancelLoop       context.CancelFunc
	reconnectAttempt int

	stopTokenWatch func()
}

// New creates a session. No connection is opened until Connect is called.
func New(cfg *Config, tokens screepsnet.TokenProvider) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if tokens == nil {
		return nil, errors.New("socket: token provider is required")
	}
	cfg = cfg.withDefaults()

	wsURL, err := SocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := &Session{
		id:        id,
		cfg:       cfg,
		url:       wsURL,
		tokens:    tokens,
		log:       cfg.Logger.With(slog.String("session_id", id)),
		subs:      subscription.NewRegistry(),
		listeners: events.NewEmitter[screepsnet.Message](),
		errs:      events.NewEmitter[error](),
		states:    events.NewEmitter[Transition](),
		sleep:     sleepContext,
		state:     screepsnet.StateDisconnected,
		queue:     queue.New(),
		unsent:    make(map[string]struct{}),
	}
	s.stopTokenWatch = tokens.OnToken(s.tokenChanged)

	return s, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// URL returns the socket endpoint.
func (s *Session) URL() string {
	return s.url
}

// State returns the current connection state.
func (s *Session) State() screepsnet.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempt returns the number of consecutive failed reconnect attempts.
func (s *Session) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempt
}

// Subscriptions returns the active topics.
func (s *Session) Subscriptions() []string {
	return s.subs.ActiveTopics()
}

// SubscriptionCount returns the reference count of a normalized topic.
func (s *Session) SubscriptionCount(topic string) int {
	return s.subs.Count(topic)
}

// On registers a message listener under a dispatch key.
func (s *Session) On(key string, fn func(screepsnet.Message)) func() {
	return s.listeners.On(key, fn)
}

// Once registers a message listener for a single frame.
func (s *Session) Once(key string, fn func(screepsnet.Message)) func() {
	return s.listeners.Once(key, fn)
}

// OnError registers an error listener.
func (s *Session) OnError(fn func(error)) func() {
	return s.errs.On(errorKey, fn)
}

// OnStateChange registers a connection state listener.
func (s *Session) OnStateChange(fn func(Transition)) func() {
	return s.states.On(stateKey, fn)
}

// Close disconnects and stops following token changes.
func (s *Session) Close() error {
	err := s.Disconnect()
	if s.stopTokenWatch != nil {
		s.stopTokenWatch()
	}
	return err
}

// setStateLocked records a transition; listeners run in unlock.
func (s *Session) setStateLocked(st screepsnet.State) {
	if s.state == st {
		return
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: st})
	s.state = st
}

// unlock releases mu and notifies state listeners of recorded transitions.
func (s *Session) unlock() {
	ts := s.transitions
	s.transitions = nil
	s.mu.Unlock()

	for _, t := range ts {
		s.log.Debug("socket.state", slog.String("from", t.From.String()), slog.String("to", t.To.String()))
		s.states.Emit(stateKey, t)
	}
}

func (s *Session) emitError(err error) {
	if s.errs.Emit(errorKey, err) == 0 {
		s.log.Debug("socket.error.unhandled", slog.String("err", err.Error()))
	}
}

// Connect opens the transport and authenticates. Concurrent callers share the
// attempt in flight.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == screepsnet.StateAuthenticated {
		s.mu.Unlock()
		return nil
	}
	if s.loop != nil {
		a := s.loop
		s.mu.Unlock()
		return a.wait(ctx)
	}
	if s.inflight != nil {
		a := s.inflight
		s.mu.Unlock()
		return a.wait(ctx)
	}
	a := newAttempt()
	s.inflight = a
	s.mu.Unlock()

	err := s.connectOnce(ctx)

	s.mu.Lock()
	if s.inflight == a {
		s.inflight = nil
	}
	s.mu.Unlock()
	a.settle(err)

	if err != nil {
		if errors.Is(err, screepsnet.ErrSessionClosed) {
			s.log.Debug("socket.connect.abort", slog.String("err", err.Error()))
			return err
		}
		s.log.Warn("socket.connect.fail", slog.String("err", err.Error()))
		s.emitError(err)
		if errors.Is(err, screepsnet.ErrConnection) && s.cfg.Reconnect {
			go s.reconnect()
		}
		return err
	}
	return nil
}

// connectOnce runs a single dial plus handshake. A failure after Disconnect
// wraps ErrSessionClosed whatever stage it happened in.
func (s *Session) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.setStateLocked(screepsnet.StateConnecting)
	s.unlock()

	err := s.establish(ctx, epoch)
	if err == nil || errors.Is(err, screepsnet.ErrSessionClosed) {
		return err
	}

	s.mu.Lock()
	closed := s.epoch != epoch
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w: %v", screepsnet.ErrConnection, screepsnet.ErrSessionClosed, err)
	}
	return err
}

func (s *Session) establish(ctx context.Context, epoch uint64) error {
	token := s.tokens.Token()
	if token == "" {
		fresh, err := s.tokens.Auth(ctx)
		if err != nil {
			s.settleFailed(epoch)
			return authError(err)
		}
		token = fresh
	}

	conn, err := s.cfg.Dialer.Dial(ctx, s.url)
	if err != nil {
		s.settleFailed(epoch)
		return fmt.Errorf("%w: dial %s: %v", screepsnet.ErrConnection, s.url, err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %w", screepsnet.ErrConnection, screepsnet.ErrSessionClosed)
	}
	s.gen++
	l := newLink(conn, s.gen, s.cfg.SendBuffer, s.cfg.KeepAlive, s.log)
	s.link = l
	s.setStateLocked(screepsnet.StateConnected)
	s.unlock()

	s.log.Debug("socket.connected", slog.String("url", s.url))
	go s.readLoop(l)

	err = s.handshake(ctx, l, token)
	if errors.Is(err, errAuthRejected) {
		s.log.Info("socket.auth.retry")
		fresh, aerr := s.tokens.Auth(ctx)
		if aerr != nil {
			err = authError(aerr)
		} else {
			err = s.handshake(ctx, l, fresh)
		}
	}
	if errors.Is(err, errAuthRejected) {
		err = fmt.Errorf("%w: socket auth failed", screepsnet.ErrAuthentication)
	}
	if err != nil {
		s.dropLink(l)
		return err
	}

	return s.authenticated(l)
}

func authError(err error) error {
	if errors.Is(err, screepsnet.ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", screepsnet.ErrAuthentication, err)
}

// settleFailed returns to Disconnected after a failed attempt, unless the
// session was disconnected or reconnected meanwhile.
func (s *Session) settleFailed(epoch uint64) {
	s.mu.Lock()
	if s.epoch == epoch && s.link == nil {
		s.setStateLocked(screepsnet.StateDisconnected)
	}
	s.unlock()
}

// handshake sends "auth <token>" and waits for the first auth reply.
func (s *Session) handshake(ctx context.Context, l *link, token string) error {
	reply := make(chan screepsnet.Message, 1)

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection replaced during handshake", screepsnet.ErrConnection)
	}
	s.setStateLocked(screepsnet.StateAuthenticating)
	s.authReply = reply
	s.authToken = token
	err := l.enqueue(codec.Encode(screepsnet.CmdAuth, token))
	s.unlock()

	defer func() {
		s.mu.Lock()
		if s.authReply == reply {
			s.authReply = nil
		}
		s.mu.Unlock()
	}()

	if err != nil {
		return fmt.Errorf("%w: send auth: %v", screepsnet.ErrConnection, err)
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Status != screepsnet.AuthOK {
			return errAuthRejected
		}
		if msg.Token != "" {
			s.mu.Lock()
			s.authToken = msg.Token
			s.mu.Unlock()
			s.tokens.SetToken(msg.Token)
		}
		return nil
	case <-l.done:
		return fmt.Errorf("%w: connection closed during handshake", screepsnet.ErrConnection)
	case <-timer.C:
		return fmt.Errorf("%w: no auth reply within %s", screepsnet.ErrAuthentication, s.cfg.AuthTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", screepsnet.ErrConnection, ctx.Err())
	}
}

// authenticated flushes queued frames and replays subscriptions.
func (s *Session) authenticated(l *link) error {
	s.mu.Lock()
	if s.link != l || l.closed() {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection closed after handshake", screepsnet.ErrConnection)
	}
	s.setStateLocked(screepsnet.StateAuthenticated)
	s.reconnectAttempt = 0
	l.authed.Store(true)

	var err error
	for s.queue.Length() > 0 && err == nil {
		err = l.enqueueWait(s.queue.Remove().(string))
	}
	for _, topic := range s.subs.ActiveTopics() {
		if err != nil {
			break
		}
		if _, pending := s.unsent[topic]; s.cfg.Resubscribe || pending {
			err = l.enqueueWait(codec.Encode(screepsnet.CmdSubscribe, topic))
		}
	}
	s.unsent = make(map[string]struct{})
	s.unlock()

	if err != nil {
		return fmt.Errorf("%w: flush: %v", screepsnet.ErrConnection, err)
	}
	s.log.Info("socket.auth.ok", slog.Int("subscriptions", s.subs.Len()))
	return nil
}

// dropLink closes a connection without triggering a reconnect.
func (s *Session) dropLink(l *link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.setStateLocked(screepsnet.StateDisconnected)
	}
	s.unlock()
	l.close()
}

func (s *Session) readLoop(l *link) {
	for {
		frame, err := l.conn.ReadMessage()
		if err != nil {
			s.handleClose(l, err)
			return
		}
		s.handleFrame(frame)
	}
}

// handleClose reacts to the transport going away.
func (s *Session) handleClose(l *link, cause error) {
	l.close()

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	wasAuthed := s.state == screepsnet.StateAuthenticated
	s.link = nil
	s.setStateLocked(screepsnet.StateDisconnected)
	s.unlock()

	s.log.Info("socket.disconnected", slog.String("err", cause.Error()), slog.Bool("was_authed", wasAuthed))
	if wasAuthed && s.cfg.Reconnect {
		go s.reconnect()
	}
}

func (s *Session) handleFrame(frame string) {
	msg, err := codec.Decode(frame, s.cfg.Compression)
	if err != nil {
		s.log.Warn("socket.decode.fail", slog.String("err", err.Error()))
		s.emitError(err)
		return
	}

	if msg.IsServer() && msg.Channel == screepsnet.ChannelAuth {
		s.handleAuthReply(msg)
	}

	for _, key := range codec.Keys(msg) {
		s.listeners.Emit(key, msg)
	}
}

// handleAuthReply settles a pending handshake, or handles the reply to a
// re-authentication after a token rotation.
func (s *Session) handleAuthReply(msg screepsnet.Message) {
	s.mu.Lock()
	reply := s.authReply
	s.authReply = nil
	if reply == nil && msg.Status == screepsnet.AuthOK && msg.Token != "" {
		s.authToken = msg.Token
	}
	s.mu.Unlock()

	if reply != nil {
		select {
		case reply <- msg:
		default:
		}
		return
	}

	switch msg.Status {
	case screepsnet.AuthOK:
		if msg.Token != "" {
			s.tokens.SetToken(msg.Token)
		}
	default:
		s.emitError(fmt.Errorf("%w: re-authentication rejected", screepsnet.ErrAuthentication))
	}
}

// tokenChanged re-authenticates an open session when the token rotates.
func (s *Session) tokenChanged(token string) {
	if !s.cfg.ReauthOnTokenChange || token == "" {
		return
	}

	s.mu.Lock()
	if s.state != screepsnet.StateAuthenticated || s.link == nil || token == s.authToken {
		s.mu.Unlock()
		return
	}
	s.authToken = token
	err := s.link.enqueue(codec.Encode(screepsnet.CmdAuth, token))
	s.mu.Unlock()

	if err != nil {
		s.emitError(fmt.Errorf("%w: re-authenticate: %v", screepsnet.ErrConnection, err))
	}
}

// reconnect retries Connect with exponential backoff until it succeeds, the
// budget runs out or the session is disconnected.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.loop != nil || s.link != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := newAttempt()
	s.loop = a
	s.cancelLoop = cancel
	s.setStateLocked(screepsnet.StateReconnecting)
	s.unlock()

	s.log.Info("socket.reconnect.start", slog.Int("max_retries", s.cfg.MaxRetries))
	err := s.retry(ctx, a)

	s.mu.Lock()
	owner := s.loop == a
	// The new connection may have dropped while this loop was still registered,
	// in which case handleClose found it busy and did not start another.
	again := false
	if owner {
		s.loop = nil
		s.cancelLoop = nil
		if err != nil {
			s.setStateLocked(screepsnet.StateDisconnected)
		}
		again = err == nil && s.link == nil && s.cfg.Reconnect
	}
	s.unlock()
	cancel()
	a.settle(err)

	if again {
		s.log.Info("socket.reconnect.again")
		go s.reconnect()
		return
	}

	switch {
	case err == nil:
		s.log.Info("socket.reconnect.ok")
	case !owner || errors.Is(err, screepsnet.ErrSessionClosed):
		s.log.Debug("socket.reconnect.abort")
	default:
		s.log.Error("socket.reconnect.fail", slog.String("err", err.Error()))
		s.emitError(err)
	}
}

func (s *Session) retry(ctx context.Context, a *attempt) error {
	var last error
	for n := 0; n < s.cfg.MaxRetries; n++ {
		delay := Backoff(n, s.cfg.RetryBaseDelay, s.cfg.MaxRetryDelay)
		if err := s.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: reconnect cancelled", screepsnet.ErrSessionClosed)
		}

		// The loop may have been cancelled by Disconnect during the sleep.
		s.mu.Lock()
		still := s.loop == a
		s.mu.Unlock()
		if !still {
			return fmt.Errorf("%w: reconnect cancelled", screepsnet.ErrSessionClosed)
		}

		last = s.connectOnce(ctx)
		if last == nil {
			return nil
		}
		if errors.Is(last, screepsnet.ErrSessionClosed) || ctx.Err() != nil {
			return fmt.Errorf("%w: reconnect cancelled", screepsnet.ErrSessionClosed)
		}
		if errors.Is(last, screepsnet.ErrAuthentication) {
			return last
		}

		s.mu.Lock()
		s.reconnectAttempt++
		if s.loop == a {
			s.setStateLocked(screepsnet.StateReconnecting)
		}
		s.unlock()
		s.log.Warn("socket.reconnect.retry",
			slog.Int("attempt", n+1),
			slog.Int("max_retries", s.cfg.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("err", last.Error()))
	}
	if last == nil {
		last = screepsnet.ErrConnection
	}
	return fmt.Errorf("%w: after %d retries: %w", screepsnet.ErrReconnectExhausted, s.cfg.MaxRetries, last)
}

// Disconnect closes the transport without reconnecting. Queued frames are
// dropped; subscriptions are kept for the next Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.epoch++
	l := s.link
	s.link = nil
	cancel := s.cancelLoop
	s.loop = nil
	s.cancelLoop = nil
	s.authReply = nil
	s.queue = queue.New()
	s.setStateLocked(screepsnet.StateClosing)
	s.setStateLocked(screepsnet.StateDisconnected)
	s.unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		l.close()
	}
	s.log.Debug("socket.disconnect")
	return nil
}

// Reset disconnects and forgets every subscription.
func (s *Session) Reset() error {
	err := s.Disconnect()
	s.mu.Lock()
	s.subs.Reset()
	s.unsent = make(map[string]struct{})
	s.mu.Unlock()
	return err
}

// Send writes frame once authenticated, queueing it until then.
func (s *Session) Send(frame string) {
	s.mu.Lock()
	if s.state != screepsnet.StateAuthenticated || s.link == nil {
		s.queue.Add(frame)
		s.mu.Unlock()
		s.log.Debug("socket.send.queued", slog.String("frame", frame))
		return
	}
	err := s.link.enqueue(frame)
	s.mu.Unlock()

	if err != nil {
		s.emitError(fmt.Errorf("send %q: %w", frame, err))
	}
}

// Gzip toggles server side frame compression.
func (s *Session) Gzip(on bool) {
	arg := "off"
	if on {
		arg = "on"
	}
	s.Send(codec.Encode(screepsnet.CmdGzip, arg))
}

// Normalize scopes a bare topic to the current user.
func (s *Session) Normalize(ctx context.Context, topic string) (string, error) {
	if subscription.IsNamespaced(topic) {
		return topic, nil
	}
	userID, err := s.tokens.UserID(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve user id: %w", err)
	}
	return subscription.Normalize(topic, userID), nil
}

// Subscribe adds a reference to topic, sending the subscribe command now if
// authenticated or after the next handshake otherwise.
func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return nil
	}
	topic, err := s.Normalize(ctx, topic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	count := s.subs.Increment(topic)
	if s.state == screepsnet.StateAuthenticated && s.link != nil {
		err = s.link.enqueue(codec.Encode(screepsnet.CmdSubscribe, topic))
	}
	if s.state != screepsnet.StateAuthenticated || s.link == nil || err != nil {
		s.unsent[topic] = struct{}{}
	}
	s.mu.Unlock()

	s.log.Debug("socket.subscribe", slog.String("topic", topic), slog.Int("count", count))
	if err != nil {
		err = fmt.Errorf("subscribe %s: %w", topic, err)
		s.emitError(err)
	}
	return err
}

// Unsubscribe drops a reference to topic. The command is sent whenever the
// topic was subscribed during this session, even if the count is already zero.
func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return nil
	}
	topic, err := s.Normalize(ctx, topic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	seen := s.subs.Seen(topic)
	count := s.subs.Decrement(topic)
	if count == 0 {
		delete(s.unsent, topic)
	}
	if seen && s.state == screepsnet.StateAuthenticated && s.link != nil {
		err = s.link.enqueue(codec.Encode(screepsnet.CmdUnsubscribe, topic))
	}
	s.mu.Unlock()

	s.log.Debug("socket.unsubscribe", slog.String("topic", topic), slog.Int("count", count))
	if err != nil {
		err = fmt.Errorf("unsubscribe %s: %w", topic, err)
		s.emitError(err)
	}
	return err
}

// SubscribeFunc subscribes to topic and registers fn for its frames. The
// returned cancel removes the listener and unsubscribes.
func (s *Session) SubscribeFunc(ctx context.Context, topic string, fn func(screepsnet.Message)) (func(context.Context) error, error) {
	topic, err := s.Normalize(ctx, topic)
	if err != nil {
		return nil, err
	}
	off := s.listeners.On(topic, fn)
	if err := s.Subscribe(ctx, topic); err != nil {
		off()
		return nil, err
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			off()
			err = s.Unsubscribe(ctx, topic)
		})
		return err
	}, nil
}
