// Package screepstest runs an in-process game server for tests. It speaks the
// HTTP API subset used by the client and the socket protocol: auth, subscribe,
// unsubscribe, gzip and data frames.
package screepstest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/codec"
)

// RateLimitConfig limits inbound socket frames per connection.
type RateLimitConfig struct {
	MessagesPerSecond rate.Limit
	Burst             int
	Enabled           bool
}

// Config describes the single account the server knows.
type Config struct {
	UserID   string
	Username string
	Email    string
	Password string
	// Token is accepted from the start. Empty means sign-in is required.
	Token string

	// Compression is used for "gz:" socket frames.
	Compression codec.Compression
	RateLimit   *RateLimitConfig

	// MemoryLimit is reported in the rate limit headers of memory endpoints.
	MemoryLimit int

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.UserID == "" {
		out.UserID = "u1"
	}
	if out.Username == "" {
		out.Username = "tester"
	}
	if out.Email == "" {
		out.Email = out.Username + "@example.com"
	}
	if out.Password == "" {
		out.Password = "secret"
	}
	if out.MemoryLimit == 0 {
		out.MemoryLimit = 1440
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Server is an in-process game server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	http     *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	tokens   map[string]bool
	peers    map[string]*peer
	received []string
	console  []string
	memory   map[string]json.RawMessage
	segments map[int]string
	gameTime int64
	memLeft  int
	dials    int
}

// New starts a server on a loopback port.
func New(cfg *Config) *Server {
	c := cfg.withDefaults()
	s := &Server{
		cfg:      c,
		log:      c.Logger.With(slog.String("component", "screepstest")),
		tokens:   make(map[string]bool),
		peers:    make(map[string]*peer),
		memory:   make(map[string]json.RawMessage),
		segments: make(map[int]string),
		gameTime: 1000,
		memLeft:  c.MemoryLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if c.Token != "" {
		s.tokens[c.Token] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+screepsnet.SocketPath, s.handleSocket)
	mux.HandleFunc("POST /api/auth/signin", s.handleSignin)
	mux.HandleFunc("GET /api/auth/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /api/auth/query-token", s.handleQueryToken)
	mux.HandleFunc("GET /api/user/name", s.authed(s.handleUserName))
	mux.HandleFunc("GET /api/user/find", s.handleUserFind)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/authmod", s.handleAuthmod)
	mux.HandleFunc("GET /api/game/time", s.handleGameTime)
	mux.HandleFunc("POST /api/user/console", s.authed(s.handleConsole))
	mux.HandleFunc("GET /api/user/memory", s.authed(s.handleMemoryGet))
	mux.HandleFunc("POST /api/user/memory", s.authed(s.handleMemoryPost))
	mux.HandleFunc("GET /api/user/memory-segment", s.authed(s.handleSegmentGet))
	mux.HandleFunc("POST /api/user/memory-segment", s.authed(s.handleSegmentPost))

	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the base URL with a trailing slash.
func (s *Server) URL() string {
	return s.http.URL + "/"
}

// Close drops every peer and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.closeWithCode(websocket.CloseGoingAway, "server shutdown")
	}
	s.http.Close()
}

// UserID returns the id of the account.
func (s *Server) UserID() string {
	return s.cfg.UserID
}

// IssueToken mints a token that the server accepts.
func (s *Server) IssueToken() string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()
	return token
}

// RevokeTokens invalidates every token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	s.tokens = make(map[string]bool)
	s.mu.Unlock()
}

func (s *Server) validToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && s.tokens[token]
}

// SetGameTime sets the tick reported by /api/game/time.
func (s *Server) SetGameTime(tick int64) {
	s.mu.Lock()
	s.gameTime = tick
	s.mu.Unlock()
}

// Received returns every socket frame received, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Console returns the console expressions received over HTTP.
func (s *Server) Console() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.console...)
}

// Dials returns the number of socket connections accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Peers returns the number of open socket connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Subscribers returns how many authenticated peers follow topic.
func (s *Server) Subscribers(topic string) int {
	n := 0
	for _, p := range s.snapshot() {
		if ok, _ := p.wants(topic); ok {
			n++
		}
	}
	return n
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// Publish sends a data frame for topic to every subscribed peer, compressed for
// peers that enabled gzip. It returns the number of peers reached.
func (s *Server) Publish(topic string, payload any) (int, error) {
	frame, err := codec.DataFrame(topic, payload)
	if err != nil {
		return 0, err
	}
	var packed string

	n := 0
	for _, p := range s.snapshot() {
		ok, gz := p.wants(topic)
		if !ok {
			continue
		}
		out := frame
		if gz {
			if packed == "" {
				if packed, err = codec.Compress([]byte(frame), s.cfg.Compression); err != nil {
					return n, err
				}
			}
			out = packed
		}
		if err := p.send(out); err == nil {
			n++
		}
	}
	return n, nil
}

// Broadcast sends a raw frame to every authenticated peer.
func (s *Server) Broadcast(frame string) int {
	n := 0
	for _, p := range s.snapshot() {
		if p.isAuthed() && p.send(frame) == nil {
			n++
		}
	}
	return n
}

// DropConnections closes every socket without a close handshake.
func (s *Server) DropConnections() {
	for _, p := range s.snapshot() {
		p.drop()
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("screepstest.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	p := newPeer(conn, s.cfg.RateLimit)
	s.mu.Lock()
	s.peers[p.id] = p
	s.dials++
	s.mu.Unlock()

	go s.readPeer(p)
}

func (s *Server) readPeer(p *peer) {
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
		_ = p.closeWithCode(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if !p.allow() {
			s.log.Warn("screepstest.ratelimit", slog.String("peer", p.id))
			_ = p.closeWithCode(websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}
		s.handleFrame(p, string(data))
	}
}

func (s *Server) handleFrame(p *peer, frame string) {
	s.mu.Lock()
	s.received = append(s.received, frame)
	s.mu.Unlock()

	cmd, arg, _ := strings.Cut(frame, " ")
	switch cmd {
	case screepsnet.CmdAuth:
		if s.validToken(arg) {
			p.setAuthed(true)
			_ = p.send(codec.Encode(screepsnet.ChannelAuth, screepsnet.AuthOK, arg))
			return
		}
		p.setAuthed(false)
		_ = p.send(codec.Encode(screepsnet.ChannelAuth, screepsnet.AuthFailed))
	case screepsnet.CmdSubscribe:
		p.subscribe(arg, true)
	case screepsnet.CmdUnsubscribe:
		p.subscribe(arg, false)
	case screepsnet.CmdGzip:
		p.setGzip(arg == "on")
	default:
		s.log.Debug("screepstest.frame.unknown", slog.String("frame", frame))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validToken(r.Header.Get(screepsnet.HeaderToken)) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) user() map[string]any {
	return map[string]any{
		"_id":      s.cfg.UserID,
		"username": s.cfg.Username,
		"email":    s.cfg.Email,
		"cpu":      100,
		"gcl":      1,
	}
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (body.Email != s.cfg.Email && body.Email != s.cfg.Username) || body.Password != s.cfg.Password {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "token": s.IssueToken()})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	u := s.user()
	u["ok"] = 1
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleQueryToken(w http.ResponseWriter, r *http.Request) {
	if !s.validToken(r.URL.Query().Get("token")) {
		writeJSON(w, http.StatusOK, map[string]any{"error": "token not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "token": map[string]any{"full": true}})
}

func (s *Server) handleUserName(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "username": s.cfg.Username})
}

func (s *Server) handleUserFind(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("username") != s.cfg.Username && r.URL.Query().Get("id") != s.cfg.UserID {
		writeJSON(w, http.StatusOK, map[string]any{"error": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "user": s.user()})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       1,
		"package":  150,
		"protocol": 14,
		"users":    1,
		"serverData": map[string]any{
			"historyChunkSize": 20,
			"shards":           []string{screepsnet.DefaultShard},
		},
	})
}

func (s *Server) handleAuthmod(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "name": "screepsmod-auth", "version": "test"})
}

func (s *Server) handleGameTime(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	tick := s.gameTime
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "time": tick})
}

// handleConsole records the expression and echoes it on the console topic.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Expression string `json:"expression"`
		Shard      string `json:"shard"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.console = append(s.console, body.Expression)
	s.mu.Unlock()

	topic := "user:" + s.cfg.UserID + "/console"
	_, _ = s.Publish(topic, map[string]any{
		"messages": map[string]any{"log": []string{}, "results": []string{body.Expression}},
		"shard":    body.Shard,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "result": map[string]any{"ok": 1}})
}

// memoryQuota counts a memory request and sets the quota headers.
func (s *Server) memoryQuota(w http.ResponseWriter) {
	s.mu.Lock()
	if s.memLeft > 0 {
		s.memLeft--
	}
	left := s.memLeft
	s.mu.Unlock()

	h := w.Header()
	h.Set(screepsnet.HeaderRateLimitLimit, strconv.Itoa(s.cfg.MemoryLimit))
	h.Set(screepsnet.HeaderRateLimitRemaining, strconv.Itoa(left))
	h.Set(screepsnet.HeaderRateLimitReset, strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10))
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	s.memoryQuota(w)
	path := r.URL.Query().Get("path")

	s.mu.Lock()
	value, ok := s.memory[path]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
		return
	}

	data, err := codec.Compress(value, codec.Gzip)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "data": data})
}

func (s *Server) handleMemoryPost(w http.ResponseWriter, r *http.Request) {
	s.memoryQuota(w)
	var body struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.memory[body.Path] = body.Value
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
}

func (s *Server) handleSegmentGet(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("segment"))
	if err != nil || n < 0 || n > 99 {
		writeJSON(w, http.StatusOK, map[string]any{"error": fmt.Sprintf("invalid segment %q", r.URL.Query().Get("segment"))})
		return
	}
	s.mu.Lock()
	data := s.segments[n]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "data": data})
}

func (s *Server) handleSegmentPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Segment int    `json:"segment"`
		Data    string `json:"data"`
	}
	if err := readJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.segments[body.Segment] = body.Data
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
}
