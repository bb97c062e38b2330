package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/events"
	"github.com/luciancaetano/screepsnet/internal/ratelimit"
	"github.com/luciancaetano/screepsnet/tokenstore"
)

const (
	tokenKey     = "token"
	rateLimitKey = "rateLimit"
	responseKey  = "response"

	rateLimitResetBase = "https://screeps.com/a/#!/account/auth-tokens/noratelimit?token="
)

// RateLimitConfig defines client side request pacing.
type RateLimitConfig struct {
	// RequestsPerSecond defines how many requests the client may issue per second
	RequestsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if pacing is active
	Enabled bool
}

// DefaultRateLimitConfig paces requests at the global server quota of 120 per
// minute, with a burst of 20.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 2,
		Burst:             20,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with pacing disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Config defines the HTTP transport.
type Config struct {
	// URL is the server base URL, e.g. "https://screeps.com/" or
	// "http://localhost:21025/".
	URL string

	// Token is a pre-issued auth token. When set, the user is looked up through
	// /api/auth/query-token.
	Token string
	// Username (or email) and Password are used to sign in.
	Username string
	Password string

	// Shard is injected into shard aware endpoints when the caller omits it.
	Shard string

	HTTPClient *http.Client
	Timeout    time.Duration
	RateLimit  *RateLimitConfig

	// MaxThrottleRetries bounds attempts on 429 responses without rate limit
	// headers. MaxThrottleDelay caps the wait between them.
	MaxThrottleRetries int
	MaxThrottleDelay   time.Duration

	// TokenStore persists tokens across runs. StoreKey defaults to
	// tokenstore.Key(URL, Username).
	TokenStore tokenstore.Store
	StoreKey   string
	TokenTTL   time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a configuration for the official server.
func DefaultConfig() *Config {
	return &Config{
		URL:                "https://" + screepsnet.OfficialHost + "/",
		Shard:              screepsnet.DefaultShard,
		Timeout:            30 * time.Second,
		RateLimit:          DefaultRateLimitConfig(),
		MaxThrottleRetries: 5,
		MaxThrottleDelay:   5 * time.Second,
	}
}

// RateLimitEvent reports quota headers observed on a response.
type RateLimitEvent struct {
	Method string
	Path   string
	Class  ratelimit.Class
	Record ratelimit.Record
}

// ResponseEvent reports a completed HTTP exchange.
type ResponseEvent struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	Header   http.Header
}

// Client is the HTTP transport and the token provider shared with the socket.
type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	log      *slog.Logger
	limiter  *rate.Limiter
	tracker  *ratelimit.Tracker
	storeKey string

	tokenEvents     *events.Emitter[string]
	rateLimitEvents *events.Emitter[RateLimitEvent]
	responseEvents  *events.Emitter[ResponseEvent]

	// sleep waits between throttled retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	token    string
	authed   bool
	username string
	password string

	userMu    sync.Mutex
	user      *User
	tokenInfo *TokenInfo
}

// New creates a client. No request is made until a method is called.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Shard == "" {
		c.Shard = d.Shard
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RateLimit == nil {
		c.RateLimit = d.RateLimit
	}
	if c.MaxThrottleRetries <= 0 {
		c.MaxThrottleRetries = d.MaxThrottleRetries
	}
	if c.MaxThrottleDelay <= 0 {
		c.MaxThrottleDelay = d.MaxThrottleDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	base, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", c.URL)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}

	client := &Client{
		cfg:             c,
		base:            base,
		http:            hc,
		log:             c.Logger.With(slog.String("server", base.Host)),
		tracker:         ratelimit.NewTracker(c.Logger),
		storeKey:        c.StoreKey,
		tokenEvents:     events.NewEmitter[string](),
		rateLimitEvents: events.NewEmitter[RateLimitEvent](),
		responseEvents:  events.NewEmitter[ResponseEvent](),
		sleep:           sleepContext,
		now:             time.Now,
		token:           c.Token,
		username:        c.Username,
		password:        c.Password,
	}
	if client.storeKey == "" {
		client.storeKey = tokenstore.Key(c.URL, c.Username)
	}
	if c.RateLimit.Enabled {
		client.limiter = rate.NewLimiter(c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	}

	return client, nil
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

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// Shard returns the default shard.
func (c *Client) Shard() string {
	return c.cfg.Shard
}

// Token returns the current token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the token, persists it and notifies OnToken listeners when
// it changed.
func (c *Client) SetToken(token string) {
	c.setToken(token, true)
}

func (c *Client) setToken(token string, persist bool) {
	c.mu.Lock()
	changed := token != c.token
	c.token = token
	c.mu.Unlock()

	if !changed || token == "" {
		return
	}
	if persist {
		c.persist(token)
	}
	c.tokenEvents.Emit(tokenKey, token)
}

func (c *Client) persist(token string) {
	if c.cfg.TokenStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.TokenStore.Put(ctx, c.storeKey, token, c.cfg.TokenTTL); err != nil {
		c.log.Warn("token.store.fail", slog.String("err", err.Error()))
	}
}

// OnToken registers a listener called whenever a new token is obtained.
func (c *Client) OnToken(fn func(token string)) func() {
	return c.tokenEvents.On(tokenKey, fn)
}

// OnRateLimit registers a listener for quota headers.
func (c *Client) OnRateLimit(fn func(RateLimitEvent)) func() {
	return c.rateLimitEvents.On(rateLimitKey, fn)
}

// OnResponse registers a listener for every HTTP response.
func (c *Client) OnResponse(fn func(ResponseEvent)) func() {
	return c.responseEvents.On(responseKey, fn)
}

// RateLimits returns the quota tracker.
func (c *Client) RateLimits() *ratelimit.Tracker {
	return c.tracker
}

// RateLimit returns the quota record for a request.
func (c *Client) RateLimit(method, path string) ratelimit.Record {
	return c.tracker.Lookup(method, path)
}

// Auth returns a usable token. A client without a token first tries the token
// store; otherwise it signs in with the configured credentials.
func (c *Client) Auth(ctx context.Context) (string, error) {
	if c.Token() == "" {
		if token, ok := c.restore(ctx); ok {
			return token, nil
		}
	}
	return c.SignIn(ctx)
}

func (c *Client) restore(ctx context.Context) (string, bool) {
	if c.cfg.TokenStore == nil {
		return "", false
	}
	token, err := c.cfg.TokenStore.Get(ctx, c.storeKey)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			c.log.Warn("token.restore.fail", slog.String("err", err.Error()))
		}
		return "", false
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.setToken(token, false)
	c.log.Debug("token.restore.ok")
	return token, true
}

// AuthWith replaces the credentials and signs in.
func (c *Client) AuthWith(ctx context.Context, username, password string) (string, error) {
	c.mu.Lock()
	c.username = username
	c.password = password
	c.mu.Unlock()
	return c.SignIn(ctx)
}

// SignIn exchanges the configured credentials for a token via
// POST /api/auth/signin.
func (c *Client) SignIn(ctx context.Context) (string, error) {
	c.mu.Lock()
	username, password := c.username, c.password
	c.mu.Unlock()

	if username == "" || password == "" {
		return "", fmt.Errorf("%w: %w", screepsnet.ErrAuthentication, screepsnet.ErrNoCredentials)
	}

	var res SigninResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", Params{"email": username, "password": password}, &res, false)
	if err != nil {
		var apiErr *screepsnet.APIError
		var httpErr *screepsnet.HTTPError
		if errors.As(err, &apiErr) || errors.As(err, &httpErr) || errors.Is(err, screepsnet.ErrNotAuthorized) {
			return "", fmt.Errorf("%w: %w", screepsnet.ErrAuthentication, err)
		}
		return "", err
	}
	if res.Token == "" {
		return "", fmt.Errorf("%w: sign-in returned no token", screepsnet.ErrAuthentication)
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.SetToken(res.Token)
	c.log.Info("auth.signin.ok", slog.String("username", username))
	return res.Token, nil
}

// reauthAllowed reports whether a 401 may be answered by signing in again, and
// clears the authenticated flag so it happens at most once.
func (c *Client) reauthAllowed() bool {
	if c.IsOfficialServer() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed || c.password == "" {
		return false
	}
	c.authed = false
	return true
}

// TokenInfo describes the configured token. Tokens issued with full access can
// call /api/auth/me.
func (c *Client) TokenInfo(ctx context.Context) (*TokenInfo, error) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.tokenInfoLocked(ctx)
}

func (c *Client) tokenInfoLocked(ctx context.Context) (*TokenInfo, error) {
	if c.tokenInfo != nil {
		return c.tokenInfo, nil
	}
	if c.cfg.Token == "" {
		c.tokenInfo = &TokenInfo{Full: true}
		return c.tokenInfo, nil
	}

	var res QueryTokenResponse
	if err := c.Do(ctx, http.MethodGet, "/api/auth/query-token", Params{"token": c.Token()}, &res); err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	c.tokenInfo = &res.Token
	return c.tokenInfo, nil
}

// Me returns the authenticated user. The result is cached.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.userMu.Lock()
	defer c.userMu.Unlock()

	if c.user != nil {
		return c.user, nil
	}

	info, err := c.tokenInfoLocked(ctx)
	if err != nil {
		return nil, err
	}

	var user User
	if info.Full {
		if err := c.Do(ctx, http.MethodGet, "/api/auth/me", nil, &user); err != nil {
			return nil, fmt.Errorf("auth me: %w", err)
		}
	} else {
		var name UserNameResponse
		if err := c.Do(ctx, http.MethodGet, "/api/user/name", nil, &name); err != nil {
			return nil, fmt.Errorf("user name: %w", err)
		}
		var found UserFindResponse
		if err := c.Do(ctx, http.MethodGet, "/api/user/find", Params{"username": name.Username}, &found); err != nil {
			return nil, fmt.Errorf("user find: %w", err)
		}
		user = found.User
	}
	if user.ID == "" {
		return nil, errors.New("user lookup returned no id")
	}

	c.user = &user
	c.log.Debug("auth.me.ok", slog.String("user_id", user.ID), slog.String("username", user.Username))
	return c.user, nil
}

// UserID returns the id of the authenticated user.
func (c *Client) UserID(ctx context.Context) (string, error) {
	user, err := c.Me(ctx)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// IsOfficialServer reports whether the client talks to screeps.com.
func (c *Client) IsOfficialServer() bool {
	return strings.Contains(c.base.Host, screepsnet.OfficialHost)
}

// RateLimitResetURL links to the page that lifts rate limits for the current
// token.
func (c *Client) RateLimitResetURL() string {
	token := c.Token()
	if len(token) > 8 {
		token = token[:8]
	}
	return rateLimitResetBase + token
}

// CurrentSeason returns the leaderboard season id, "YYYY-MM".
func (c *Client) CurrentSeason() string {
	return c.now().UTC().Format("2006-01")
}
