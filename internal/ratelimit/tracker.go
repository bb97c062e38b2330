package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/luciancaetano/screepsnet"
)

// Period is the window a quota applies to.
type Period string

const (
	Minute Period = "minute"
	Hour   Period = "hour"
	Day    Period = "day"
)

// Global is the bucket used for every endpoint without a dedicated quota.
const Global Class = "global"

// Class names a quota bucket, e.g. "GET userMemory".
type Class string

// Record is the quota state of one bucket.
type Record struct {
	Limit     int
	Period    Period
	Remaining int
	Reset     int64 // unix seconds
}

// SecondsUntilReset returns the time left before the quota resets.
func (r Record) SecondsUntilReset(now time.Time) int64 {
	return r.Reset - now.Unix()
}

type quota struct {
	limit  int
	period Period
}

var getQuotas = map[string]quota{
	"gameRoomTerrain":       {360, Hour},
	"userCode":              {60, Hour},
	"userMemory":            {1440, Day},
	"userMemorySegment":     {360, Hour},
	"gameMarketOrdersIndex": {60, Hour},
	"gameMarketOrders":      {60, Hour},
	"gameMarketMyOrders":    {60, Hour},
	"gameMarketStats":       {60, Hour},
	"gameUserMoneyHistory":  {60, Hour},
}

var postQuotas = map[string]quota{
	"userConsole":         {360, Hour},
	"gameMapStats":        {60, Hour},
	"userCode":            {240, Day},
	"userSetActiveBranch": {240, Day},
	"userMemory":          {240, Day},
	"userMemorySegment":   {60, Hour},
}

var globalQuota = quota{120, Minute}

// Tracker holds per endpoint class quota state derived from response headers.
// It does not throttle; callers consult it.
type Tracker struct {
	mu      sync.RWMutex
	records map[Class]*Record
	log     *slog.Logger
}

// NewTracker creates a tracker seeded with the known quotas.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		records: make(map[Class]*Record),
		log:     logger,
	}
	t.records[Global] = newRecord(globalQuota)
	for name, q := range getQuotas {
		t.records[classOf(http.MethodGet, name)] = newRecord(q)
	}
	for name, q := range postQuotas {
		t.records[classOf(http.MethodPost, name)] = newRecord(q)
	}
	return t
}

func newRecord(q quota) *Record {
	return &Record{Limit: q.limit, Period: q.period, Remaining: q.limit}
}

func classOf(method, name string) Class {
	return Class(strings.ToUpper(method) + " " + name)
}

// Classify maps a request to its quota bucket. The path is camel cased after the
// "/api/" prefix ("/api/user/memory-segment" becomes "userMemorySegment").
func Classify(method, path string) Class {
	name := camelCase(strings.TrimPrefix(path, "/api/"))
	method = strings.ToUpper(method)

	var table map[string]quota
	switch method {
	case http.MethodGet:
		table = getQuotas
	case http.MethodPost:
		table = postQuotas
	}
	if _, ok := table[name]; ok {
		return classOf(method, name)
	}
	return Global
}

func camelCase(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	var b strings.Builder
	upper := false
	for _, r := range path {
		if r == '/' || r == '-' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Update stores fresh quota values for a bucket.
func (t *Tracker) Update(class Class, limit, remaining int, reset int64) {
	t.mu.Lock()
	rec, ok := t.records[class]
	if !ok {
		rec = &Record{Limit: limit, Period: Minute}
		t.records[class] = rec
	}
	if limit > 0 {
		rec.Limit = limit
	}
	rec.Remaining = remaining
	rec.Reset = reset
	snapshot := *rec
	t.mu.Unlock()

	t.log.Debug("ratelimit.update",
		slog.String("class", string(class)),
		slog.Int("remaining", snapshot.Remaining),
		slog.Int("limit", snapshot.Limit),
		slog.Int64("to_reset", snapshot.SecondsUntilReset(time.Now())))
}

// Get returns the record for a bucket, falling back to the global one.
func (t *Tracker) Get(class Class) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[class]; ok {
		return *rec
	}
	return *t.records[Global]
}

// Lookup classifies the request and returns its record.
func (t *Tracker) Lookup(method, path string) Record {
	return t.Get(Classify(method, path))
}

// UpdateFromHeaders applies the x-ratelimit-* headers of a response. It reports
// false when the headers are absent.
func (t *Tracker) UpdateFromHeaders(method, path string, h http.Header) (Record, bool) {
	limitHeader := h.Get(screepsnet.HeaderRateLimitLimit)
	if limitHeader == "" {
		return Record{}, false
	}
	limit, _ := strconv.Atoi(limitHeader)
	remaining, _ := strconv.Atoi(h.Get(screepsnet.HeaderRateLimitRemaining))
	reset, _ := strconv.ParseInt(h.Get(screepsnet.HeaderRateLimitReset), 10, 64)

	class := Classify(method, path)
	t.Update(class, limit, remaining, reset)
	return t.Get(class), true
}
