package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

// TestClassify tests the endpoint to bucket mapping
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		path   string
		want   Class
	}{
		{"GET", "/api/user/memory", "GET userMemory"},
		{"POST", "/api/user/memory", "POST userMemory"},
		{"GET", "/api/user/memory-segment", "GET userMemorySegment"},
		{"post", "/api/user/console", "POST userConsole"},
		{"GET", "/api/game/room-terrain", "GET gameRoomTerrain"},
		{"GET", "/api/game/market/orders-index", "GET gameMarketOrdersIndex"},
		{"POST", "/api/user/set-active-branch", "POST userSetActiveBranch"},
		{"GET", "/api/user/console", Global},
		{"GET", "/api/version", Global},
		{"DELETE", "/api/user/memory", Global},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			if got := Classify(tt.method, tt.path); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestDefaults tests the seeded quotas
func TestDefaults(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)

	tests := []struct {
		class  Class
		limit  int
		period Period
	}{
		{Global, 120, Minute},
		{"GET userMemory", 1440, Day},
		{"POST userCode", 240, Day},
		{"GET gameRoomTerrain", 360, Hour},
		{"unknown", 120, Minute},
	}
	for _, tt := range tests {
		rec := tr.Get(tt.class)
		if rec.Limit != tt.limit || rec.Period != tt.period || rec.Remaining != tt.limit {
			t.Errorf("Get(%q) = %+v, want limit %d period %s", tt.class, rec, tt.limit, tt.period)
		}
	}
}

// TestUpdateFromHeaders tests header driven updates
func TestUpdateFromHeaders(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	reset := time.Now().Add(30 * time.Second).Unix()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "1440")
	h.Set("X-RateLimit-Remaining", "1439")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

	rec, ok := tr.UpdateFromHeaders("GET", "/api/user/memory", h)
	if !ok {
		t.Fatal("UpdateFromHeaders() = false, want true")
	}
	if rec.Remaining != 1439 || rec.Reset != reset {
		t.Errorf("record = %+v", rec)
	}
	if got := tr.Lookup("GET", "/api/user/memory"); got != rec {
		t.Errorf("Lookup() = %+v, want %+v", got, rec)
	}
	if s := rec.SecondsUntilReset(time.Unix(reset-10, 0)); s != 10 {
		t.Errorf("SecondsUntilReset() = %d, want 10", s)
	}

	// Global bucket untouched.
	if g := tr.Get(Global); g.Remaining != 120 {
		t.Errorf("global remaining = %d, want 120", g.Remaining)
	}

	if _, ok := tr.UpdateFromHeaders("GET", "/api/version", http.Header{}); ok {
		t.Error("UpdateFromHeaders() without headers = true, want false")
	}
}

// TestUpdateGlobal tests that unclassified endpoints update the shared bucket
func TestUpdateGlobal(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil)
	tr.Update(Classify("GET", "/api/game/time"), 120, 7, 100)

	if g := tr.Get(Global); g.Remaining != 7 || g.Reset != 100 {
		t.Errorf("global = %+v", g)
	}
}
