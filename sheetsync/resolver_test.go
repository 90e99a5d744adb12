package sheetsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/utils"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestResolver(t *testing.T, srv *httptest.Server, cfg Config, clock *fakeClock) *Resolver {
	t.Helper()
	client := &Client{
		baseURL:        srv.URL,
		apiKey:         "test-key",
		apiKeyHdr:      "apikey",
		http:           srv.Client(),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: time.Second,
		sleep:          func(time.Duration) {},
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = 3
	}
	r := NewResolver(client, NewMemoryCacheWithClock(clock.Now), cfg, nil)
	r.sleep = func(time.Duration) {}
	return r
}

func TestResolveCachesHitsForTTL(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`"loc-uuid-1"`))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, DefaultConfig(), clock)

	for i := 0; i < 3; i++ {
		id, err := resolver.Resolve(context.Background(), "KAMDENTAL_BAYTOWN", "location")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if id != "loc-uuid-1" {
			t.Fatalf("resolve %d: id = %q", i, id)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cache hit within TTL)", calls)
	}

	// Just inside the TTL: still cached.
	clock.Advance(5*time.Minute - time.Second)
	if _, err := resolver.Resolve(context.Background(), "KAMDENTAL_BAYTOWN", "location"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 just before expiry", calls)
	}

	// Past the TTL: refetch.
	clock.Advance(2 * time.Second)
	if _, err := resolver.Resolve(context.Background(), "KAMDENTAL_BAYTOWN", "location"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after expiry", calls)
	}
}

func TestResolveCachesDefinitiveMiss(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("null"))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, DefaultConfig(), clock)

	for i := 0; i < 2; i++ {
		_, err := resolver.Resolve(context.Background(), "UNKNOWN_CODE", "location")
		if !errors.Is(err, utils.ErrRecordNotFound) {
			t.Fatalf("resolve %d: err = %v, want ErrRecordNotFound", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (misses are cached too)", calls)
	}
}

func TestResolveFallsBackToExternalMapping(t *testing.T) {
	var canonicalCalls, mappingCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/rpc/lookup_location_id":
			canonicalCalls++
			w.Write([]byte("null"))
		case "/rest/v1/rpc/lookup_external_mapping":
			mappingCalls++
			w.Write([]byte(`"loc-uuid-9"`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SystemName = "GSHEET_SYNC"
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, cfg, clock)

	id, err := resolver.Resolve(context.Background(), "LEGACY_CODE", "location")
	if err != nil {
		t.Fatal(err)
	}
	if id != "loc-uuid-9" {
		t.Fatalf("id = %q", id)
	}
	if canonicalCalls != 1 || mappingCalls != 1 {
		t.Fatalf("canonical=%d mapping=%d", canonicalCalls, mappingCalls)
	}
}

func TestResolveFallbackRefreshesBackendMapping(t *testing.T) {
	var upserts int
	var gotPrefer string
	var gotRows []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/rpc/lookup_location_id":
			w.Write([]byte("null"))
		case "/rest/v1/rpc/lookup_external_mapping":
			w.Write([]byte(`"loc-uuid-9"`))
		case "/rest/v1/external_id_mappings":
			upserts++
			gotPrefer = r.Header.Get("Prefer")
			_ = json.NewDecoder(r.Body).Decode(&gotRows)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SystemName = "GSHEET_SYNC"
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, cfg, clock)

	id, err := resolver.Resolve(context.Background(), "LEGACY_CODE", "location")
	if err != nil {
		t.Fatal(err)
	}
	if id != "loc-uuid-9" {
		t.Fatalf("id = %q", id)
	}
	if upserts != 1 {
		t.Fatalf("mapping upserts = %d, want 1 (fallback hit refreshes the row)", upserts)
	}
	if gotPrefer != "resolution=merge-duplicates" {
		t.Fatalf("Prefer = %q", gotPrefer)
	}
	if len(gotRows) != 1 {
		t.Fatalf("payload rows = %d", len(gotRows))
	}
	row := gotRows[0]
	if row["system_name"] != "GSHEET_SYNC" || row["external_id"] != "LEGACY_CODE" ||
		row["entity_type"] != "location" || row["entity_id"] != "loc-uuid-9" {
		t.Fatalf("payload = %v", row)
	}

	// Canonical hits never touch the mapping table.
	if _, err := resolver.Resolve(context.Background(), "LEGACY_CODE", "location"); err != nil {
		t.Fatal(err)
	}
	if upserts != 1 {
		t.Fatalf("mapping upserts = %d after cached resolve, want 1", upserts)
	}
}

func TestUpsertMappingReplayIsIdempotent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/external_id_mappings" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		calls++
		if got := r.Header.Get("Prefer"); got != "resolution=merge-duplicates" {
			t.Errorf("Prefer = %q", got)
		}
		var rows []map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil || len(rows) != 1 {
			t.Errorf("payload decode: rows=%d err=%v", len(rows), err)
		} else if rows[0]["notes"] != "seeded by ops" {
			t.Errorf("notes = %v", rows[0]["notes"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, DefaultConfig(), clock)

	// Last write wins: replaying the same upsert is harmless.
	for i := 0; i < 2; i++ {
		err := resolver.UpsertMapping(context.Background(), "GSHEET_SYNC", "LEGACY_CODE", "location", "loc-uuid-9", "seeded by ops")
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`"loc-uuid-1"`))
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, DefaultConfig(), clock)

	var delays []time.Duration
	resolver.sleep = func(d time.Duration) { delays = append(delays, d) }

	id, err := resolver.Resolve(context.Background(), "KAMDENTAL_BAYTOWN", "location")
	if err != nil {
		t.Fatal(err)
	}
	if id != "loc-uuid-1" {
		t.Fatalf("id = %q", id)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Linear backoff: delay, 2*delay.
	if len(delays) != 2 || delays[0] != 500*time.Millisecond || delays[1] != time.Second {
		t.Fatalf("delays = %v", delays)
	}
}

func TestResolveDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	resolver := newTestResolver(t, srv, DefaultConfig(), clock)

	_, err := resolver.Resolve(context.Background(), "KAMDENTAL_BAYTOWN", "location")
	if !errors.Is(err, utils.ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 403)", calls)
	}
}
