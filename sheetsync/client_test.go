package sheetsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testClient(t *testing.T, srv *httptest.Server, sleeps *[]time.Duration) *Client {
	t.Helper()
	return &Client{
		baseURL:        srv.URL,
		apiKey:         "test-key",
		apiKeyHdr:      "apikey",
		http:           srv.Client(),
		maxAttempts:    3,
		initialBackoff: time.Second,
		sleep: func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		},
	}
}

func testBatch() []CanonicalRecord {
	return []CanonicalRecord{{
		Date:         time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		LocationId:   "loc-1",
		LocationCode: "KAMDENTAL_BAYTOWN",
		Production:   decimal.NewFromInt(5000),
	}}
}

func TestSendBatchRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := testClient(t, srv, &sleeps)

	result := c.SendBatch(context.Background(), testBatch(), "batch-1")
	if !result.Success {
		t.Fatalf("expected success after retries, got %+v", result)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Exponential: d, 2d.
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestSendBatchExhaustsRetryBudget(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := testClient(t, srv, &sleeps)

	result := c.SendBatch(context.Background(), testBatch(), "batch-1")
	if result.Success {
		t.Fatal("expected failure")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// No sleep after the final attempt.
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v", sleeps)
	}
	var rle *RateLimitError
	if !errors.As(result.Err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", result.Err)
	}
	if !IsRetryable(result.Err) {
		t.Fatal("rate limit errors must classify as retryable")
	}
}

func TestSendBatchDoesNotRetryPermanentRejection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	result := c.SendBatch(context.Background(), testBatch(), "batch-1")
	if result.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
	var pae *PermanentAPIError
	if !errors.As(result.Err, &pae) {
		t.Fatalf("err = %v, want PermanentAPIError", result.Err)
	}
	if IsRetryable(result.Err) {
		t.Fatal("permanent errors must not classify as retryable")
	}
}

func TestSendBatchRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	result := c.SendBatch(context.Background(), testBatch(), "batch-1")
	if !result.Success || calls != 2 {
		t.Fatalf("success=%v calls=%d", result.Success, calls)
	}
}

func TestSendBatchHeaders(t *testing.T) {
	var gotPrefer, gotKey, gotBatchID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotKey = r.Header.Get("apikey")
		gotBatchID = r.Header.Get("X-Batch-Id")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	if result := c.SendBatch(context.Background(), testBatch(), "batch-42"); !result.Success {
		t.Fatalf("send failed: %+v", result)
	}
	if gotPrefer != "resolution=merge-duplicates" {
		t.Fatalf("Prefer = %q", gotPrefer)
	}
	if gotKey != "test-key" {
		t.Fatalf("apikey = %q", gotKey)
	}
	if gotBatchID != "batch-42" {
		t.Fatalf("X-Batch-Id = %q", gotBatchID)
	}
}

func TestLookupID(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "quoted id", body: `"loc-uuid-1"`, want: "loc-uuid-1"},
		{name: "bare id", body: "loc-uuid-1", want: "loc-uuid-1"},
		{name: "json null miss", body: "null", want: ""},
		{name: "empty miss", body: "", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := testClient(t, srv, nil)
			id, err := c.LookupID(context.Background(), "/rest/v1/rpc/lookup_location_id", map[string]string{"codeInput": "X"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tc.want {
				t.Fatalf("id = %q, want %q", id, tc.want)
			}
		})
	}
}

func TestExistingKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("location_id") != "in.(loc-1,loc-2)" {
			t.Errorf("location_id filter = %q", q.Get("location_id"))
		}
		if q.Get("date") != "in.(2026-08-27,2026-08-28)" {
			t.Errorf("date filter = %q", q.Get("date"))
		}
		w.Write([]byte(`[{"location_id":"loc-1","date":"2026-08-28"}]`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil)
	keys, err := c.ExistingKeys(context.Background(), []string{"loc-1", "loc-2"}, []string{"2026-08-27", "2026-08-28"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || !keys["loc-1|2026-08-28"] {
		t.Fatalf("keys = %v", keys)
	}
}

func TestSendBatchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	var sleeps []time.Duration
	c := testClient(t, srv, &sleeps)
	c.http = &http.Client{Timeout: time.Second}

	result := c.SendBatch(context.Background(), testBatch(), "batch-1")
	if result.Success {
		t.Fatal("expected failure")
	}
	var tne *TransientNetworkError
	if !errors.As(result.Err, &tne) {
		t.Fatalf("err = %v, want TransientNetworkError", result.Err)
	}
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want backoff between 3 attempts", sleeps)
	}
}
