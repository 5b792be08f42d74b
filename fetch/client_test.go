package fetch

import (
	"context"
	"errors"
	"killstory/metrics"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type testServer struct {
	client *Client
	sleeps *recordedSleep
	calls  *atomic.Int32
	url    string
}

func newTestServer(t *testing.T, handler http.HandlerFunc) testServer {
	t.Helper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	rec := &recordedSleep{}
	client := NewClient(zerolog.Nop(), Config{MaxAttempts: 5, BackoffUnit: time.Second}, WithSleep(rec.sleep))

	return testServer{client: client, sleeps: rec, calls: &calls, url: server.URL}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		expect Action
	}{
		{200, ActionSuccess},
		{204, ActionSuccess},
		{304, ActionSkip},
		{400, ActionSkip},
		{422, ActionSkip},
		{420, ActionRetry},
		{500, ActionRetry},
		{503, ActionRetry},
		{504, ActionRetry},
		{401, ActionFail},
		{403, ActionFail},
		{404, ActionFail},
		{429, ActionFail},
		{502, ActionFail},
	}

	for _, tt := range tests {
		if got := Classify(tt.status); got != tt.expect {
			t.Errorf("Classify(%d) = %v, want %v", tt.status, got, tt.expect)
		}
	}
}

func TestGetRetriesTransientThenSucceeds(t *testing.T) {
	var attempt atomic.Int32
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"killmail_id": 555}`))
	})

	res, err := ts.client.Get(context.Background(), ts.url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res == nil || string(res.Body) != `{"killmail_id": 555}` {
		t.Fatalf("unexpected response %+v", res)
	}

	if ts.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", ts.calls.Load())
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if !equalDurations(ts.sleeps.delays, want) {
		t.Errorf("sleeps = %v, want %v", ts.sleeps.delays, want)
	}
}

func TestGetCountsAttemptsByOutcome(t *testing.T) {
	retries := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("retry"))
	successes := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("success"))

	var attempt atomic.Int32
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Write([]byte(`[]`))
	})

	if _, err := ts.client.Get(context.Background(), ts.url); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("retry")) - retries; got != 1 {
		t.Errorf("retry attempts = %v, want 1", got)
	}

	if got := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("success")) - successes; got != 1 {
		t.Errorf("successful attempts = %v, want 1", got)
	}
}

func TestGetSkipsPermanentStatuses(t *testing.T) {
	for _, status := range []int{304, 400, 422} {
		ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		res, err := ts.client.Get(context.Background(), ts.url)
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}

		if res != nil {
			t.Errorf("status %d: expected no response", status)
		}

		if ts.calls.Load() != 1 {
			t.Errorf("status %d: expected a single attempt, got %d", status, ts.calls.Load())
		}

		if len(ts.sleeps.delays) != 0 {
			t.Errorf("status %d: expected no sleep, got %v", status, ts.sleeps.delays)
		}
	}
}

func TestGetExhaustsRetryBudget(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(420)
	})

	res, err := ts.client.Get(context.Background(), ts.url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res != nil {
		t.Fatal("expected no response after exhausting retries")
	}

	if ts.calls.Load() != 5 {
		t.Errorf("expected 5 attempts, got %d", ts.calls.Load())
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if !equalDurations(ts.sleeps.delays, want) {
		t.Errorf("sleeps = %v, want %v", ts.sleeps.delays, want)
	}
}

func TestNewClientBoundsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := &recordedSleep{}
	client := NewClient(zerolog.Nop(), Config{MaxAttempts: 100, BackoffUnit: time.Second}, WithSleep(rec.sleep))

	if _, err := client.Get(context.Background(), server.URL); err != nil {
		t.Fatal(err)
	}

	if calls.Load() != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, calls.Load())
	}

	for _, d := range rec.delays {
		if d <= 0 {
			t.Fatalf("backoff overflowed: %v", rec.delays)
		}
	}
}

func TestGetReturnsRequestErrorForUnclassifiedStatus(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := ts.client.Get(context.Background(), ts.url)

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}

	if reqErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", reqErr.StatusCode)
	}

	if ts.calls.Load() != 1 || len(ts.sleeps.delays) != 0 {
		t.Errorf("expected a single attempt without sleeping, got %d attempts and %v", ts.calls.Load(), ts.sleeps.delays)
	}
}

func TestGetCountsNetworkErrorsAgainstBudget(t *testing.T) {
	networkErrors := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("network_error"))

	// Every connection is dropped before a response is written.
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("failed to hijack connection: %v", err)
			return
		}
		conn.Close()
	})

	res, err := ts.client.Get(context.Background(), ts.url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res != nil {
		t.Fatal("expected no response")
	}

	if ts.calls.Load() != 5 {
		t.Errorf("expected 5 attempts, got %d", ts.calls.Load())
	}

	if got := testutil.ToFloat64(metrics.FetchAttempts.WithLabelValues("network_error")) - networkErrors; got != 5 {
		t.Errorf("network error attempts = %v, want 5", got)
	}

	if len(ts.sleeps.delays) != 0 {
		t.Errorf("network errors should not back off, got %v", ts.sleeps.delays)
	}
}

func TestGetStopsOnCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(zerolog.Nop(), Config{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := client.Get(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGetSendsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(zerolog.Nop(), Config{UserAgent: "Killstory/test (admin@example.com)"})
	if _, err := client.Get(context.Background(), server.URL); err != nil {
		t.Fatal(err)
	}

	if got != "Killstory/test (admin@example.com)" {
		t.Errorf("User-Agent = %q", got)
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
