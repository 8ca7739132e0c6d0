package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const acceptedBody = `{"orderId":123456,"clientOrderId":"x","status":"FILLED","executedQty":"0.001","avgPrice":"50000.00"}`

// recordingSleeper 记录退避延时，不做真实等待。
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return s.err
}

// testServer 记录每次请求的签名载荷并按脚本返回响应。
type testServer struct {
	mu       sync.Mutex
	payloads []string
	handler  func(call int, w http.ResponseWriter)
	server   *httptest.Server
}

func newTestServer(t *testing.T, handler func(call int, w http.ResponseWriter)) *testServer {
	t.Helper()
	ts := &testServer{handler: handler}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.payloads = append(ts.payloads, string(body))
		call := len(ts.payloads)
		ts.mu.Unlock()
		ts.handler(call, w)
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) calls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.payloads)
}

func newTestDispatcher(ts *testServer, policy RetryPolicy, sleeper *recordingSleeper) *Dispatcher {
	signer := NewSigner("test-key", "test-secret")
	builder := NewRequestBuilder(signer, 5*time.Second, stepClock(1700000000000))
	return NewDispatcher(ts.server.Client(), ts.server.URL, builder, signer, 2*time.Second, policy, sleeper.sleep, nil)
}

func defaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MinDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

func dispatchOnce(t *testing.T, d *Dispatcher) DispatchResult {
	t.Helper()
	order := testOrder()
	signed, err := d.builder.Build(order)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return d.Dispatch(context.Background(), order, signed)
}

func TestDispatch_AcceptedFirstAttempt(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		_, _ = w.Write([]byte(acceptedBody))
	})
	d := newTestDispatcher(ts, defaultPolicy(), &recordingSleeper{})

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", result.Outcome.Kind, result.Outcome.Cause)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.Outcome.Fill == nil || result.Outcome.Fill.OrderID != 123456 {
		t.Errorf("unexpected fill: %+v", result.Outcome.Fill)
	}
	if result.Outcome.PossibleDuplicate {
		t.Errorf("unexpected possible_duplicate on clean accept")
	}
}

func TestDispatch_RateLimitedThenAccepted(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		if call <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(acceptedBody))
	})
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(ts, defaultPolicy(), sleeper)

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", result.Outcome.Kind, result.Outcome.Cause)
	}
	if result.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", result.Attempts)
	}

	// 退避延时单调不减。
	for i := 1; i < len(sleeper.delays); i++ {
		if sleeper.delays[i] < sleeper.delays[i-1] {
			t.Errorf("backoff decreased: %v after %v", sleeper.delays[i], sleeper.delays[i-1])
		}
	}
	// 限速时请求未被交易所受理，不标记重复风险。
	if result.Outcome.PossibleDuplicate {
		t.Errorf("rate limit retries should not flag possible duplicate")
	}
}

func TestDispatch_ResignsEachRetry(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(acceptedBody))
	})
	d := newTestDispatcher(ts, defaultPolicy(), &recordingSleeper{})

	result := dispatchOnce(t, d)
	if result.Outcome.Kind != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", result.Outcome.Kind)
	}

	if len(ts.payloads) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.payloads))
	}
	first, second := parseTimestamp(t, ts.payloads[0]), parseTimestamp(t, ts.payloads[1])
	if second <= first {
		t.Errorf("retry did not carry a fresh timestamp: %s then %s", first, second)
	}
	if sig1, sig2 := parseParam(t, ts.payloads[0], "signature"), parseParam(t, ts.payloads[1], "signature"); sig1 == sig2 {
		t.Errorf("retry reused a stale signature")
	}
}

func TestDispatch_RejectedNeverRetried(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	})
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(ts, defaultPolicy(), sleeper)

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome.Kind)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.Outcome.ExchangeCode != -2019 {
		t.Errorf("unexpected exchange code %d", result.Outcome.ExchangeCode)
	}
	if !strings.Contains(result.Outcome.Message, "insufficient") {
		t.Errorf("unexpected message %q", result.Outcome.Message)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("rejection must not trigger backoff, got %d waits", len(sleeper.delays))
	}
}

func TestDispatch_RejectedAfterTransients(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		if call == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})
	d := newTestDispatcher(ts, defaultPolicy(), &recordingSleeper{})

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome.Kind)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	// 首次 5xx 后交易所可能已受理，之后的任何终态都要带上重复风险标记。
	if !result.Outcome.PossibleDuplicate {
		t.Errorf("expected possible_duplicate after ambiguous transient")
	}
}

func TestDispatch_TransientExhausted(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	sleeper := &recordingSleeper{}
	policy := RetryPolicy{MaxAttempts: 3, MinDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	d := newTestDispatcher(ts, policy, sleeper)

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeTransient {
		t.Fatalf("expected transient, got %s", result.Outcome.Kind)
	}
	if result.Attempts != policy.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", policy.MaxAttempts, result.Attempts)
	}
	if ts.calls() != policy.MaxAttempts {
		t.Errorf("expected %d requests, got %d", policy.MaxAttempts, ts.calls())
	}
	if !result.Outcome.PossibleDuplicate {
		t.Errorf("expected possible_duplicate on exhausted 5xx retries")
	}
}

func TestDispatch_AuthFailureIsFatal(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(ts, defaultPolicy(), sleeper)

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeFatal {
		t.Fatalf("expected fatal, got %s", result.Outcome.Kind)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("fatal failure must not trigger backoff")
	}
}

func TestDispatch_MalformedConfirmationIsFatal(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`not-json`))
	})
	d := newTestDispatcher(ts, defaultPolicy(), &recordingSleeper{})

	result := dispatchOnce(t, d)
	if result.Outcome.Kind != OutcomeFatal {
		t.Fatalf("expected fatal, got %s", result.Outcome.Kind)
	}
}

func TestDispatch_CancelledBetweenRetries(t *testing.T) {
	ts := newTestServer(t, func(call int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	sleeper := &recordingSleeper{err: context.Canceled}
	d := newTestDispatcher(ts, defaultPolicy(), sleeper)

	result := dispatchOnce(t, d)

	if result.Outcome.Kind != OutcomeTransient {
		t.Fatalf("expected transient, got %s", result.Outcome.Kind)
	}
	// 取消发生在首次重试等待时，仅发出过一次请求。
	if ts.calls() != 1 {
		t.Errorf("expected 1 request, got %d", ts.calls())
	}
	if !strings.Contains(result.Outcome.Cause, "取消") {
		t.Errorf("cause should mention cancellation: %s", result.Outcome.Cause)
	}
	if !result.Outcome.Cancelled {
		t.Errorf("expected Cancelled flag on early termination")
	}
}

func TestDispatch_SendsAPIKeyHeaderNotSecret(t *testing.T) {
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(acceptedBody))
	}))
	defer server.Close()

	signer := NewSigner("test-key", "test-secret")
	builder := NewRequestBuilder(signer, 5*time.Second, stepClock(1700000000000))
	d := NewDispatcher(server.Client(), server.URL, builder, signer, 2*time.Second, defaultPolicy(), (&recordingSleeper{}).sleep, nil)

	result := dispatchOnce(t, d)
	if result.Outcome.Kind != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", result.Outcome.Kind)
	}
	if header != "test-key" {
		t.Errorf("expected X-MBX-APIKEY header, got %q", header)
	}
}

func parseParam(t *testing.T, payload, key string) string {
	t.Helper()
	values, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("payload is not a query string: %v", err)
	}
	return values.Get(key)
}

func parseTimestamp(t *testing.T, payload string) string {
	t.Helper()
	ts := parseParam(t, payload, "timestamp")
	if ts == "" {
		t.Fatalf("payload missing timestamp: %s", payload)
	}
	return ts
}
