package core

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, Multiplier: 2.0, Jitter: 0.01}
}

func testClient(t *testing.T, agent AgentID, handler http.HandlerFunc, retry RetryConfig, breaker *Breaker) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reg := NewRegistry(map[AgentID]AgentEndpoint{agent: {URL: srv.URL, Enabled: true}})
	logger := log.New(io.Discard, "", 0)
	return NewClient(reg, breaker, retry, nil, logger), srv
}

func okHandler(conf float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AgentResponse{
			Status:     "ok",
			Data:       json.RawMessage(`{"items":[{"kind":"market_data","content":"AAPL 230.12","confidence":0.9}]}`),
			Confidence: conf,
		})
	}
}

func TestCallSuccess(t *testing.T) {
	c, _ := testClient(t, AgentMarketData, okHandler(0.9), fastRetry(), nil)

	resp, stats, aerr := c.Call(context.Background(), AgentMarketData, AgentRequest{Query: "AAPL"})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if resp.Confidence != 0.9 {
		t.Fatalf("unexpected confidence: %.2f", resp.Confidence)
	}
	if stats.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", stats.Attempts)
	}
}

func TestCallRetriesTransientFailure(t *testing.T) {
	var count int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okHandler(0.8)(w, r)
	}
	c, _ := testClient(t, AgentMarketData, handler, fastRetry(), nil)

	resp, stats, aerr := c.Call(context.Background(), AgentMarketData, AgentRequest{Query: "AAPL"})
	if aerr != nil {
		t.Fatalf("call did not recover from transient failures: %v", aerr)
	}
	if resp == nil || stats.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %d", stats.Attempts)
	}
}

func TestCallBadResponseNotRetried(t *testing.T) {
	var count int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadRequest)
	}
	c, _ := testClient(t, AgentAnalysis, handler, fastRetry(), nil)

	_, _, aerr := c.Call(context.Background(), AgentAnalysis, AgentRequest{Query: "AAPL"})
	if aerr == nil || aerr.Code != ErrBadResponse {
		t.Fatalf("expected bad_response, got %v", aerr)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("non-retryable failure was retried %d times", got)
	}
}

func TestCallAgentReportedTimeoutIsRetried(t *testing.T) {
	var count int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		_ = json.NewEncoder(w).Encode(AgentResponse{Status: "error", ErrorCode: "timeout"})
	}
	retry := fastRetry()
	retry.MaxAttempts = 2
	c, _ := testClient(t, AgentScraper, handler, retry, nil)

	_, _, aerr := c.Call(context.Background(), AgentScraper, AgentRequest{Query: "AAPL news"})
	if aerr == nil || aerr.Code != ErrTimeout {
		t.Fatalf("expected timeout classification, got %v", aerr)
	}
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestCallRejectsOutOfRangeConfidence(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AgentResponse{Status: "ok", Data: json.RawMessage(`{}`), Confidence: 1.5})
	}
	c, _ := testClient(t, AgentAnalysis, handler, fastRetry(), nil)

	_, stats, aerr := c.Call(context.Background(), AgentAnalysis, AgentRequest{Query: "AAPL"})
	if aerr == nil || aerr.Code != ErrBadResponse {
		t.Fatalf("out-of-range confidence accepted: %v", aerr)
	}
	if stats.Attempts != 1 {
		t.Fatalf("malformed response was retried %d times", stats.Attempts)
	}
}

func TestCallUnknownAgent(t *testing.T) {
	reg := NewRegistry(map[AgentID]AgentEndpoint{})
	c := NewClient(reg, nil, fastRetry(), nil, log.New(io.Discard, "", 0))

	_, _, aerr := c.Call(context.Background(), AgentVoice, AgentRequest{})
	if aerr == nil || aerr.Code != ErrUnavailable {
		t.Fatalf("expected unavailable for unknown agent, got %v", aerr)
	}
}

func TestCallExpiredContext(t *testing.T) {
	c, _ := testClient(t, AgentMarketData, okHandler(0.9), fastRetry(), nil)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, aerr := c.Call(ctx, AgentMarketData, AgentRequest{Query: "AAPL"})
	if aerr == nil || aerr.Code != ErrDeadlineExceeded {
		t.Fatalf("expected deadline_exceeded, got %v", aerr)
	}
}

func TestCircuitOpensAndShortCircuits(t *testing.T) {
	var count int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}
	retry := fastRetry()
	retry.MaxAttempts = 1
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, Window: 30 * time.Second, Cooldown: time.Hour})
	c, _ := testClient(t, AgentScraper, handler, retry, breaker)

	for i := 0; i < 2; i++ {
		if _, _, aerr := c.Call(context.Background(), AgentScraper, AgentRequest{}); aerr == nil {
			t.Fatalf("expected failure on call %d", i+1)
		}
	}
	if breaker.Allow(AgentScraper) {
		t.Fatalf("circuit did not open after threshold failures")
	}

	// The third call must short-circuit without touching the network.
	_, _, aerr := c.Call(context.Background(), AgentScraper, AgentRequest{})
	if aerr == nil || aerr.Code != ErrUnavailable {
		t.Fatalf("expected fast unavailable from open circuit, got %v", aerr)
	}
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("open circuit still dispatched: %d requests", got)
	}
}
