package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marketbrief/marketbrief/internal/agent/telemetry"
)

// RetryConfig holds the retry-with-backoff policy applied to every agent call.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Multiplier  float64
	Jitter      float64 // randomization factor in [0,1]
}

// Normalize applies defaults for unset retry values.
func (c RetryConfig) Normalize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	return c
}

// Client is the uniform typed client for calling any backend agent. It
// handles serialization, deadline enforcement, retry with backoff, error
// classification and circuit breaking. Safe for concurrent use.
type Client struct {
	registry  *Registry
	breaker   *Breaker
	http      *http.Client
	retry     RetryConfig
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewClient creates an agent client. The http.Client carries no global
// timeout; each attempt is bounded by the request deadline instead.
func NewClient(reg *Registry, breaker *Breaker, retry RetryConfig, tele *telemetry.Telemetry, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLIENT] ", log.LstdFlags)
	}
	return &Client{
		registry:  reg,
		breaker:   breaker,
		http:      &http.Client{},
		retry:     retry.Normalize(),
		telemetry: tele,
		logger:    logger,
	}
}

// CallStats reports what one logical call cost: how many attempts went out
// and the latency of the last one.
type CallStats struct {
	Attempts int
	Latency  time.Duration
}

// Call issues one logical call to the named agent, retrying transient
// failures with exponential backoff as long as the deadline allows another
// attempt. The returned latency covers the last attempt only.
func (c *Client) Call(ctx context.Context, agent AgentID, req AgentRequest) (*AgentResponse, CallStats, *AgentError) {
	var stats CallStats

	endpoint, err := c.registry.Resolve(agent)
	if err != nil {
		return nil, stats, &AgentError{Agent: agent, Code: ErrUnavailable, Cause: err}
	}

	if c.breaker != nil && !c.breaker.Allow(agent) {
		c.recordAttempt(agent, 0, "circuit_open", 0)
		return nil, stats, &AgentError{Agent: agent, Code: ErrUnavailable, Cause: errors.New("circuit open")}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, stats, &AgentError{Agent: agent, Code: ErrBadResponse, Cause: err}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.BaseBackoff
	bo.Multiplier = c.retry.Multiplier
	bo.RandomizationFactor = c.retry.Jitter
	bo.MaxElapsedTime = 0 // deadline handled explicitly below
	bo.Reset()

	var lastErr *AgentError
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, &AgentError{Agent: agent, Code: ErrDeadlineExceeded, Cause: err}
		}

		start := time.Now()
		resp, aerr := c.attempt(ctx, agent, endpoint, body)
		stats.Attempts = attempt
		stats.Latency = time.Since(start)

		if aerr == nil {
			c.recordAttempt(agent, attempt, "success", stats.Latency)
			if c.breaker != nil {
				c.breaker.RecordSuccess(agent)
			}
			return resp, stats, nil
		}

		c.recordAttempt(agent, attempt, string(aerr.Code), stats.Latency)
		if c.breaker != nil && (aerr.Code == ErrUnavailable || aerr.Code == ErrTimeout) {
			if c.breaker.RecordFailure(agent) {
				c.logger.Printf("circuit opened for agent %s", agent)
				if c.telemetry != nil {
					c.telemetry.RecordBreakerOpen(string(agent))
				}
			}
		}
		lastErr = aerr

		if !aerr.Retryable() || attempt == c.retry.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok {
			// No point sleeping into the deadline; surface the last error.
			if time.Until(deadline) <= wait {
				break
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, stats, &AgentError{Agent: agent, Code: ErrDeadlineExceeded, Cause: ctx.Err()}
		}
	}
	return nil, stats, lastErr
}

// attempt performs a single HTTP round-trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, agent AgentID, endpoint string, body []byte) (*AgentResponse, *AgentError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AgentError{Agent: agent, Code: ErrBadResponse, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.contextError(agent, ctxErr)
		}
		// Connection refused, DNS failure, reset: the agent is unreachable.
		return nil, &AgentError{Agent: agent, Code: ErrUnavailable, Cause: err}
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &AgentError{Agent: agent, Code: ErrUnavailable, Cause: fmt.Errorf("%s: %s", httpResp.Status, string(b))}
	case httpResp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &AgentError{Agent: agent, Code: ErrBadResponse, Cause: fmt.Errorf("%s: %s", httpResp.Status, string(b))}
	}

	var resp AgentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &AgentError{Agent: agent, Code: ErrBadResponse, Cause: err}
	}
	if resp.Status != "ok" {
		return nil, &AgentError{Agent: agent, Code: classifyAgentError(resp.ErrorCode), Cause: fmt.Errorf("agent reported %q", resp.ErrorCode)}
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, &AgentError{Agent: agent, Code: ErrBadResponse, Cause: fmt.Errorf("confidence %.3f out of range", resp.Confidence)}
	}
	return &resp, nil
}

// contextError classifies a context expiry observed mid-flight: the
// deadline firing during an attempt is a call timeout, while cancellation
// means the whole request is being torn down.
func (c *Client) contextError(agent AgentID, err error) *AgentError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AgentError{Agent: agent, Code: ErrTimeout, Cause: err}
	}
	return &AgentError{Agent: agent, Code: ErrDeadlineExceeded, Cause: err}
}

// classifyAgentError maps an agent-reported error_code onto the client
// taxonomy. Unknown codes are treated as bad responses, not transport
// failures, so they never trip the breaker.
func classifyAgentError(code string) ErrorCode {
	switch code {
	case string(ErrUnavailable):
		return ErrUnavailable
	case string(ErrTimeout):
		return ErrTimeout
	default:
		return ErrBadResponse
	}
}

func (c *Client) recordAttempt(agent AgentID, attempt int, outcome string, latency time.Duration) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.RecordAttempt(telemetry.AttemptEvent{
		Agent:   string(agent),
		Attempt: attempt,
		Outcome: outcome,
		Latency: latency,
		Time:    time.Now(),
	})
}
