package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentID identifies one of the independently deployed backend agents.
type AgentID string

const (
	AgentMarketData AgentID = "market_data"
	AgentScraper    AgentID = "scraper"
	AgentRetriever  AgentID = "retriever"
	AgentAnalysis   AgentID = "analysis"
	AgentLanguage   AgentID = "language"
	AgentVoice      AgentID = "voice"
)

// EvidenceKind tags a normalized unit of information by its origin class.
type EvidenceKind string

const (
	KindMarketData      EvidenceKind = "market_data"
	KindFilingSnippet   EvidenceKind = "filing_snippet"
	KindNewsSnippet     EvidenceKind = "news_snippet"
	KindAnalysisInsight EvidenceKind = "analysis_insight"
)

// kindPriority is the fixed tie-break order for ranking and for the
// minimum-viable check: market data > analysis > filings > news.
func kindPriority(k EvidenceKind) int {
	switch k {
	case KindMarketData:
		return 0
	case KindAnalysisInsight:
		return 1
	case KindFilingSnippet:
		return 2
	case KindNewsSnippet:
		return 3
	default:
		return 4
	}
}

// CallState tracks the lifecycle of one outbound agent call.
type CallState string

const (
	CallPending   CallState = "pending"
	CallInFlight  CallState = "in_flight"
	CallSucceeded CallState = "succeeded"
	CallFailed    CallState = "failed"
	CallTimedOut  CallState = "timed_out"
	CallCancelled CallState = "cancelled"
)

// BriefRequest is the immutable ingress value for one orchestration run.
type BriefRequest struct {
	ID        string            `json:"id"`
	Query     string            `json:"query"`
	Mode      string            `json:"mode"` // "text" or "voice"
	AudioData string            `json:"audio_data,omitempty"`
	Hints     []AgentID         `json:"hints,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Deadline  time.Time         `json:"deadline"`
}

// VoiceRequested reports whether the caller expects synthesized audio back.
func (r BriefRequest) VoiceRequested() bool { return r.Mode == "voice" }

// AgentRequest is the uniform wire payload sent to every backend agent.
type AgentRequest struct {
	Query      string            `json:"query"`
	Parameters map[string]string `json:"parameters,omitempty"`
	DeadlineMS int64             `json:"deadline_ms"`
}

// AgentResponse is the uniform wire envelope returned by every agent. Data
// is opaque to the client; the assembler normalizes it into evidence items.
type AgentResponse struct {
	Status     string          `json:"status"` // "ok" or "error"
	Data       json.RawMessage `json:"data"`
	Confidence float64         `json:"confidence"`
	ErrorCode  string          `json:"error_code,omitempty"`
}

// ErrorCode classifies an agent call failure.
type ErrorCode string

const (
	ErrUnavailable      ErrorCode = "unavailable"
	ErrTimeout          ErrorCode = "timeout"
	ErrBadResponse      ErrorCode = "bad_response"
	ErrDeadlineExceeded ErrorCode = "deadline_exceeded"
)

// AgentError is the terminal failure of one agent call after retries.
type AgentError struct {
	Agent AgentID
	Code  ErrorCode
	Cause error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Code, e.Cause)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Code)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// Retryable reports whether the client may attempt the call again.
func (e *AgentError) Retryable() bool {
	return e.Code == ErrUnavailable || e.Code == ErrTimeout
}

// AgentCall represents one outbound call to one backend agent. Owned
// exclusively by the orchestrator for the lifetime of one request.
type AgentCall struct {
	Agent    AgentID
	Required bool
	Payload  AgentRequest
	Attempts int
	State    CallState
	Response *AgentResponse
	Err      *AgentError
	Latency  time.Duration
}

// EvidenceItem is a normalized unit of information contributed by an agent.
type EvidenceItem struct {
	Kind       EvidenceKind `json:"kind"`
	Content    string       `json:"content"`
	Confidence float64      `json:"confidence"`
	Agent      AgentID      `json:"agent"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Context is the deduplicated, ranked evidence set assembled for one
// request. Immutable after assembly.
type Context struct {
	Items []EvidenceItem `json:"items"`
}

// MinimumViable reports whether the context is sufficient to produce a
// non-failed result: at least one market_data or analysis_insight item.
// Evaluation order is fixed for determinism.
func (c Context) MinimumViable() bool {
	for _, kind := range []EvidenceKind{KindMarketData, KindAnalysisInsight} {
		for _, it := range c.Items {
			if it.Kind == kind {
				return true
			}
		}
	}
	return false
}

// BriefStatus is the terminal status of an orchestration run.
type BriefStatus string

const (
	StatusComplete BriefStatus = "complete"
	StatusDegraded BriefStatus = "degraded"
	StatusFailed   BriefStatus = "failed"
)

// BriefResult is the single terminal artifact handed back to the caller.
type BriefResult struct {
	ID            string      `json:"id"`
	Query         string      `json:"query"`
	Text          string      `json:"text"`
	Audio         string      `json:"audio,omitempty"` // base64 synthesized speech
	Status        BriefStatus `json:"status"`
	FailedAgents  []AgentID   `json:"failed_agents,omitempty"`
	SkippedAgents []AgentID   `json:"skipped_agents,omitempty"`
	ContextSize   int         `json:"context_size"`
	CreatedAt     time.Time   `json:"created_at"`
}

// CallTrace is the observability record for one agent call within a run.
type CallTrace struct {
	Agent    AgentID   `json:"agent"`
	Required bool      `json:"required"`
	Attempts int       `json:"attempts"`
	State    CallState `json:"state"`
	Latency  int64     `json:"latency_ms"`
	Error    string    `json:"error,omitempty"`
}

// RunTrace is the per-request trace persisted for diagnosing degraded and
// failed runs: full call history, context size and terminal status.
type RunTrace struct {
	RequestID    string      `json:"request_id"`
	Query        string      `json:"query"`
	Mode         string      `json:"mode"`
	Status       BriefStatus `json:"status"`
	Calls        []CallTrace `json:"calls"`
	ContextItems int         `json:"context_items"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
}
