package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/marketbrief/marketbrief/internal/agent/telemetry"
)

// Request-level failure taxonomy. Agent-level failures never surface as
// errors from Run; they are folded into the BriefResult status instead.
var (
	ErrInsufficientContext = errors.New("insufficient context: no minimum-viable evidence assembled")
	ErrRunDeadlineExceeded = errors.New("request deadline exceeded before minimum-viable context")
	ErrRunCancelled        = errors.New("request cancelled")
	ErrTranscriptionFailed = errors.New("voice transcription failed")
)

// runState names the orchestrator's per-request states. Terminal states
// are done and failed.
type runState string

const (
	statePlanning    runState = "planning"
	stateDispatching runState = "dispatching"
	stateCollecting  runState = "collecting"
	stateAssembling  runState = "assembling"
	stateNarrating   runState = "narrating"
	stateDone        runState = "done"
	stateFailed      runState = "failed"
)

// OrchestratorConfig holds the per-run deadline policy.
type OrchestratorConfig struct {
	DefaultDeadline  time.Duration // applied when the request carries none
	OptionalDeadline time.Duration // secondary deadline for optional agents
}

// Normalize applies defaults for unset orchestrator values.
func (c OrchestratorConfig) Normalize() OrchestratorConfig {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 10 * time.Second
	}
	if c.OptionalDeadline <= 0 {
		c.OptionalDeadline = 2 * time.Second
	}
	return c
}

// Orchestrator drives one request through the planning, dispatching,
// collecting, assembling and narrating states. Runs execute concurrently;
// the breaker inside the client is the only state they share.
type Orchestrator struct {
	cfg       OrchestratorConfig
	client    *Client
	planner   *Planner
	assembler *Assembler
	narrator  *Narrator
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewOrchestrator wires the orchestrator over its collaborators.
func NewOrchestrator(cfg OrchestratorConfig, client *Client, planner *Planner, assembler *Assembler, narrator *Narrator, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg.Normalize(),
		client:    client,
		planner:   planner,
		assembler: assembler,
		narrator:  narrator,
		telemetry: tele,
		logger:    logger,
	}
}

// Run executes one orchestration run to a terminal state. The returned
// BriefResult always carries an explicit status and the affected agents;
// the error is non-nil only when the run failed, and names why.
func (o *Orchestrator) Run(ctx context.Context, req BriefRequest) (BriefResult, RunTrace, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Deadline.IsZero() {
		req.Deadline = start.Add(o.cfg.DefaultDeadline)
	}
	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	trace := RunTrace{RequestID: req.ID, Query: req.Query, Mode: req.Mode, StartedAt: start}
	o.logger.Printf("run %s: %s -> %q", req.ID, statePlanning, req.Query)

	// A voice query has to be transcribed before anything can be planned.
	if req.VoiceRequested() && req.Query == "" {
		text, aerr := o.narrator.Transcribe(ctx, req)
		if aerr != nil {
			trace.Calls = append(trace.Calls, CallTrace{
				Agent: AgentVoice, Required: true, State: CallFailed, Error: aerr.Error(),
			})
			return o.fail(req, &trace, start, fmt.Errorf("%w: %v", ErrTranscriptionFailed, aerr))
		}
		req.Query = text
		trace.Query = text
	}

	plan := o.planner.Plan(req)
	o.logger.Printf("run %s: %s required=%v optional=%v skipped=%v",
		req.ID, stateDispatching, plan.Required, plan.Optional, plan.Skipped)

	// Dispatch all required calls in parallel; optional calls run detached
	// under the secondary deadline.
	requiredCh := make(chan *AgentCall, len(plan.Required))
	for _, agent := range plan.Required {
		go o.dispatch(ctx, o.newCall(ctx, req, agent, true), requiredCh)
	}

	optionalCh := make(chan *AgentCall, len(plan.Optional))
	optCtx, optCancel := context.WithTimeout(ctx, o.cfg.OptionalDeadline)
	defer optCancel()
	for _, agent := range plan.Optional {
		go o.dispatch(optCtx, o.newCall(optCtx, req, agent, false), optionalCh)
	}

	// Collecting: wait for all required calls or the deadline, whichever
	// comes first.
	o.logger.Printf("run %s: %s", req.ID, stateCollecting)
	completed := make([]*AgentCall, 0, len(plan.Required)+len(plan.Optional))
	seen := make(map[AgentID]bool)
collect:
	for len(completed) < len(plan.Required) {
		select {
		case call := <-requiredCh:
			completed = append(completed, call)
			seen[call.Agent] = true
		case <-ctx.Done():
			break collect
		}
	}

	// Optional calls may still land until their secondary deadline; any
	// result arriving after this loop is abandoned, never merged late.
	outstanding := len(plan.Optional)
	for outstanding > 0 {
		select {
		case call := <-optionalCh:
			completed = append(completed, call)
			seen[call.Agent] = true
			outstanding--
		case <-optCtx.Done():
			outstanding = 0
		}
	}

	// Snapshot the trace. Calls never received are recorded from the plan,
	// not the shared structs, which their goroutines may still own.
	interrupted := CallTimedOut
	if errors.Is(ctx.Err(), context.Canceled) {
		interrupted = CallCancelled
	}
	for _, call := range completed {
		trace.Calls = append(trace.Calls, callTrace(call))
	}
	for _, agent := range plan.Required {
		if !seen[agent] {
			trace.Calls = append(trace.Calls, CallTrace{Agent: agent, Required: true, State: interrupted})
		}
	}
	for _, agent := range plan.Optional {
		if !seen[agent] {
			trace.Calls = append(trace.Calls, CallTrace{Agent: agent, State: interrupted})
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return o.fail(req, &trace, start, ErrRunCancelled)
	}

	o.logger.Printf("run %s: %s with %d completed calls", req.ID, stateAssembling, len(completed))
	evidence := o.assembler.Assemble(completed)
	trace.ContextItems = len(evidence.Items)

	var failedAgents []AgentID
	requiredFailed := 0
	for _, ct := range trace.Calls {
		if ct.State != CallSucceeded {
			failedAgents = append(failedAgents, ct.Agent)
			if ct.Required {
				requiredFailed++
			}
		}
	}

	if !evidence.MinimumViable() {
		err := ErrInsufficientContext
		if ctx.Err() != nil {
			err = ErrRunDeadlineExceeded
		}
		res, tr := o.failResult(req, &trace, start, failedAgents, plan.Skipped)
		return res, tr, err
	}

	o.logger.Printf("run %s: %s", req.ID, stateNarrating)
	narration := o.narrator.Narrate(ctx, req, evidence)

	status := StatusComplete
	if len(failedAgents) > 0 || narration.LanguageFailed || narration.VoiceFailed {
		status = StatusDegraded
	}

	result := BriefResult{
		ID:            req.ID,
		Query:         req.Query,
		Text:          narration.Text,
		Audio:         narration.Audio,
		Status:        status,
		FailedAgents:  failedAgents,
		SkippedAgents: plan.Skipped,
		ContextSize:   len(evidence.Items),
		CreatedAt:     time.Now(),
	}
	o.finish(&trace, status, start)
	o.logger.Printf("run %s: %s status=%s items=%d in %v", req.ID, stateDone, status, len(evidence.Items), time.Since(start))
	return result, trace, nil
}

// newCall builds the AgentCall for one agent, carrying the deadline the
// call actually runs under (optional calls see the secondary deadline).
func (o *Orchestrator) newCall(ctx context.Context, req BriefRequest, agent AgentID, required bool) *AgentCall {
	deadlineMS := int64(0)
	if deadline, ok := ctx.Deadline(); ok {
		deadlineMS = time.Until(deadline).Milliseconds()
	}
	params := map[string]string{}
	for k, v := range req.Params {
		params[k] = v
	}
	return &AgentCall{
		Agent:    agent,
		Required: required,
		State:    CallPending,
		Payload: AgentRequest{
			Query:      req.Query,
			Parameters: params,
			DeadlineMS: deadlineMS,
		},
	}
}

// dispatch runs one call to its terminal state and reports it. The channel
// is buffered to capacity, so abandoned results never block or leak.
func (o *Orchestrator) dispatch(ctx context.Context, call *AgentCall, done chan<- *AgentCall) {
	call.State = CallInFlight
	resp, stats, aerr := o.client.Call(ctx, call.Agent, call.Payload)
	call.Attempts = stats.Attempts
	call.Latency = stats.Latency
	if aerr != nil {
		call.Err = aerr
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			call.State = CallCancelled
		case aerr.Code == ErrTimeout || aerr.Code == ErrDeadlineExceeded:
			call.State = CallTimedOut
		default:
			call.State = CallFailed
		}
	} else {
		call.Response = resp
		call.State = CallSucceeded
	}
	done <- call
}

func callTrace(call *AgentCall) CallTrace {
	ct := CallTrace{
		Agent:    call.Agent,
		Required: call.Required,
		Attempts: call.Attempts,
		State:    call.State,
		Latency:  call.Latency.Milliseconds(),
	}
	if call.Err != nil {
		ct.Error = call.Err.Error()
	}
	return ct
}

func (o *Orchestrator) fail(req BriefRequest, trace *RunTrace, start time.Time, err error) (BriefResult, RunTrace, error) {
	res, tr := o.failResult(req, trace, start, nil, nil)
	return res, tr, err
}

func (o *Orchestrator) failResult(req BriefRequest, trace *RunTrace, start time.Time, failed []AgentID, skipped []AgentID) (BriefResult, RunTrace) {
	result := BriefResult{
		ID:            req.ID,
		Query:         req.Query,
		Status:        StatusFailed,
		FailedAgents:  failed,
		SkippedAgents: skipped,
		CreatedAt:     time.Now(),
	}
	o.finish(trace, StatusFailed, start)
	o.logger.Printf("run %s: %s after %v", req.ID, stateFailed, time.Since(start))
	return result, *trace
}

func (o *Orchestrator) finish(trace *RunTrace, status BriefStatus, start time.Time) {
	trace.Status = status
	trace.CompletedAt = time.Now()
	if o.telemetry != nil {
		o.telemetry.RecordRun(telemetry.RunEvent{
			ID:           trace.RequestID,
			Status:       string(status),
			Duration:     trace.CompletedAt.Sub(start),
			ContextItems: trace.ContextItems,
			Calls:        len(trace.Calls),
		})
	}
}
