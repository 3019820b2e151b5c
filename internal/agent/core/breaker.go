package core

import (
	"sync"
	"time"
)

// BreakerConfig holds the circuit breaker thresholds shared by all agents.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Window           time.Duration // failures older than this don't count
	Cooldown         time.Duration // how long an open circuit stays open
}

// Normalize applies defaults for unset breaker values.
func (c BreakerConfig) Normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	return c
}

type breakerEntry struct {
	consecutive  int
	firstFailure time.Time
	openUntil    time.Time
}

// Breaker tracks per-agent failure streaks across concurrent requests and
// short-circuits calls to a known-dead agent for a cool-down interval.
// This is the only state shared between orchestration runs.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu     sync.Mutex
	agents map[AgentID]*breakerEntry
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg.Normalize(),
		now:    time.Now,
		agents: make(map[AgentID]*breakerEntry),
	}
}

// Allow reports whether a call to the agent may go out on the network.
func (b *Breaker) Allow(agent AgentID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.agents[agent]
	if !ok {
		return true
	}
	return !b.now().Before(e.openUntil)
}

// RecordSuccess clears the agent's failure streak.
func (b *Breaker) RecordSuccess(agent AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agent)
}

// RecordFailure counts one failure against the agent. Returns true when
// this failure opened the circuit.
func (b *Breaker) RecordFailure(agent AgentID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.agents[agent]
	if !ok {
		e = &breakerEntry{}
		b.agents[agent] = e
	}

	// Streaks that started outside the sliding window restart the count.
	if e.consecutive == 0 || now.Sub(e.firstFailure) > b.cfg.Window {
		e.consecutive = 0
		e.firstFailure = now
	}
	e.consecutive++

	if e.consecutive >= b.cfg.FailureThreshold && now.After(e.openUntil) {
		e.openUntil = now.Add(b.cfg.Cooldown)
		e.consecutive = 0
		return true
	}
	return false
}

// Open reports whether the agent's circuit is currently open.
func (b *Breaker) Open(agent AgentID) bool { return !b.Allow(agent) }

// Reset clears all breaker state. Administrative action only; the breaker
// never clears itself implicitly.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents = make(map[AgentID]*breakerEntry)
}
