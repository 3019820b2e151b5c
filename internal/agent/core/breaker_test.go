package core

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: 30 * time.Second, Cooldown: 15 * time.Second})

	if b.RecordFailure(AgentScraper) {
		t.Fatalf("circuit opened after one failure")
	}
	if b.RecordFailure(AgentScraper) {
		t.Fatalf("circuit opened after two failures")
	}
	if !b.RecordFailure(AgentScraper) {
		t.Fatalf("circuit did not open at threshold")
	}
	if b.Allow(AgentScraper) {
		t.Fatalf("open circuit allowed a call")
	}
	if !b.Allow(AgentMarketData) {
		t.Fatalf("unrelated agent affected by open circuit")
	}
}

func TestBreakerCooldownExpires(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Window: 30 * time.Second, Cooldown: 10 * time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }

	if !b.RecordFailure(AgentVoice) {
		t.Fatalf("circuit did not open")
	}
	if b.Allow(AgentVoice) {
		t.Fatalf("circuit allowed a call during cooldown")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow(AgentVoice) {
		t.Fatalf("circuit still open after cooldown")
	}
}

func TestBreakerWindowRestartsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Window: 10 * time.Second, Cooldown: 15 * time.Second})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure(AgentScraper)
	b.RecordFailure(AgentScraper)

	// The third failure lands outside the window, so the streak restarts
	// instead of opening the circuit.
	now = now.Add(11 * time.Second)
	if b.RecordFailure(AgentScraper) {
		t.Fatalf("stale failures counted toward the threshold")
	}
	if !b.Allow(AgentScraper) {
		t.Fatalf("circuit open without a fresh streak")
	}
}

func TestBreakerSuccessClearsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Window: 30 * time.Second, Cooldown: 15 * time.Second})

	b.RecordFailure(AgentRetriever)
	b.RecordSuccess(AgentRetriever)
	if b.RecordFailure(AgentRetriever) {
		t.Fatalf("streak survived a success")
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Window: 30 * time.Second, Cooldown: time.Hour})

	b.RecordFailure(AgentScraper)
	if b.Allow(AgentScraper) {
		t.Fatalf("circuit should be open")
	}
	b.Reset()
	if !b.Allow(AgentScraper) {
		t.Fatalf("reset did not close the circuit")
	}
}
