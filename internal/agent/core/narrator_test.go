package core

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func narratorWith(t *testing.T, endpoints map[AgentID]http.HandlerFunc) *Narrator {
	t.Helper()
	agents := make(map[AgentID]AgentEndpoint)
	for agent, handler := range endpoints {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		agents[agent] = AgentEndpoint{URL: srv.URL, Enabled: true}
	}
	reg := NewRegistry(agents)
	retry := RetryConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond, Multiplier: 2, Jitter: 0.01}
	client := NewClient(reg, nil, retry, nil, log.New(io.Discard, "", 0))
	return NewNarrator(client, NarratorConfig{}, log.New(io.Discard, "", 0))
}

func marketContext() Context {
	return Context{Items: []EvidenceItem{
		{Kind: KindMarketData, Content: "AAPL closed at 230.12, up 1.2%", Confidence: 0.9, Agent: AgentMarketData},
		{Kind: KindAnalysisInsight, Content: "Momentum remains positive", Confidence: 0.6, Agent: AgentAnalysis},
	}}
}

func jsonOK(data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AgentResponse{Status: "ok", Data: json.RawMessage(data), Confidence: 0.9})
	}
}

func TestNarrateUsesLanguageAgent(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentLanguage: jsonOK(`{"narrative":"Apple closed higher with positive momentum."}`),
	})

	out := n.Narrate(context.Background(), BriefRequest{ID: "r1", Query: "AAPL", Mode: "text"}, marketContext())
	if out.LanguageFailed {
		t.Fatalf("language agent marked failed on success")
	}
	if out.Text != "Apple closed higher with positive momentum." {
		t.Fatalf("unexpected narrative: %q", out.Text)
	}
}

func TestNarrateFallsBackToTemplate(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentLanguage: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	out := n.Narrate(context.Background(), BriefRequest{ID: "r2", Query: "AAPL", Mode: "text"}, marketContext())
	if !out.LanguageFailed {
		t.Fatalf("language failure not reported")
	}
	if out.Text == "" {
		t.Fatalf("no fallback text produced")
	}
	if !strings.Contains(out.Text, "AAPL closed at 230.12") {
		t.Fatalf("fallback does not surface top evidence: %q", out.Text)
	}
}

func TestNarrateVoiceDegradesOnFailure(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentLanguage: jsonOK(`{"narrative":"Apple closed higher."}`),
		AgentVoice: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	out := n.Narrate(context.Background(), BriefRequest{ID: "r3", Query: "AAPL", Mode: "voice"}, marketContext())
	if !out.VoiceFailed {
		t.Fatalf("voice failure not reported")
	}
	if out.Audio != "" {
		t.Fatalf("audio produced despite voice failure")
	}
	if out.Text == "" {
		t.Fatalf("text dropped when voice degraded")
	}
}

func TestNarrateSynthesizesAudio(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentLanguage: jsonOK(`{"narrative":"Apple closed higher."}`),
		AgentVoice:    jsonOK(`{"audio":"c3BlZWNo"}`),
	})

	out := n.Narrate(context.Background(), BriefRequest{ID: "r4", Query: "AAPL", Mode: "voice"}, marketContext())
	if out.VoiceFailed {
		t.Fatalf("voice marked failed on success")
	}
	if out.Audio != "c3BlZWNo" {
		t.Fatalf("unexpected audio payload: %q", out.Audio)
	}
}

func TestTranscribe(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentVoice: jsonOK(`{"text":"how is apple doing"}`),
	})

	text, aerr := n.Transcribe(context.Background(), BriefRequest{ID: "r5", Mode: "voice", AudioData: "c3BlZWNo"})
	if aerr != nil {
		t.Fatalf("unexpected transcription error: %v", aerr)
	}
	if text != "how is apple doing" {
		t.Fatalf("unexpected transcription: %q", text)
	}
}

func TestTranscribeRejectsEmptyText(t *testing.T) {
	n := narratorWith(t, map[AgentID]http.HandlerFunc{
		AgentVoice: jsonOK(`{"text":"  "}`),
	})

	_, aerr := n.Transcribe(context.Background(), BriefRequest{ID: "r6", Mode: "voice", AudioData: "c3BlZWNo"})
	if aerr == nil || aerr.Code != ErrBadResponse {
		t.Fatalf("empty transcription accepted: %v", aerr)
	}
}
