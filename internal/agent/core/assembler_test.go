package core

import (
	"encoding/json"
	"fmt"
	"testing"
)

func succeededCall(agent AgentID, conf float64, items ...map[string]interface{}) *AgentCall {
	data, _ := json.Marshal(map[string]interface{}{"items": items})
	return &AgentCall{
		Agent:    agent,
		State:    CallSucceeded,
		Response: &AgentResponse{Status: "ok", Data: data, Confidence: conf},
	}
}

func evidenceItem(kind string, content string, conf float64) map[string]interface{} {
	return map[string]interface{}{"kind": kind, "content": content, "confidence": conf}
}

func TestAssembleDedupKeepsHighestConfidence(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	calls := []*AgentCall{
		succeededCall(AgentMarketData, 0.5,
			evidenceItem("market_data", "AAPL  closed at 230.12", 0.5)),
		succeededCall(AgentMarketData, 0.9,
			evidenceItem("market_data", "aapl closed at 230.12", 0.9)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 1 {
		t.Fatalf("expected 1 deduplicated item, got %d", len(ctx.Items))
	}
	if ctx.Items[0].Confidence != 0.9 {
		t.Fatalf("dedup kept the lower-confidence instance: %.2f", ctx.Items[0].Confidence)
	}
}

func TestAssembleDedupDistinguishesKind(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	calls := []*AgentCall{
		succeededCall(AgentMarketData, 0.8, evidenceItem("market_data", "same text", 0.8)),
		succeededCall(AgentScraper, 0.7, evidenceItem("news_snippet", "same text", 0.7)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 2 {
		t.Fatalf("items of different kinds were merged: got %d", len(ctx.Items))
	}
}

func TestAssembleOrderingAndTieBreak(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	calls := []*AgentCall{
		succeededCall(AgentScraper, 0.7, evidenceItem("news_snippet", "headline", 0.7)),
		succeededCall(AgentMarketData, 0.7, evidenceItem("market_data", "quote", 0.7)),
		succeededCall(AgentAnalysis, 0.9, evidenceItem("analysis_insight", "insight", 0.9)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(ctx.Items))
	}
	if ctx.Items[0].Kind != KindAnalysisInsight {
		t.Fatalf("highest confidence not first: %s", ctx.Items[0].Kind)
	}
	// Equal confidence: market data outranks news.
	if ctx.Items[1].Kind != KindMarketData || ctx.Items[2].Kind != KindNewsSnippet {
		t.Fatalf("tie-break order wrong: %s then %s", ctx.Items[1].Kind, ctx.Items[2].Kind)
	}
}

func TestAssembleTruncatePreservesViability(t *testing.T) {
	a := NewAssembler(AssemblerConfig{MaxItems: 3})
	news := make([]map[string]interface{}, 0, 3)
	for i := 0; i < 3; i++ {
		news = append(news, evidenceItem("news_snippet", fmt.Sprintf("headline %d", i), 0.9))
	}
	calls := []*AgentCall{
		succeededCall(AgentScraper, 0.9, news...),
		succeededCall(AgentMarketData, 0.1, evidenceItem("market_data", "quote", 0.1)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 3 {
		t.Fatalf("expected cap at 3 items, got %d", len(ctx.Items))
	}
	if !ctx.MinimumViable() {
		t.Fatalf("truncation dropped the only minimum-viable item")
	}
}

func TestAssembleSkipsNonSucceededCalls(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	failed := succeededCall(AgentMarketData, 0.9, evidenceItem("market_data", "quote", 0.9))
	failed.State = CallFailed
	calls := []*AgentCall{
		failed,
		nil,
		succeededCall(AgentAnalysis, 0.6, evidenceItem("analysis_insight", "insight", 0.6)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 1 {
		t.Fatalf("failed call contributed evidence: got %d items", len(ctx.Items))
	}
	if ctx.Items[0].Agent != AgentAnalysis {
		t.Fatalf("unexpected contributing agent: %s", ctx.Items[0].Agent)
	}
}

func TestAssembleRetrieverDownWeight(t *testing.T) {
	a := NewAssembler(AssemblerConfig{RetrieverWeight: 0.5, RetrieverMinConfidence: 0.5})
	calls := []*AgentCall{
		succeededCall(AgentRetriever, 0.8, evidenceItem("filing_snippet", "old filing", 0.8)),
	}

	ctx := a.Assemble(calls)
	if len(ctx.Items) != 1 {
		t.Fatalf("retriever item dropped instead of down-weighted")
	}
	// 0.8 * 0.5 = 0.4, below the floor so halved again.
	if got := ctx.Items[0].Confidence; got < 0.19 || got > 0.21 {
		t.Fatalf("unexpected down-weighted confidence: %.3f", got)
	}
}

func TestAssembleRawPayloadFallback(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	call := &AgentCall{
		Agent:    AgentAnalysis,
		State:    CallSucceeded,
		Response: &AgentResponse{Status: "ok", Data: json.RawMessage(`"momentum is positive"`), Confidence: 0.7},
	}

	ctx := a.Assemble([]*AgentCall{call})
	if len(ctx.Items) != 1 {
		t.Fatalf("raw payload not normalized into evidence")
	}
	if ctx.Items[0].Kind != KindAnalysisInsight {
		t.Fatalf("raw payload got wrong kind: %s", ctx.Items[0].Kind)
	}
}
