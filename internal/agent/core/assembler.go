package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// AssemblerConfig bounds the assembled context and tunes how retriever
// results rank against live data covering the same entity.
type AssemblerConfig struct {
	MaxItems               int
	RetrieverWeight        float64 // multiplier on retriever confidence
	RetrieverMinConfidence float64 // below this, retriever items are halved
}

// Normalize applies defaults for unset assembler values.
func (c AssemblerConfig) Normalize() AssemblerConfig {
	if c.MaxItems <= 0 {
		c.MaxItems = 20
	}
	if c.RetrieverWeight <= 0 {
		c.RetrieverWeight = 1.0
	}
	return c
}

// Assembler merges successful agent results into one ranked, deduplicated
// evidence set. It performs no network or blocking calls and is fully
// deterministic given its inputs.
type Assembler struct {
	cfg AssemblerConfig
	now func() time.Time
}

// NewAssembler creates an assembler with the given limits.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg.Normalize(), now: time.Now}
}

// agentPayload is the shape agents are expected to put in the opaque data
// field. Agents that return anything else contribute a single item built
// from the raw payload.
type agentPayload struct {
	Items []struct {
		Kind       string  `json:"kind"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	} `json:"items"`
}

// defaultKind maps an agent to the evidence kind of its payloads when the
// payload doesn't tag items itself.
func defaultKind(agent AgentID) EvidenceKind {
	switch agent {
	case AgentMarketData:
		return KindMarketData
	case AgentAnalysis:
		return KindAnalysisInsight
	case AgentRetriever:
		return KindFilingSnippet
	case AgentScraper:
		return KindNewsSnippet
	default:
		return KindNewsSnippet
	}
}

// Assemble builds the context from the completed calls in input order.
// Dedup keeps the highest-confidence instance per (kind, normalized text)
// pair; ranking is a stable descending-confidence sort with the fixed
// agent-priority tie-break; the result is capped at MaxItems without ever
// truncating away the last minimum-viable item.
func (a *Assembler) Assemble(calls []*AgentCall) Context {
	observed := a.now()
	byHash := make(map[string]int)
	var items []EvidenceItem

	for _, call := range calls {
		if call == nil || call.State != CallSucceeded || call.Response == nil {
			continue
		}
		for _, item := range a.extract(call, observed) {
			key := evidenceHash(item.Kind, item.Content)
			if idx, ok := byHash[key]; ok {
				if item.Confidence > items[idx].Confidence {
					items[idx] = item
				}
				continue
			}
			byHash[key] = len(items)
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Confidence != items[j].Confidence {
			return items[i].Confidence > items[j].Confidence
		}
		return kindPriority(items[i].Kind) < kindPriority(items[j].Kind)
	})

	return Context{Items: a.truncate(items)}
}

// extract normalizes one agent response into evidence items.
func (a *Assembler) extract(call *AgentCall, observed time.Time) []EvidenceItem {
	resp := call.Response
	var out []EvidenceItem

	var payload agentPayload
	if err := json.Unmarshal(resp.Data, &payload); err == nil && len(payload.Items) > 0 {
		for _, raw := range payload.Items {
			content := strings.TrimSpace(raw.Content)
			if content == "" {
				continue
			}
			kind := EvidenceKind(raw.Kind)
			if kindPriority(kind) > kindPriority(KindNewsSnippet) {
				kind = defaultKind(call.Agent)
			}
			conf := raw.Confidence
			if conf <= 0 || conf > 1 {
				conf = resp.Confidence
			}
			out = append(out, a.item(call.Agent, kind, content, conf, observed))
		}
		return out
	}

	content := strings.TrimSpace(string(resp.Data))
	if content == "" || content == "null" {
		return nil
	}
	return []EvidenceItem{a.item(call.Agent, defaultKind(call.Agent), content, resp.Confidence, observed)}
}

func (a *Assembler) item(agent AgentID, kind EvidenceKind, content string, conf float64, observed time.Time) EvidenceItem {
	if agent == AgentRetriever {
		conf *= a.cfg.RetrieverWeight
		if a.cfg.RetrieverMinConfidence > 0 && conf < a.cfg.RetrieverMinConfidence {
			// Low-confidence recall is kept but ranked down, never dropped.
			conf *= 0.5
		}
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return EvidenceItem{
		Kind:       kind,
		Content:    content,
		Confidence: conf,
		Agent:      agent,
		ObservedAt: observed,
	}
}

// truncate caps the ranked items at MaxItems. If the cut would drop the
// only item satisfying the minimum-viable rule, that item replaces the
// lowest-ranked survivor instead.
func (a *Assembler) truncate(items []EvidenceItem) []EvidenceItem {
	if len(items) <= a.cfg.MaxItems {
		return items
	}
	kept := items[:a.cfg.MaxItems]
	if (Context{Items: kept}).MinimumViable() || !(Context{Items: items}).MinimumViable() {
		return kept
	}
	for _, it := range items[a.cfg.MaxItems:] {
		if it.Kind == KindMarketData || it.Kind == KindAnalysisInsight {
			kept[len(kept)-1] = it
			break
		}
	}
	return kept
}

// evidenceHash is the dedup key: agent kind plus normalized payload text.
func evidenceHash(kind EvidenceKind, content string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}
