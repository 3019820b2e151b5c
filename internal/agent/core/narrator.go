package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// NarratorConfig tunes the narration pipeline.
type NarratorConfig struct {
	TopItems       int           // evidence items fed into the template fallback
	VoiceMinBudget time.Duration // minimum remaining time to attempt synthesis
	MaxItemRunes   int           // per-item clamp in the fallback summary
}

// Normalize applies defaults for unset narrator values.
func (c NarratorConfig) Normalize() NarratorConfig {
	if c.TopItems <= 0 {
		c.TopItems = 5
	}
	if c.VoiceMinBudget <= 0 {
		c.VoiceMinBudget = 500 * time.Millisecond
	}
	if c.MaxItemRunes <= 0 {
		c.MaxItemRunes = 240
	}
	return c
}

// Narration is the outcome of the narration pipeline. The orchestrator
// folds it into the final status.
type Narration struct {
	Text           string
	Audio          string
	LanguageFailed bool // language agent failed; text is the template fallback
	VoiceFailed    bool // synthesis was requested but not produced
}

// Narrator turns an assembled context into a spoken (or text-only) brief.
// It degrades rather than fails: template fallback when the language agent
// is down, text-only when the voice agent is down or out of budget.
type Narrator struct {
	client *Client
	cfg    NarratorConfig
	logger *log.Logger
}

// NewNarrator creates a narration pipeline over the agent client.
func NewNarrator(client *Client, cfg NarratorConfig, logger *log.Logger) *Narrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[NARRATE] ", log.LstdFlags)
	}
	return &Narrator{client: client, cfg: cfg.Normalize(), logger: logger}
}

// Narrate produces the final brief text, and audio when requested and the
// deadline permits. It never returns an empty text for a non-empty context.
func (n *Narrator) Narrate(ctx context.Context, req BriefRequest, evidence Context) Narration {
	var out Narration

	out.Text = n.generate(ctx, req, evidence)
	if out.Text == "" {
		out.Text = n.templateSummary(req.Query, evidence)
		out.LanguageFailed = true
	}

	if req.VoiceRequested() {
		if remaining(ctx) < n.cfg.VoiceMinBudget {
			n.logger.Printf("skipping voice synthesis for %s: deadline budget exhausted", req.ID)
			out.VoiceFailed = true
			return out
		}
		audio, err := n.synthesize(ctx, out.Text)
		if err != nil {
			n.logger.Printf("voice synthesis failed for %s: %v", req.ID, err)
			out.VoiceFailed = true
			return out
		}
		out.Audio = audio
	}
	return out
}

// generate asks the language agent for a narrative grounded on the
// context. Returns "" on any failure; the caller falls back to the template.
func (n *Narrator) generate(ctx context.Context, req BriefRequest, evidence Context) string {
	grounding, err := json.Marshal(evidence.Items)
	if err != nil {
		return ""
	}
	payload := AgentRequest{
		Query:      req.Query,
		Parameters: map[string]string{"context": string(grounding)},
		DeadlineMS: remaining(ctx).Milliseconds(),
	}
	resp, _, aerr := n.client.Call(ctx, AgentLanguage, payload)
	if aerr != nil {
		n.logger.Printf("language agent failed for %s: %v", req.ID, aerr)
		return ""
	}

	var data struct {
		Narrative string `json:"narrative"`
	}
	if err := json.Unmarshal(resp.Data, &data); err == nil && strings.TrimSpace(data.Narrative) != "" {
		return strings.TrimSpace(data.Narrative)
	}
	// Some deployments return the narrative as a bare JSON string.
	var plain string
	if err := json.Unmarshal(resp.Data, &plain); err == nil && strings.TrimSpace(plain) != "" {
		return strings.TrimSpace(plain)
	}
	return ""
}

// templateSummary is the deterministic fallback built directly from the
// top-ranked evidence items.
func (n *Narrator) templateSummary(query string, evidence Context) string {
	if len(evidence.Items) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Market brief for %q.", query)
	count := n.cfg.TopItems
	if count > len(evidence.Items) {
		count = len(evidence.Items)
	}
	for i := 0; i < count; i++ {
		it := evidence.Items[i]
		fmt.Fprintf(&b, " %d. [%s] %s.", i+1, it.Kind, clampRunes(it.Content, n.cfg.MaxItemRunes))
	}
	return b.String()
}

// synthesize converts the brief text to audio through the voice agent.
func (n *Narrator) synthesize(ctx context.Context, text string) (string, error) {
	payload := AgentRequest{
		Query:      text,
		Parameters: map[string]string{"operation": "synthesize"},
		DeadlineMS: remaining(ctx).Milliseconds(),
	}
	resp, _, aerr := n.client.Call(ctx, AgentVoice, payload)
	if aerr != nil {
		return "", aerr
	}
	var data struct {
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", err
	}
	if data.Audio == "" {
		return "", fmt.Errorf("voice agent returned empty audio")
	}
	return data.Audio, nil
}

// Transcribe resolves a voice query to text through the voice agent.
func (n *Narrator) Transcribe(ctx context.Context, req BriefRequest) (string, *AgentError) {
	payload := AgentRequest{
		Parameters: map[string]string{"operation": "transcribe", "audio_data": req.AudioData},
		DeadlineMS: remaining(ctx).Milliseconds(),
	}
	resp, _, aerr := n.client.Call(ctx, AgentVoice, payload)
	if aerr != nil {
		return "", aerr
	}
	var data struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || strings.TrimSpace(data.Text) == "" {
		return "", &AgentError{Agent: AgentVoice, Code: ErrBadResponse, Cause: fmt.Errorf("no transcription in response")}
	}
	return strings.TrimSpace(data.Text), nil
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}
	return time.Until(deadline)
}

func clampRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
