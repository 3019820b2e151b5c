package core

import "strings"

// RequirementLevel says how an agent participates in a run.
type RequirementLevel int

const (
	LevelSkip RequirementLevel = iota
	LevelOptional
	LevelRequired
)

// Plan is the resolved agent set for one request. Slices are ordered by
// the fixed dispatch order so planning is deterministic and testable.
type Plan struct {
	Required []AgentID
	Optional []AgentID
	Skipped  []AgentID
}

// planRule binds a query feature (a keyword set, or none for the default)
// to an agent requirement level. Later matching rules override earlier
// ones, so each agent's default comes first and promotions follow.
type planRule struct {
	agent    AgentID
	level    RequirementLevel
	keywords []string
}

// planTable is the declarative mapping from query features to the agent
// set. Market data and analysis are always required: without them there is
// no minimum-viable context. The scraper is promoted to required when the
// query asks about news, earnings or filings; the retriever only joins
// when the query signals vector-search intent.
var planTable = []planRule{
	{agent: AgentMarketData, level: LevelRequired},
	{agent: AgentAnalysis, level: LevelRequired},
	{agent: AgentScraper, level: LevelOptional},
	{agent: AgentScraper, level: LevelRequired, keywords: []string{
		"news", "earnings", "filing", "filings", "headline", "headlines", "surprise", "surprises",
	}},
	{agent: AgentRetriever, level: LevelSkip},
	{agent: AgentRetriever, level: LevelOptional, keywords: []string{
		"history", "historical", "past", "previously", "recall", "similar", "compare", "comparison", "trend", "trends",
	}},
}

// dispatchOrder fixes the order agents appear in plans and traces.
var dispatchOrder = []AgentID{AgentMarketData, AgentAnalysis, AgentScraper, AgentRetriever}

// Planner resolves the agent set for a request from the declarative table,
// the registry and the live breaker state.
type Planner struct {
	registry *Registry
	breaker  *Breaker
}

// NewPlanner creates a planner over the given registry and breaker.
func NewPlanner(reg *Registry, breaker *Breaker) *Planner {
	return &Planner{registry: reg, breaker: breaker}
}

// Plan determines the required and optional agent set for the request.
// Explicit hints promote an agent to required. An optional agent whose
// circuit is open is skipped outright rather than burning its deadline.
func (p *Planner) Plan(req BriefRequest) Plan {
	query := strings.ToLower(req.Query)
	levels := make(map[AgentID]RequirementLevel)

	for _, rule := range planTable {
		if len(rule.keywords) == 0 {
			levels[rule.agent] = rule.level
			continue
		}
		for _, kw := range rule.keywords {
			if strings.Contains(query, kw) {
				levels[rule.agent] = rule.level
				break
			}
		}
	}

	for _, hint := range req.Hints {
		switch hint {
		case AgentMarketData, AgentAnalysis, AgentScraper, AgentRetriever:
			levels[hint] = LevelRequired
		}
	}

	var plan Plan
	for _, agent := range dispatchOrder {
		level := levels[agent]
		if level == LevelSkip {
			plan.Skipped = append(plan.Skipped, agent)
			continue
		}
		if !p.registry.Known(agent) {
			plan.Skipped = append(plan.Skipped, agent)
			continue
		}
		if level == LevelOptional && p.breaker != nil && p.breaker.Open(agent) {
			// A known-dead optional agent contributes nothing but latency.
			plan.Skipped = append(plan.Skipped, agent)
			continue
		}
		if level == LevelRequired {
			plan.Required = append(plan.Required, agent)
		} else {
			plan.Optional = append(plan.Optional, agent)
		}
	}
	return plan
}
