package core

import (
	"fmt"
	"sort"
	"sync"
)

// AgentEndpoint describes where one backend agent is reachable.
type AgentEndpoint struct {
	URL     string
	Enabled bool
}

// Registry maps agent identities to network endpoints. Endpoints are
// resolved at plan time rather than per call, so a run observes a stable
// view of the fleet.
type Registry struct {
	mu     sync.RWMutex
	agents map[AgentID]AgentEndpoint
}

// NewRegistry creates a registry from a static endpoint table.
func NewRegistry(agents map[AgentID]AgentEndpoint) *Registry {
	m := make(map[AgentID]AgentEndpoint, len(agents))
	for id, ep := range agents {
		m[id] = ep
	}
	return &Registry{agents: m}
}

// Resolve returns the endpoint URL for an agent.
func (r *Registry) Resolve(agent AgentID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.agents[agent]
	if !ok {
		return "", fmt.Errorf("no endpoint registered for agent %s", agent)
	}
	if !ep.Enabled {
		return "", fmt.Errorf("agent %s is disabled", agent)
	}
	return ep.URL, nil
}

// Known reports whether the agent is registered and enabled.
func (r *Registry) Known(agent AgentID) bool {
	_, err := r.Resolve(agent)
	return err == nil
}

// Agents returns the registered, enabled agent identities in sorted order.
func (r *Registry) Agents() []AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentID, 0, len(r.agents))
	for id, ep := range r.agents {
		if ep.Enabled {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set registers or replaces an agent endpoint.
func (r *Registry) Set(agent AgentID, ep AgentEndpoint) {
	r.mu.Lock()
	r.agents[agent] = ep
	r.mu.Unlock()
}
