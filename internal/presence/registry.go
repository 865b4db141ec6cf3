package presence

import (
	"sync"
	"time"

	"github.com/example/marketplace-dispatch/internal/models"
)

// Mirror receives a copy of every registry mutation, typically to keep a
// Redis geo-index in sync for other processes. Mirror failures must not
// affect the registry itself.
type Mirror interface {
	Upsert(p models.AgentPresence)
	Delete(agentID string)
}

// Registry owns the live set of on-duty agents. All mutation goes
// through its methods; no other component touches the map, which is what
// keeps an agent either fully present or fully absent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]models.AgentPresence
	mirror Mirror
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]models.AgentPresence)}
}

// WithMirror attaches a mutation mirror. Call before serving traffic.
func (r *Registry) WithMirror(m Mirror) *Registry {
	r.mirror = m
	return r
}

// SetOnDuty creates or replaces the presence entry for an agent.
func (r *Registry) SetOnDuty(agentID string, pos models.Position) {
	p := models.AgentPresence{AgentID: agentID, Position: pos, UpdatedAt: time.Now()}
	r.mu.Lock()
	r.agents[agentID] = p
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.Upsert(p)
	}
}

// UpdatePosition is a no-op when the agent is not on duty; going on duty
// is an explicit act, not a side effect of a stray position report.
func (r *Registry) UpdatePosition(agentID string, pos models.Position) {
	r.mu.Lock()
	p, ok := r.agents[agentID]
	if ok {
		p.Position = pos
		p.UpdatedAt = time.Now()
		r.agents[agentID] = p
	}
	r.mu.Unlock()
	if ok && r.mirror != nil {
		r.mirror.Upsert(p)
	}
}

func (r *Registry) SetOffDuty(agentID string) {
	r.remove(agentID)
}

// Remove drops an agent whose connection was lost. Identical to going
// off duty from the registry's point of view.
func (r *Registry) Remove(agentID string) {
	r.remove(agentID)
}

func (r *Registry) remove(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.Delete(agentID)
	}
}

// IsOnDuty reports whether the agent currently has a live entry.
func (r *Registry) IsOnDuty(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Snapshot returns a copy of the live set, safe for the caller to sort
// or filter without holding any registry state.
func (r *Registry) Snapshot() []models.AgentPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentPresence, 0, len(r.agents))
	for _, p := range r.agents {
		out = append(out, p)
	}
	return out
}
