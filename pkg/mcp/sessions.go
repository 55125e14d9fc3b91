package mcp

import (
	"sort"
	"sync"
	"time"
)

// agentSession is one agent's most recent MCP session.
type agentSession struct {
	sessionID string
	since     time.Time
}

// SessionRegistry tracks which MCP session each agent last called a tool from.
// Agents register by passing agent_id; notifications fan out to all of them.
type SessionRegistry struct {
	mu     sync.RWMutex
	agents map[string]agentSession
	now    func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{agents: make(map[string]agentSession), now: time.Now}
}

// Register binds agentID to sessionID, replacing an older session.
// It reports whether the binding changed.
func (r *SessionRegistry) Register(agentID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[agentID]; ok && cur.sessionID == sessionID {
		return false
	}
	r.agents[agentID] = agentSession{sessionID: sessionID, since: r.now()}
	return true
}

// SessionFor returns the agent's session ID, if any.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a.sessionID, ok
}

// Remove drops every agent bound to sessionID and returns them.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, a := range r.agents {
		if a.sessionID == sessionID {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Agents lists registered agents, oldest registration first.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := r.agents[out[i]], r.agents[out[j]]
		if a.since.Equal(b.since) {
			return out[i] < out[j]
		}
		return a.since.Before(b.since)
	})
	return out
}
