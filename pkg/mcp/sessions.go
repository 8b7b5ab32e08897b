package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps worker IDs to MCP session IDs.
// Populated when workers call a tool that carries worker_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workerID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a worker ID with a session ID. A reconnecting worker
// overwrites its previous session.
func (r *SessionRegistry) Register(workerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workerID] = sessionID
}

// SessionFor returns the session ID for the given worker, if connected.
func (r *SessionRegistry) SessionFor(workerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workerID]
	return sid, ok
}

// Workers lists the connected worker IDs in order.
func (r *SessionRegistry) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for w := range r.sessions {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Remove deletes every worker mapping for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, wid)
		}
	}
}
