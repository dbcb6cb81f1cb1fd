package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks the MCP session of each participant (an agent
// that triggered a workflow or a responder to an approval) and the
// executions each participant follows.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // participant → session ID
	watching map[string]map[string]struct{} // execution ID → participants
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watching: make(map[string]map[string]struct{}),
	}
}

// Register binds a participant to its current session. A reconnecting
// participant replaces its old session.
func (r *SessionRegistry) Register(participant, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[participant] = sessionID
}

// SessionFor returns the participant's session, if connected.
func (r *SessionRegistry) SessionFor(participant string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[participant]
	return sid, ok
}

// Remove forgets every participant bound to sessionID. Their watches
// survive so a reconnect resumes notifications.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, p)
		}
	}
}

// Watch subscribes participant to status changes of an execution.
func (r *SessionRegistry) Watch(executionID, participant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watching[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watching[executionID] = set
	}
	set[participant] = struct{}{}
}

// Watchers returns the participants following an execution, sorted.
func (r *SessionRegistry) Watchers(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.watching[executionID]))
	for p := range r.watching[executionID] {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Release drops every watch on a finished execution.
func (r *SessionRegistry) Release(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watching, executionID)
}
