package sessionlog

import (
	"sort"
	"sync"
)

// Registry maps session ids to live loggers. It never takes a logger's lock
// while holding its own, so a slow append cannot stall lookups.
type Registry struct {
	mu      sync.RWMutex
	loggers map[string]*SessionLogger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{loggers: make(map[string]*SessionLogger)}
}

// Get returns the live logger for id.
func (r *Registry) Get(id string) (*SessionLogger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.loggers[id]
	if !ok || l.Closed() {
		return nil, false
	}
	return l, true
}

// GetOrCreate returns the live logger for id, registering the result of create
// when there is none. A closed logger still registered is replaced.
func (r *Registry) GetOrCreate(id string, create func() *SessionLogger) (l *SessionLogger, created bool) {
	if l, ok := r.Get(id); ok {
		return l, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[id]; ok && !l.Closed() {
		return l, false
	}
	l = create()
	r.loggers[id] = l
	return l, true
}

// Remove deletes id only if it still maps to l.
func (r *Registry) Remove(id string, l *SessionLogger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.loggers[id]; ok && cur == l {
		delete(r.loggers, id)
		return true
	}
	return false
}

// Snapshot returns the registered loggers ordered by session id.
func (r *Registry) Snapshot() []*SessionLogger {
	r.mu.RLock()
	out := make([]*SessionLogger, 0, len(r.loggers))
	for _, l := range r.loggers {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}

// Drain removes and returns every logger.
func (r *Registry) Drain() []*SessionLogger {
	r.mu.Lock()
	out := make([]*SessionLogger, 0, len(r.loggers))
	for _, l := range r.loggers {
		out = append(out, l)
	}
	r.loggers = make(map[string]*SessionLogger)
	r.mu.Unlock()
	return out
}

// Len returns the number of registered loggers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loggers)
}
