// Package registry provides the participant directory: an in-memory,
// concurrency safe index of every addressable participant keyed by id, with
// secondary lookups by kind and capability tag. The delivery bus consults it
// for broadcast fan-out and target validation; the signal router derives its
// candidate pools from it.
package registry

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
)

// Registry is a volatile participant directory storing records in a process
// local map. It is safe for concurrent access. Each returned participant is
// cloned to prevent external mutation of internal state.
//
// Every mutating operation is idempotent on missing ids: it returns false
// rather than failing, so callers can distinguish "not found" without
// error handling ceremony.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*core.Participant
	logger       logging.Logger
}

// Options holds configuration overrides passed to New().
type Options struct {
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
}

// New constructs an empty participant registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		participants: make(map[string]*core.Participant),
		logger:       opts.Logger,
	}
}

// Register adds or replaces the record for the participant's id.
func (r *Registry) Register(p *core.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p.Clone()
	r.logger.Info("participant registered", "id", p.ID, "kind", string(p.Kind))
}

// Unregister removes the record for id. Returns false if id is unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	r.logger.Info("participant unregistered", "id", id)
	return true
}

// Get returns a clone of the record for id, or nil if unknown.
func (r *Registry) Get(id string) *core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[id]; ok {
		return p.Clone()
	}
	return nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[id]
	return ok
}

// List returns clones of every registered participant.
func (r *Registry) List() []*core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.Clone())
	}
	return out
}

// ListByKind returns clones of every participant of the given kind.
func (r *Registry) ListByKind(kind core.ParticipantKind) []*core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Participant
	for _, p := range r.participants {
		if p.Kind == kind {
			out = append(out, p.Clone())
		}
	}
	return out
}

// UpdateStatus sets the status for id and refreshes its liveness timestamp.
// Returns false if id is unknown.
func (r *Registry) UpdateStatus(id string, status core.ParticipantStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	p.Status = status
	p.LastSeen = time.Now().UTC()
	return true
}

// UpdateLoad sets the load factor for id, clamped into [0,1]. Returns false
// if id is unknown.
func (r *Registry) UpdateLoad(id string, factor float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	p.LoadFactor = core.ClampLoad(factor)
	return true
}

// FindByCapability returns clones of every available participant (status
// active or busy) advertising the given capability tag.
func (r *Registry) FindByCapability(tag string) []*core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Participant
	for _, p := range r.participants {
		if p.Available() && p.HasCapability(tag) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// CountByStatus returns participant counts keyed by status. Used by the
// system status surface.
func (r *Registry) CountByStatus() map[core.ParticipantStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[core.ParticipantStatus]int)
	for _, p := range r.participants {
		out[p.Status]++
	}
	return out
}
