package core

import "time"

// ParticipantKind categorizes the role a participant plays in the mesh.
type ParticipantKind string

const (
	// KindCoordinator participants own cross-cutting coordination duties.
	KindCoordinator ParticipantKind = "coordinator"
	// KindOrchestrator participants drive workflows and delegate steps.
	KindOrchestrator ParticipantKind = "orchestrator"
	// KindWorker participants execute domain work dispatched to them.
	KindWorker ParticipantKind = "worker"
)

// ParticipantStatus is the liveness / availability state of a participant.
type ParticipantStatus string

const (
	// StatusActive means the participant is reachable and accepting work.
	StatusActive ParticipantStatus = "active"
	// StatusInactive means the participant is registered but not serving.
	StatusInactive ParticipantStatus = "inactive"
	// StatusBusy means the participant is serving but near capacity.
	StatusBusy ParticipantStatus = "busy"
	// StatusUnreachable means liveness checks are failing.
	StatusUnreachable ParticipantStatus = "unreachable"
	// StatusError means the participant reported an internal fault.
	StatusError ParticipantStatus = "error"
)

// Participant is the registry record for an addressable entity. LoadFactor
// is always kept in [0,1]; LastSeen is refreshed on every status update.
type Participant struct {
	ID           string            `json:"id"`
	Kind         ParticipantKind   `json:"kind"`
	Status       ParticipantStatus `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	LoadFactor   float64           `json:"load_factor"`
}

// NewParticipant creates an active participant record with zero load.
func NewParticipant(id string, kind ParticipantKind, capabilities ...string) *Participant {
	return &Participant{
		ID:           id,
		Kind:         kind,
		Status:       StatusActive,
		Capabilities: capabilities,
		LastSeen:     time.Now().UTC(),
	}
}

// HasCapability reports whether the participant advertises the given tag.
func (p *Participant) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Available reports whether the participant can currently accept work.
// Only active and busy participants count as available.
func (p *Participant) Available() bool {
	return p.Status == StatusActive || p.Status == StatusBusy
}

// Clone returns a deep copy so registry reads cannot mutate stored state.
func (p *Participant) Clone() *Participant {
	cp := *p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	return &cp
}

// ClampLoad bounds a raw load factor into [0,1].
func ClampLoad(factor float64) float64 {
	if factor < 0 {
		return 0
	}
	if factor > 1 {
		return 1
	}
	return factor
}
