package core

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies the intent of a message. It is a closed enumeration; the
// delivery bus dispatches on it, so new kinds require a matching dispatch
// rule rather than an open-ended handler registration.
type Kind string

const (
	// KindRequest expects a correlated response within a deadline.
	KindRequest Kind = "request"
	// KindResponse answers a request; CorrelationID links it back.
	KindResponse Kind = "response"
	// KindNotification is one-way; no response is synthesized or awaited.
	KindNotification Kind = "notification"
	// KindBroadcast is fanned out to every registered participant except
	// the source.
	KindBroadcast Kind = "broadcast"
	// KindError carries a failure back to the source of the message that
	// caused it.
	KindError Kind = "error"
	// KindHeartbeat probes liveness; the default handler answers "alive".
	KindHeartbeat Kind = "heartbeat"
	// KindSync signals a synchronization point; the default handler
	// answers "synchronized".
	KindSync Kind = "sync"
)

// Priority tags a message for consumers that care about urgency. Delivery
// order within a participant's inbound stream remains FIFO regardless of
// priority.
type Priority int

const (
	// PriorityLow is for background or best-effort traffic.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh marks latency-sensitive traffic.
	PriorityHigh
	// PriorityCritical marks traffic that must not be deprioritized.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Message is the unit of work exchanged between participants. After
// submission it should be treated as immutable; the bus clones it when it
// needs a variant (broadcast copies, error replies). It captures:
//
//   - Addressing (Source, Target; empty Target means broadcast)
//   - Intent (Kind) and urgency (Priority)
//   - Correlation (a response's CorrelationID equals the id of the request
//     it answers)
//   - An opaque key/value payload
//   - Lifetime bounds (TTLSeconds) and redelivery bookkeeping
//     (RetryCount/MaxRetries)
type Message struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Target        string         `json:"target"`
	Kind          Kind           `json:"kind"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
}

// NewMessage creates a message of the given kind from source to target.
// Prefer the semantic constructors (NewRequest, NewResponse, NewErrorReply,
// NewBroadcast) for the common categories.
func NewMessage(source, target string, kind Kind, payload map[string]any) *Message {
	return &Message{
		ID:        NewID(),
		Source:    source,
		Target:    target,
		Kind:      kind,
		Priority:  PriorityNormal,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewRequest creates a request message. The caller is expected to track the
// returned id with the correlator before submitting it.
func NewRequest(source, target string, payload map[string]any) *Message {
	return NewMessage(source, target, KindRequest, payload)
}

// NewResponse creates the response to req: source and target are swapped
// relative to the request and CorrelationID is set to the request id.
func NewResponse(req *Message, payload map[string]any) *Message {
	m := NewMessage(req.Target, req.Source, KindResponse, payload)
	m.Priority = req.Priority
	m.CorrelationID = req.ID
	return m
}

// NewErrorReply creates an error-kind message routed back to the source of
// cause, carrying the failure text and the id of the message that failed.
func NewErrorReply(cause *Message, reason string) *Message {
	m := NewMessage(cause.Target, cause.Source, KindError, map[string]any{
		"error":      reason,
		"message_id": cause.ID,
	})
	m.CorrelationID = cause.ID
	return m
}

// NewBroadcast creates a message with an empty target, which the bus fans
// out to every registered participant except the source.
func NewBroadcast(source string, kind Kind, payload map[string]any) *Message {
	return NewMessage(source, "", kind, payload)
}

// Copy returns a retargeted clone with a fresh id. Kind, priority, payload
// and correlation id are preserved; the bus uses this to materialize one
// delivery per broadcast recipient.
func (m *Message) Copy(target string) *Message {
	cp := *m
	cp.ID = NewID()
	cp.Target = target
	return &cp
}

// IsBroadcast reports whether the message addresses every participant.
func (m *Message) IsBroadcast() bool { return m.Target == "" }

// Expired reports whether the message's TTL has elapsed at the given
// instant. A zero TTL means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > time.Duration(m.TTLSeconds)*time.Second
}

// CanRetry reports whether the retry budget allows another delivery attempt.
func (m *Message) CanRetry() bool { return m.RetryCount < m.MaxRetries }

// NewID generates a new unique identifier for messages, workflows and
// broadcast copies.
func NewID() string { return uuid.NewString() }
