package domain

import "time"

type EventKind string

const (
	EventAdmitted        EventKind = "admitted"
	EventReady           EventKind = "ready"
	EventTimedOut        EventKind = "timed_out"
	EventAddFailed       EventKind = "add_failed"
	EventLateAccepted    EventKind = "late_accepted"
	EventLateRejected    EventKind = "late_rejected"
	EventRemoved         EventKind = "removed"
	EventEvictedOverflow EventKind = "evicted_overflow"
	EventEvictedExpired  EventKind = "evicted_expired"
)

// SessionEvent is one entry of the admission/eviction journal.
type SessionEvent struct {
	SessionID SessionID `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
