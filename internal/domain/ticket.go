package domain

import "time"

// TicketState enumerates lifecycle states for tickets.
type TicketState string

const (
	TicketStateOpen       TicketState = "open"
	TicketStateInProgress TicketState = "in_progress"
	TicketStateResolved   TicketState = "resolved"
	TicketStateClosed     TicketState = "closed"
)

// TicketStates lists every state in lifecycle order.
var TicketStates = []TicketState{
	TicketStateOpen,
	TicketStateInProgress,
	TicketStateResolved,
	TicketStateClosed,
}

// Valid reports whether s is a known state.
func (s TicketState) Valid() bool {
	switch s {
	case TicketStateOpen, TicketStateInProgress, TicketStateResolved, TicketStateClosed:
		return true
	}
	return false
}

// TicketPriority enumerates urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh, TicketPriorityUrgent:
		return true
	}
	return false
}

// Ticket is the aggregate for support requests.
//
// ClosedAt is non-nil exactly when State is closed. Revision increases by one on
// every persisted update and guards concurrent writers.
type Ticket struct {
	ID          string
	RequesterID string
	OwnerID     *string
	Title       string
	Category    string
	Description string
	Priority    TicketPriority
	State       TicketState
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	Revision    int64
}

// IsClosed reports whether the ticket reached its terminal state.
func (t *Ticket) IsClosed() bool {
	return t.State == TicketStateClosed
}

// OwnedBy reports whether id is the current owner.
func (t *Ticket) OwnedBy(id string) bool {
	return t.OwnerID != nil && *t.OwnerID == id
}

// Clone returns a deep copy.
func (t Ticket) Clone() Ticket {
	if t.OwnerID != nil {
		owner := *t.OwnerID
		t.OwnerID = &owner
	}
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		t.ClosedAt = &closed
	}
	return t
}
