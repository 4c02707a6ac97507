package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeState    TicketChangeType = "state_change"
	ChangeTypeOwner    TicketChangeType = "owner_change"
	ChangeTypePriority TicketChangeType = "priority_change"
)

// ActorKind identifies who performed a change.
type ActorKind string

const (
	ActorKindAgent     ActorKind = "agent"
	ActorKindRequester ActorKind = "requester"
	ActorKindSystem    ActorKind = "system"
)

// TicketHistory is an immutable audit trail entry.
type TicketHistory struct {
	ID         string
	TicketID   string
	ActorKind  ActorKind
	ActorID    *string
	ChangeType TicketChangeType
	OldValue   map[string]any
	NewValue   map[string]any
	CreatedAt  time.Time
}
