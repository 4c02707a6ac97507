package events

import (
	"time"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated         EventType = "ticket_created"
	EventTicketStatusChanged   EventType = "ticket_status_changed"
	EventTicketPriorityChanged EventType = "ticket_priority_changed"
	EventTicketAssigned        EventType = "ticket_assigned"
	EventTicketMessageAdded    EventType = "ticket_message_added"
	EventTicketDeleted         EventType = "ticket_deleted"
)

// TicketEventTypes lists every event that mutates a ticket row.
var TicketEventTypes = []EventType{
	EventTicketCreated,
	EventTicketStatusChanged,
	EventTicketPriorityChanged,
	EventTicketAssigned,
	EventTicketMessageAdded,
	EventTicketDeleted,
}

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Kind domain.ActorKind `json:"kind"`
	ID   *string          `json:"id,omitempty"`
}

// Event represents a domain event emitted by the ticket service after commit.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	TicketID  string             `json:"ticket_id"`
	State     domain.TicketState `json:"state,omitempty"`
	Revision  int64              `json:"revision,omitempty"`
	Actor     Actor              `json:"actor"`
	Timestamp time.Time          `json:"timestamp"`
	Payload   interface{}        `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	RequesterID string                `json:"requester_id"`
	Category    string                `json:"category"`
	Priority    domain.TicketPriority `json:"priority"`
	Title       string                `json:"title"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus domain.TicketState `json:"old_status"`
	NewStatus domain.TicketState `json:"new_status"`
}

// TicketPriorityChangedPayload payload.
type TicketPriorityChangedPayload struct {
	OldPriority domain.TicketPriority `json:"old_priority"`
	NewPriority domain.TicketPriority `json:"new_priority"`
}

// TicketAssignedPayload payload.
type TicketAssignedPayload struct {
	PreviousOwnerID *string `json:"previous_owner_id,omitempty"`
	OwnerID         *string `json:"owner_id,omitempty"`
}

// TicketMessageAddedPayload payload.
type TicketMessageAddedPayload struct {
	MessageID     string            `json:"message_id"`
	SenderKind    domain.SenderKind `json:"sender_kind"`
	SenderID      *string           `json:"sender_id,omitempty"`
	BodyPreview   string            `json:"body_preview"`
	HasAttachment bool              `json:"has_attachment"`
}

// TicketDeletedPayload payload.
type TicketDeletedPayload struct {
	MessagesRemoved int `json:"messages_removed"`
}
