package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// ChangeKind is the coarse signal pushed to viewers.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	// ChangeResync asks every viewer to re-fetch its scoped view.
	ChangeResync ChangeKind = "resync"
)

// ChangeEvent is the unscoped "something changed" notification. Receivers must
// re-query through their own access scope instead of trusting the payload.
type ChangeEvent struct {
	ID         string             `json:"id"`
	Kind       ChangeKind         `json:"kind"`
	TicketID   string             `json:"ticket_id,omitempty"`
	State      domain.TicketState `json:"state,omitempty"`
	Revision   int64              `json:"revision,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// ChangeFor collapses a domain event into a change notification.
func ChangeFor(event Event) ChangeEvent {
	kind := ChangeUpdated
	switch event.Type {
	case EventTicketCreated:
		kind = ChangeCreated
	case EventTicketDeleted:
		kind = ChangeDeleted
	}
	return ChangeEvent{
		ID:         event.ID,
		Kind:       kind,
		TicketID:   event.TicketID,
		State:      event.State,
		Revision:   event.Revision,
		OccurredAt: event.Timestamp,
	}
}

// NewResync builds a resync signal stamped at at.
func NewResync(at time.Time) ChangeEvent {
	return ChangeEvent{ID: uuid.NewString(), Kind: ChangeResync, OccurredAt: at}
}
