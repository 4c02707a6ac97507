// Package workflow holds the ticket lifecycle rules. Functions mutate the ticket in
// place and report what changed; persistence belongs to the caller.
package workflow

import (
	"strings"
	"time"

	"github.com/spec-kit/clinic-support/internal/domain"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

// Transition describes the effect of one workflow step on a ticket.
type Transition struct {
	FromState   domain.TicketState
	ToState     domain.TicketState
	OwnerBefore *string
	OwnerAfter  *string
	At          time.Time
}

// StateChanged reports whether the step moved the ticket to another state.
func (t Transition) StateChanged() bool {
	return t.FromState != t.ToState
}

// OwnerChanged reports whether the step changed the owner.
func (t Transition) OwnerChanged() bool {
	switch {
	case t.OwnerBefore == nil && t.OwnerAfter == nil:
		return false
	case t.OwnerBefore == nil || t.OwnerAfter == nil:
		return true
	}
	return *t.OwnerBefore != *t.OwnerAfter
}

// NewTicketInput is the requester supplied content of a ticket.
type NewTicketInput struct {
	RequesterID string
	Title       string
	Category    string
	Description string
	Priority    domain.TicketPriority
}

// NewTicket builds an open, unassigned ticket.
func NewTicket(id string, input NewTicketInput, now time.Time) (*domain.Ticket, error) {
	title := strings.TrimSpace(input.Title)
	category := strings.TrimSpace(input.Category)
	requester := strings.TrimSpace(input.RequesterID)
	details := map[string]any{}
	if requester == "" {
		details["requester"] = "required"
	}
	if title == "" {
		details["title"] = "required"
	}
	if category == "" {
		details["category"] = "required"
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	if !priority.Valid() {
		details["priority"] = "must be one of low, medium, high, urgent"
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid ticket", details)
	}
	return &domain.Ticket{
		ID:          id,
		RequesterID: requester,
		Title:       title,
		Category:    category,
		Description: strings.TrimSpace(input.Description),
		Priority:    priority,
		State:       domain.TicketStateOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
		Revision:    1,
	}, nil
}

// ApplyMessage applies the reply rules for a message sent by sender.
//
// An agent reply moves open or resolved tickets to in_progress and claims an
// unassigned ticket. A requester reply only reopens resolved tickets.
func ApplyMessage(t *domain.Ticket, sender domain.Caller, now time.Time) (Transition, error) {
	if t.IsClosed() {
		return Transition{}, apperrors.NewClosedTicket(t.ID)
	}
	tr := begin(t, now)
	switch sender.SenderKind() {
	case domain.SenderKindAgent:
		if t.State == domain.TicketStateOpen || t.State == domain.TicketStateResolved {
			t.State = domain.TicketStateInProgress
		}
		if t.OwnerID == nil {
			claim(t, sender.ID)
		}
	case domain.SenderKindRequester:
		if t.State == domain.TicketStateResolved {
			t.State = domain.TicketStateInProgress
		}
	}
	return finish(t, tr, now), nil
}

// ApplyClose moves the ticket to closed, stamping ClosedAt once.
func ApplyClose(t *domain.Ticket, closer domain.Caller, now time.Time) (Transition, error) {
	if !closer.ActsAsAgent() {
		return Transition{}, apperrors.NewForbidden("only agents can close tickets")
	}
	if t.IsClosed() {
		return Transition{}, apperrors.NewAlreadyClosed(t.ID)
	}
	tr := begin(t, now)
	t.State = domain.TicketStateClosed
	closedAt := maxTime(now, t.UpdatedAt)
	t.ClosedAt = &closedAt
	if t.OwnerID == nil {
		claim(t, closer.ID)
	}
	return finish(t, tr, now), nil
}

// ApplyResolve marks an open or in-progress ticket resolved.
func ApplyResolve(t *domain.Ticket, resolver domain.Caller, now time.Time) (Transition, error) {
	if !resolver.ActsAsAgent() {
		return Transition{}, apperrors.NewForbidden("only agents can resolve tickets")
	}
	if t.IsClosed() {
		return Transition{}, apperrors.NewClosedTicket(t.ID)
	}
	if t.State == domain.TicketStateResolved {
		return Transition{}, apperrors.NewNoChange("ticket already resolved", map[string]any{"ticket_id": t.ID})
	}
	tr := begin(t, now)
	t.State = domain.TicketStateResolved
	return finish(t, tr, now), nil
}

// ApplyReassign hands the ticket to newOwner without touching its state.
func ApplyReassign(t *domain.Ticket, actor domain.Caller, newOwner string, now time.Time) (Transition, error) {
	if !actor.ActsAsAgent() {
		return Transition{}, apperrors.NewForbidden("only agents can reassign tickets")
	}
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" {
		return Transition{}, apperrors.NewValidationError("new owner required", map[string]any{"owner_id": "required"})
	}
	if t.IsClosed() {
		return Transition{}, apperrors.NewClosedTicket(t.ID)
	}
	if t.OwnedBy(newOwner) {
		return Transition{}, apperrors.NewNoChange("ticket already owned by target", map[string]any{"owner_id": newOwner})
	}
	tr := begin(t, now)
	claim(t, newOwner)
	return finish(t, tr, now), nil
}

// ApplyPriority changes the priority through an explicit edit.
func ApplyPriority(t *domain.Ticket, actor domain.Caller, priority domain.TicketPriority, now time.Time) (Transition, error) {
	if !actor.ActsAsAgent() {
		return Transition{}, apperrors.NewForbidden("only agents can change priority")
	}
	if !priority.Valid() {
		return Transition{}, apperrors.NewValidationError("invalid priority", map[string]any{"priority": string(priority)})
	}
	if t.IsClosed() {
		return Transition{}, apperrors.NewClosedTicket(t.ID)
	}
	if t.Priority == priority {
		return Transition{}, apperrors.NewNoChange("priority unchanged", map[string]any{"priority": string(priority)})
	}
	tr := begin(t, now)
	t.Priority = priority
	return finish(t, tr, now), nil
}

// IsDormant reports whether a resolved ticket has been idle for at least threshold.
func IsDormant(t *domain.Ticket, threshold time.Duration, now time.Time) bool {
	if t.State != domain.TicketStateResolved {
		return false
	}
	return now.Sub(t.UpdatedAt) >= threshold
}

func begin(t *domain.Ticket, now time.Time) Transition {
	return Transition{FromState: t.State, OwnerBefore: copyPtr(t.OwnerID), At: now}
}

func finish(t *domain.Ticket, tr Transition, now time.Time) Transition {
	t.UpdatedAt = maxTime(now, t.UpdatedAt)
	tr.ToState = t.State
	tr.OwnerAfter = copyPtr(t.OwnerID)
	tr.At = t.UpdatedAt
	return tr
}

func claim(t *domain.Ticket, owner string) {
	t.OwnerID = &owner
}

// maxTime keeps UpdatedAt monotonic when clocks step backwards.
func maxTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func copyPtr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
