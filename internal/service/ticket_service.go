package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/access"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/events"
	"github.com/spec-kit/clinic-support/internal/repository"
	"github.com/spec-kit/clinic-support/internal/storage"
	"github.com/spec-kit/clinic-support/internal/workflow"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

const tracerName = "github.com/spec-kit/clinic-support/internal/service"

// ChangeFeed hands out live change subscriptions.
type ChangeFeed interface {
	Subscribe() (<-chan events.ChangeEvent, func())
}

// TicketService is the single entry point for ticket reads and state transitions.
type TicketService struct {
	store       repository.Store
	resolver    *access.Resolver
	attachments storage.AttachmentStore
	dispatcher  events.Dispatcher
	feed        ChangeFeed
	locks       *ticketLocks
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Store       repository.Store
	Resolver    *access.Resolver
	Attachments storage.AttachmentStore
	Dispatcher  events.Dispatcher
	Feed        ChangeFeed
	Logger      *zap.Logger
	Tracer      trace.Tracer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// TicketCreateInput describes ticket creation payload. RequesterID is only honoured
// for admins creating on behalf of a requester.
type TicketCreateInput struct {
	RequesterID string
	Title       string
	Category    string
	Description string
	Priority    domain.TicketPriority
}

// TicketListFilter narrows a ticket listing inside the caller's scope.
type TicketListFilter struct {
	States      []domain.TicketState
	Priorities  []domain.TicketPriority
	Category    *string
	SearchTerm  *string
	UpdatedFrom *time.Time
	UpdatedTo   *time.Time
	Limit       int
	Offset      int
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	attachments := deps.Attachments
	if attachments == nil {
		attachments = storage.NewMemoryStore(0)
	}
	return &TicketService{
		store:       deps.Store,
		resolver:    deps.Resolver,
		attachments: attachments,
		dispatcher:  deps.Dispatcher,
		feed:        deps.Feed,
		locks:       newTicketLocks(),
		logger:      logger,
		tracer:      tracer,
		now:         func() time.Time { return clock().UTC() },
	}
}

// CreateTicket opens a ticket. Requesters create for themselves, admins on behalf of a
// requester; agents cannot create tickets.
func (s *TicketService) CreateTicket(ctx context.Context, caller domain.Caller, input TicketCreateInput) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.CreateTicket", caller, "")
	defer func() { endSpan(span, err) }()

	if _, err := s.resolver.Resolve(caller); err != nil {
		return nil, err
	}
	requesterID := strings.TrimSpace(input.RequesterID)
	switch caller.Role {
	case domain.RoleRequester:
		if requesterID != "" && requesterID != caller.ID {
			return nil, apperrors.NewForbidden("requesters can only open tickets for themselves")
		}
		requesterID = caller.ID
	case domain.RoleAdmin:
		if requesterID == "" {
			return nil, apperrors.NewValidationError("requester required", map[string]any{"requester_id": "required"})
		}
	default:
		return nil, apperrors.NewForbidden("only requesters and admins can open tickets")
	}

	ticket, err := workflow.NewTicket(uuid.NewString(), workflow.NewTicketInput{
		RequesterID: requesterID,
		Title:       input.Title,
		Category:    input.Category,
		Description: input.Description,
		Priority:    input.Priority,
	}, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.store.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		return repos.Tickets.Create(ctx, ticket)
	}); err != nil {
		return nil, apperrors.MapError(err)
	}

	s.publishEvent(ctx, ticket, caller, events.Event{
		Type: events.EventTicketCreated,
		Payload: events.TicketCreatedPayload{
			RequesterID: ticket.RequesterID,
			Category:    ticket.Category,
			Priority:    ticket.Priority,
			Title:       ticket.Title,
		},
	})
	return ticket, nil
}

// GetTicket returns a ticket visible to caller.
func (s *TicketService) GetTicket(ctx context.Context, caller domain.Caller, ticketID string) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.GetTicket", caller, ticketID)
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	return s.findScoped(ctx, s.store.Repos(), scope, ticketID, false)
}

// ListTickets returns the tickets inside caller's scope, most recently updated first.
func (s *TicketService) ListTickets(ctx context.Context, caller domain.Caller, filter TicketListFilter) (_ []domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.ListTickets", caller, "")
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	tickets, err := s.store.Repos().Tickets.List(ctx, scope.Apply(filter.repositoryFilter()))
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	return tickets, nil
}

// CountTickets returns per-state ticket counts inside caller's scope.
func (s *TicketService) CountTickets(ctx context.Context, caller domain.Caller) (_ map[domain.TicketState]int, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.CountTickets", caller, "")
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.Repos().Tickets.CountByState(ctx, scope.Apply(repository.TicketFilter{}))
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return counts, nil
}

// ListHistory returns the audit trail of a visible ticket.
func (s *TicketService) ListHistory(ctx context.Context, caller domain.Caller, ticketID string) (_ []domain.TicketHistory, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.ListHistory", caller, ticketID)
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	repos := s.store.Repos()
	if _, err := s.findScoped(ctx, repos, scope, ticketID, false); err != nil {
		return nil, err
	}
	history, err := repos.History.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if history == nil {
		history = []domain.TicketHistory{}
	}
	return history, nil
}

// CloseTicket closes a ticket. Only agents may close; closing twice fails.
func (s *TicketService) CloseTicket(ctx context.Context, caller domain.Caller, ticketID string) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.CloseTicket", caller, ticketID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, caller, ticketID, func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error) {
		tr, err := workflow.ApplyClose(ticket, caller, s.now())
		if err != nil {
			return nil, err
		}
		return s.recordTransition(ctx, repos, ticket, caller, tr)
	})
}

// ResolveTicket marks a ticket resolved, starting its dormancy window.
func (s *TicketService) ResolveTicket(ctx context.Context, caller domain.Caller, ticketID string) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.ResolveTicket", caller, ticketID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, caller, ticketID, func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error) {
		tr, err := workflow.ApplyResolve(ticket, caller, s.now())
		if err != nil {
			return nil, err
		}
		return s.recordTransition(ctx, repos, ticket, caller, tr)
	})
}

// ReassignTicket hands a ticket to newOwner.
func (s *TicketService) ReassignTicket(ctx context.Context, caller domain.Caller, ticketID, newOwner string) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.ReassignTicket", caller, ticketID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, caller, ticketID, func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error) {
		tr, err := workflow.ApplyReassign(ticket, caller, newOwner, s.now())
		if err != nil {
			return nil, err
		}
		return s.recordTransition(ctx, repos, ticket, caller, tr)
	})
}

// UpdatePriority changes a ticket's priority.
func (s *TicketService) UpdatePriority(ctx context.Context, caller domain.Caller, ticketID string, priority domain.TicketPriority) (_ *domain.Ticket, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.UpdatePriority", caller, ticketID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, caller, ticketID, func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error) {
		oldPriority := ticket.Priority
		if _, err := workflow.ApplyPriority(ticket, caller, priority, s.now()); err != nil {
			return nil, err
		}
		if err := s.recordHistory(ctx, repos, ticket, caller, domain.ChangeTypePriority,
			map[string]any{"priority": oldPriority},
			map[string]any{"priority": ticket.Priority}); err != nil {
			return nil, err
		}
		return []events.Event{{
			Type: events.EventTicketPriorityChanged,
			Payload: events.TicketPriorityChangedPayload{
				OldPriority: oldPriority,
				NewPriority: ticket.Priority,
			},
		}}, nil
	})
}

// DeleteTicket removes a ticket with its messages and attachments.
func (s *TicketService) DeleteTicket(ctx context.Context, caller domain.Caller, ticketID string) (err error) {
	ctx, span := s.startSpan(ctx, "TicketService.DeleteTicket", caller, ticketID)
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return err
	}
	if !caller.ActsAsAgent() {
		return apperrors.NewForbidden("only agents can delete tickets")
	}
	if err := validateTicketID(ticketID); err != nil {
		return err
	}

	unlock := s.locks.lock(ticketID)
	defer unlock()

	var (
		deleted *domain.Ticket
		refs    []string
		removed int
	)
	err = s.store.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		ticket, err := s.findScoped(ctx, repos, scope, ticketID, true)
		if err != nil {
			return err
		}
		msgs, err := repos.Messages.ListByTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if ref := msg.AttachmentRef(); ref != nil {
				refs = append(refs, *ref)
			}
		}
		if err := repos.Tickets.Delete(ctx, ticketID); err != nil {
			return mapRepoErr(err, ticketID)
		}
		deleted, removed = ticket, len(msgs)
		return nil
	})
	if err != nil {
		return apperrors.MapError(err)
	}

	for _, ref := range refs {
		s.discardAttachment(ctx, ref)
	}
	s.publishEvent(ctx, deleted, caller, events.Event{
		Type:    events.EventTicketDeleted,
		Payload: events.TicketDeletedPayload{MessagesRemoved: removed},
	})
	return nil
}

// CloseDormant closes ticketID on behalf of the system when it is still resolved and
// idle for at least threshold. It reports whether this call closed the ticket.
func (s *TicketService) CloseDormant(ctx context.Context, ticketID string, threshold time.Duration) (closed bool, err error) {
	caller := domain.SystemCaller()
	ctx, span := s.startSpan(ctx, "TicketService.CloseDormant", caller, ticketID)
	defer func() { endSpan(span, err) }()

	unlock := s.locks.lock(ticketID)
	defer unlock()

	var (
		ticket  *domain.Ticket
		pending []events.Event
	)
	err = s.store.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := repos.Tickets.Find(ctx, ticketID, repository.TicketFilter{ForUpdate: true})
		if err != nil {
			return mapRepoErr(err, ticketID)
		}
		now := s.now()
		if !workflow.IsDormant(current, threshold, now) {
			return nil
		}
		tr, err := workflow.ApplyClose(current, caller, now)
		if err != nil {
			return err
		}
		if pending, err = s.recordTransition(ctx, repos, current, caller, tr); err != nil {
			return err
		}
		if err := repos.Tickets.Update(ctx, current); err != nil {
			return mapRepoErr(err, ticketID)
		}
		ticket = current
		return nil
	})
	if err != nil {
		return false, apperrors.MapError(err)
	}
	if ticket == nil {
		return false, nil
	}
	for _, event := range pending {
		s.publishEvent(ctx, ticket, caller, event)
	}
	return true, nil
}

// SubscribeChanges registers caller for change signals. Events are not scoped; the
// subscriber re-fetches through its own scope on every signal.
func (s *TicketService) SubscribeChanges(caller domain.Caller) (<-chan events.ChangeEvent, func(), error) {
	if _, err := s.resolver.Resolve(caller); err != nil {
		return nil, nil, err
	}
	if s.feed == nil {
		return nil, nil, apperrors.NewInternalError(errors.New("change feed not configured"))
	}
	ch, cancel := s.feed.Subscribe()
	return ch, cancel, nil
}

type mutation func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error)

// mutate applies fn to the locked ticket inside one transaction, writes it back with
// a revision check and publishes fn's events after commit.
func (s *TicketService) mutate(ctx context.Context, caller domain.Caller, ticketID string, fn mutation) (*domain.Ticket, error) {
	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if err := validateTicketID(ticketID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(ticketID)
	defer unlock()

	var (
		ticket  *domain.Ticket
		pending []events.Event
	)
	err = s.store.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		current, err := s.findScoped(ctx, repos, scope, ticketID, true)
		if err != nil {
			return err
		}
		if pending, err = fn(ctx, repos, current); err != nil {
			return err
		}
		if err := repos.Tickets.Update(ctx, current); err != nil {
			return mapRepoErr(err, ticketID)
		}
		ticket = current
		return nil
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	for _, event := range pending {
		s.publishEvent(ctx, ticket, caller, event)
	}
	return ticket, nil
}

// findScoped loads ticketID through scope. A miss is NotFound when the ticket does not
// exist and Forbidden when it exists outside the scope.
func (s *TicketService) findScoped(ctx context.Context, repos repository.Repositories, scope access.Scope, ticketID string, forUpdate bool) (*domain.Ticket, error) {
	if err := validateTicketID(ticketID); err != nil {
		return nil, err
	}
	filter := scope.Apply(repository.TicketFilter{ForUpdate: forUpdate})
	ticket, err := repos.Tickets.Find(ctx, ticketID, filter)
	if err == nil {
		if !scope.Permits(ticket) {
			return nil, apperrors.NewForbidden("ticket outside caller scope")
		}
		return ticket, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, lookupErr := repos.Tickets.GetByID(ctx, ticketID); lookupErr == nil {
		return nil, apperrors.NewForbidden("ticket outside caller scope")
	} else if !errors.Is(lookupErr, repository.ErrNotFound) {
		return nil, lookupErr
	}
	return nil, ticketNotFound(ticketID)
}

// recordTransition writes history rows for tr and returns the matching events.
func (s *TicketService) recordTransition(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket, caller domain.Caller, tr workflow.Transition) ([]events.Event, error) {
	var pending []events.Event
	if tr.StateChanged() {
		if err := s.recordHistory(ctx, repos, ticket, caller, domain.ChangeTypeState,
			map[string]any{"state": tr.FromState},
			map[string]any{"state": tr.ToState}); err != nil {
			return nil, err
		}
		pending = append(pending, events.Event{
			Type:    events.EventTicketStatusChanged,
			Payload: events.TicketStatusChangedPayload{OldStatus: tr.FromState, NewStatus: tr.ToState},
		})
	}
	if tr.OwnerChanged() {
		if err := s.recordHistory(ctx, repos, ticket, caller, domain.ChangeTypeOwner,
			map[string]any{"owner_id": tr.OwnerBefore},
			map[string]any{"owner_id": tr.OwnerAfter}); err != nil {
			return nil, err
		}
		pending = append(pending, events.Event{
			Type:    events.EventTicketAssigned,
			Payload: events.TicketAssignedPayload{PreviousOwnerID: tr.OwnerBefore, OwnerID: tr.OwnerAfter},
		})
	}
	return pending, nil
}

func (s *TicketService) recordHistory(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket, caller domain.Caller, change domain.TicketChangeType, oldValue, newValue map[string]any) error {
	actorID := caller.ID
	return repos.History.Create(ctx, &domain.TicketHistory{
		ID:         uuid.NewString(),
		TicketID:   ticket.ID,
		ActorKind:  caller.ActorKind(),
		ActorID:    &actorID,
		ChangeType: change,
		OldValue:   oldValue,
		NewValue:   newValue,
		CreatedAt:  ticket.UpdatedAt,
	})
}

// publishEvent fills the envelope from ticket and dispatches it. Delivery failures
// are logged; the mutation has already committed.
func (s *TicketService) publishEvent(ctx context.Context, ticket *domain.Ticket, caller domain.Caller, event events.Event) {
	if s.dispatcher == nil || ticket == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	actorID := caller.ID
	event.TicketID = ticket.ID
	event.State = ticket.State
	event.Revision = ticket.Revision
	event.Actor = events.Actor{Kind: caller.ActorKind(), ID: &actorID}

	if err := s.dispatcher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("event delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", ticket.ID),
			zap.Error(err))
	}
}

func (f TicketListFilter) repositoryFilter() repository.TicketFilter {
	return repository.TicketFilter{
		States:      f.States,
		Priorities:  f.Priorities,
		Category:    f.Category,
		SearchTerm:  f.SearchTerm,
		UpdatedFrom: f.UpdatedFrom,
		UpdatedTo:   f.UpdatedTo,
		Limit:       f.Limit,
		Offset:      f.Offset,
	}
}

func validateTicketID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ticketNotFound(id)
	}
	return nil
}

func ticketNotFound(id string) error {
	return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
}

func mapRepoErr(err error, ticketID string) error {
	switch {
	case errors.Is(err, repository.ErrRevisionConflict):
		return apperrors.NewConcurrentModification(ticketID)
	case errors.Is(err, repository.ErrNotFound):
		return ticketNotFound(ticketID)
	}
	return err
}

func (s *TicketService) startSpan(ctx context.Context, name string, caller domain.Caller, ticketID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("caller.role", string(caller.Role)),
	}
	if ticketID != "" {
		attrs = append(attrs, attribute.String("ticket.id", ticketID))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// stringPreview shortens body to at most max bytes without splitting a rune.
func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	if len(body) <= max {
		return body
	}
	suffix := "..."
	if max <= len(suffix) {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + suffix
}
