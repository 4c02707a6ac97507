package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/clinic-support/internal/access"
	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/events"
	"github.com/spec-kit/clinic-support/internal/repository"
	"github.com/spec-kit/clinic-support/internal/storage"
)

var (
	admin      = domain.Caller{Role: domain.RoleAdmin, ID: "admin-1"}
	agentA1    = domain.Caller{Role: domain.RoleAgent, ID: "agent-a1"}
	agentA2    = domain.Caller{Role: domain.RoleAgent, ID: "agent-a2"}
	requester1 = domain.Caller{Role: domain.RoleRequester, ID: "user-u1"}
	requester2 = domain.Caller{Role: domain.RoleRequester, ID: "user-u2"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(_ context.Context, event events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) types() []events.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type harness struct {
	svc    *TicketService
	store  *repository.MemoryStore
	files  *storage.MemoryStore
	clock  *testClock
	events *eventLog
}

type harnessOption func(*TicketDependencies)

func withStore(store repository.Store) harnessOption {
	return func(d *TicketDependencies) { d.Store = store }
}

func withAttachments(store storage.AttachmentStore) harnessOption {
	return func(d *TicketDependencies) { d.Attachments = store }
}

func withFeed(feed ChangeFeed) harnessOption {
	return func(d *TicketDependencies) { d.Feed = feed }
}

func newHarness(t *testing.T, cfg config.AccessConfig, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:  repository.NewMemoryStore(),
		files:  storage.NewMemoryStore(1 << 10),
		clock:  &testClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		events: &eventLog{},
	}
	dispatcher := events.NewInMemoryDispatcher()
	for _, eventType := range events.TicketEventTypes {
		dispatcher.Subscribe(eventType, h.events.record)
	}
	deps := TicketDependencies{
		Store:       h.store,
		Resolver:    access.NewResolver(cfg),
		Attachments: h.files,
		Dispatcher:  dispatcher,
		Clock:       h.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = NewTicketService(deps)
	return h
}

func (h *harness) createTicket(t *testing.T, caller domain.Caller) *domain.Ticket {
	t.Helper()
	ticket, err := h.svc.CreateTicket(context.Background(), caller, TicketCreateInput{
		Title:    "Cannot download lab report",
		Category: "portal",
		Priority: domain.TicketPriorityHigh,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	h.clock.Advance(time.Minute)
	return ticket
}

func (h *harness) ticketInState(t *testing.T, state domain.TicketState) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)
	switch state {
	case domain.TicketStateOpen:
	case domain.TicketStateInProgress:
		h.send(t, admin, ticket.ID, "on it")
	case domain.TicketStateResolved:
		if _, err := h.svc.ResolveTicket(ctx, admin, ticket.ID); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	case domain.TicketStateClosed:
		if _, err := h.svc.CloseTicket(ctx, admin, ticket.ID); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	h.clock.Advance(time.Minute)
	got, err := h.svc.GetTicket(ctx, admin, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func (h *harness) send(t *testing.T, caller domain.Caller, ticketID, body string) *domain.Message {
	t.Helper()
	msg, err := h.svc.SendMessage(context.Background(), caller, ticketID, SendMessageInput{Body: &body})
	if err != nil {
		t.Fatalf("send message as %s: %v", caller.ID, err)
	}
	return msg
}

func (h *harness) messageCount(t *testing.T, ticketID string) int {
	t.Helper()
	n, err := h.store.Repos().Messages.CountByTicket(context.Background(), ticketID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func text(s string) *string { return &s }

// faultyStore injects repository failures inside transactions.
type faultyStore struct {
	*repository.MemoryStore
	appendErr   error
	updateErr   error
	ignoreScope bool
}

func (f *faultyStore) Repos() repository.Repositories {
	repos := f.MemoryStore.Repos()
	if f.ignoreScope {
		repos.Tickets = unscopedTickets{TicketRepository: repos.Tickets}
	}
	return repos
}

func (f *faultyStore) Do(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	return f.MemoryStore.Do(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if f.appendErr != nil {
			repos.Messages = failingMessages{TicketMessageRepository: repos.Messages, err: f.appendErr}
		}
		if f.updateErr != nil {
			repos.Tickets = failingTickets{TicketRepository: repos.Tickets, err: f.updateErr}
		}
		if f.ignoreScope {
			repos.Tickets = unscopedTickets{TicketRepository: repos.Tickets}
		}
		return fn(ctx, repos)
	})
}

type failingMessages struct {
	repository.TicketMessageRepository
	err error
}

func (m failingMessages) Append(context.Context, *domain.Message) error { return m.err }

type failingTickets struct {
	repository.TicketRepository
	err error
}

func (r failingTickets) Update(context.Context, *domain.Ticket) error { return r.err }

// unscopedTickets drops scope predicates from point lookups.
type unscopedTickets struct {
	repository.TicketRepository
}

func (r unscopedTickets) Find(ctx context.Context, id string, filter repository.TicketFilter) (*domain.Ticket, error) {
	return r.TicketRepository.Find(ctx, id, repository.TicketFilter{ForUpdate: filter.ForUpdate})
}

type brokenAttachments struct {
	*storage.MemoryStore
}

func (brokenAttachments) Put(context.Context, string, storage.Upload) (*domain.Attachment, error) {
	return nil, errors.New("object store unavailable")
}

// cancellingReader cancels its context after handing out the first chunk.
type cancellingReader struct {
	cancel context.CancelFunc
	served bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		r.cancel()
		return copy(p, "partial scan"), nil
	}
	return copy(p, "rest"), nil
}
