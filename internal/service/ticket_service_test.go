package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/events"
	"github.com/spec-kit/clinic-support/internal/notifier"
	"github.com/spec-kit/clinic-support/internal/repository"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

var queueAccess = config.AccessConfig{AgentSeesUnassigned: true}

func TestScenarioReplyThenCloseRejectsRequester(t *testing.T) {
	h := newHarness(t, queueAccess)
	ctx := context.Background()

	ticket, err := h.svc.CreateTicket(ctx, requester1, TicketCreateInput{
		Title:    "Billing statement wrong",
		Category: "billing",
		Priority: domain.TicketPriorityUrgent,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.State != domain.TicketStateOpen || ticket.OwnerID != nil || ticket.Priority != domain.TicketPriorityUrgent {
		t.Fatalf("unexpected new ticket %+v", ticket)
	}

	h.clock.Advance(time.Minute)
	h.send(t, agentA1, ticket.ID, "looking into it")
	got, _ := h.svc.GetTicket(ctx, admin, ticket.ID)
	if got.State != domain.TicketStateInProgress || !got.OwnedBy(agentA1.ID) {
		t.Fatalf("expected in_progress owned by A1, got %+v", got)
	}

	h.clock.Advance(time.Minute)
	closed, err := h.svc.CloseTicket(ctx, agentA1, ticket.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.State != domain.TicketStateClosed || closed.ClosedAt == nil || !closed.ClosedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected closed ticket %+v", closed)
	}

	before := h.messageCount(t, ticket.ID)
	_, err = h.svc.SendMessage(ctx, requester1, ticket.ID, SendMessageInput{Body: text("still broken")})
	if !errors.Is(err, apperrors.ErrClosedTicket) {
		t.Fatalf("expected closed ticket error, got %v", err)
	}
	if after := h.messageCount(t, ticket.ID); after != before {
		t.Fatalf("message count changed from %d to %d", before, after)
	}
}

func TestScenarioReplyThenCloseWithDefaultAccess(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()

	ticket := h.createTicket(t, requester1)
	if _, err := h.svc.SendMessage(ctx, agentA1, ticket.ID, SendMessageInput{Body: text("looking into it")}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected agent to be outside scope of unassigned ticket, got %v", err)
	}

	h.clock.Advance(time.Minute)
	h.send(t, admin, ticket.ID, "looking into it")
	got, _ := h.svc.GetTicket(ctx, admin, ticket.ID)
	if got.State != domain.TicketStateInProgress || !got.OwnedBy(admin.ID) {
		t.Fatalf("expected in_progress owned by admin, got %+v", got)
	}

	h.clock.Advance(time.Minute)
	closed, err := h.svc.CloseTicket(ctx, admin, ticket.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.State != domain.TicketStateClosed || closed.ClosedAt == nil || !closed.ClosedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected closed ticket %+v", closed)
	}

	before := h.messageCount(t, ticket.ID)
	_, err = h.svc.SendMessage(ctx, requester1, ticket.ID, SendMessageInput{Body: text("still broken")})
	if !errors.Is(err, apperrors.ErrClosedTicket) {
		t.Fatalf("expected closed ticket error, got %v", err)
	}
	if after := h.messageCount(t, ticket.ID); after != before {
		t.Fatalf("message count changed from %d to %d", before, after)
	}
}

func TestSendMessageChecksCallerBeforeBody(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ticket := h.createTicket(t, requester1)

	tests := []struct {
		name   string
		caller domain.Caller
		want   error
	}{
		{"anonymous", domain.Caller{Role: domain.RoleRequester}, apperrors.ErrForbidden},
		{"unknown role", domain.Caller{Role: "visitor", ID: "x"}, apperrors.ErrForbidden},
		{"requester", requester1, apperrors.ErrEmptyMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SendMessage(context.Background(), tt.caller, ticket.ID, SendMessageInput{Body: text("   ")})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestStringPreviewKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		body string
		max  int
		want string
	}{
		{"short", "  hello  ", 10, "hello"},
		{"ascii", strings.Repeat("a", 20), 10, strings.Repeat("a", 7) + "..."},
		{"two byte runes", strings.Repeat("é", 100), 120, strings.Repeat("é", 58) + "..."},
		{"tiny limit", "héllo", 2, "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stringPreview(tt.body, tt.max)
			if !utf8.ValidString(got) {
				t.Fatalf("preview %q is not valid utf-8", got)
			}
			if len(got) > tt.max {
				t.Fatalf("preview %q longer than %d bytes", got, tt.max)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAgentReplyMovesToInProgress(t *testing.T) {
	for _, state := range []domain.TicketState{domain.TicketStateOpen, domain.TicketStateResolved} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t, queueAccess)
			ticket := h.ticketInState(t, state)
			h.send(t, agentA1, ticket.ID, "working on it")

			got, _ := h.svc.GetTicket(context.Background(), admin, ticket.ID)
			if got.State != domain.TicketStateInProgress {
				t.Fatalf("expected in_progress, got %s", got.State)
			}
		})
	}
}

func TestRequesterReplyPolicy(t *testing.T) {
	tests := []struct {
		from domain.TicketState
		want domain.TicketState
	}{
		{domain.TicketStateOpen, domain.TicketStateOpen},
		{domain.TicketStateResolved, domain.TicketStateInProgress},
		{domain.TicketStateInProgress, domain.TicketStateInProgress},
	}
	for _, tc := range tests {
		t.Run(string(tc.from), func(t *testing.T) {
			h := newHarness(t, config.AccessConfig{})
			ticket := h.ticketInState(t, tc.from)
			h.send(t, requester1, ticket.ID, "any update?")

			got, _ := h.svc.GetTicket(context.Background(), admin, ticket.ID)
			if got.State != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.State)
			}
		})
	}
}

func TestClosedTicketRejectsMessagesWithoutUpload(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ticket := h.ticketInState(t, domain.TicketStateClosed)

	for _, caller := range []domain.Caller{admin, requester1} {
		_, err := h.svc.SendMessage(context.Background(), caller, ticket.ID, SendMessageInput{
			Body:       text("hello?"),
			Attachment: upload("png-bytes"),
		})
		if !errors.Is(err, apperrors.ErrClosedTicket) {
			t.Fatalf("%s: expected closed ticket error, got %v", caller.ID, err)
		}
	}
	if h.messageCount(t, ticket.ID) != 0 {
		t.Fatalf("expected no messages on closed ticket")
	}
	if h.files.Len() != 0 {
		t.Fatalf("expected no stored attachments, got %d", h.files.Len())
	}
}

func TestFirstAgentReplyClaimsTicket(t *testing.T) {
	h := newHarness(t, queueAccess)
	ticket := h.createTicket(t, requester1)
	h.send(t, agentA1, ticket.ID, "mine")

	got, _ := h.svc.GetTicket(context.Background(), agentA1, ticket.ID)
	if !got.OwnedBy(agentA1.ID) {
		t.Fatalf("expected owner A1, got %v", got.OwnerID)
	}

	// A second agent can no longer see the claimed ticket.
	if _, err := h.svc.SendMessage(context.Background(), agentA2, ticket.ID, SendMessageInput{Body: text("me too")}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden for A2, got %v", err)
	}

	history, err := h.svc.ListHistory(context.Background(), admin, ticket.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ChangeType != domain.ChangeTypeState || history[1].ChangeType != domain.ChangeTypeOwner {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[1].ActorKind != domain.ActorKindAgent {
		t.Fatalf("expected agent actor, got %s", history[1].ActorKind)
	}
}

func TestRequesterVisibility(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	foreign := h.createTicket(t, requester1)
	h.send(t, requester1, foreign.ID, "private details")
	own := h.createTicket(t, requester2)

	list, err := h.svc.ListTickets(ctx, requester2, TicketListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != own.ID {
		t.Fatalf("requester2 should only see own ticket, got %+v", list)
	}

	if _, err := h.svc.ListMessages(ctx, requester2, foreign.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.GetTicket(ctx, requester2, foreign.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.GetTicket(ctx, requester2, "7b0c4d36-4b8e-4a53-9d3e-2f7d5d1c2a10"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.GetTicket(ctx, admin, "not-a-uuid"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
}

func TestAgentScopeWithoutQueue(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)

	if _, err := h.svc.SendMessage(ctx, agentA1, ticket.ID, SendMessageInput{Body: text("hi")}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("agent should not see unassigned ticket, got %v", err)
	}
	if _, err := h.svc.ReassignTicket(ctx, admin, ticket.ID, agentA1.ID); err != nil {
		t.Fatalf("admin reassign: %v", err)
	}
	got, err := h.svc.GetTicket(ctx, agentA1, ticket.ID)
	if err != nil || got.State != domain.TicketStateOpen {
		t.Fatalf("assigned agent should see untouched ticket: %+v %v", got, err)
	}

	counts, err := h.svc.CountTickets(ctx, agentA1)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.TicketStateOpen] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestCreateTicketRoles(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	input := TicketCreateInput{Title: "Refill", Category: "pharmacy"}

	if _, err := h.svc.CreateTicket(ctx, agentA1, input); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("agent create: expected forbidden, got %v", err)
	}
	if _, err := h.svc.CreateTicket(ctx, admin, input); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("admin without requester: expected validation, got %v", err)
	}
	onBehalf := input
	onBehalf.RequesterID = requester2.ID
	ticket, err := h.svc.CreateTicket(ctx, admin, onBehalf)
	if err != nil || ticket.RequesterID != requester2.ID || ticket.Priority != domain.TicketPriorityMedium {
		t.Fatalf("admin on behalf: %+v %v", ticket, err)
	}
	spoof := input
	spoof.RequesterID = requester2.ID
	if _, err := h.svc.CreateTicket(ctx, requester1, spoof); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("requester spoof: expected forbidden, got %v", err)
	}
	if _, err := h.svc.CreateTicket(ctx, domain.Caller{Role: "visitor", ID: "x"}, input); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("unknown role: expected forbidden, got %v", err)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ticket := h.createTicket(t, requester1)
	for _, body := range []*string{nil, text("   ")} {
		if _, err := h.svc.SendMessage(context.Background(), requester1, ticket.ID, SendMessageInput{Body: body}); !errors.Is(err, apperrors.ErrEmptyMessage) {
			t.Fatalf("expected empty message error, got %v", err)
		}
	}
	if h.messageCount(t, ticket.ID) != 0 {
		t.Fatalf("expected no messages")
	}
}

func TestCloseRules(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)

	if _, err := h.svc.CloseTicket(ctx, requester1, ticket.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("requester close: expected forbidden, got %v", err)
	}
	closed, err := h.svc.CloseTicket(ctx, admin, ticket.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.OwnedBy(admin.ID) {
		t.Fatalf("closing agent should default as owner, got %v", closed.OwnerID)
	}
	closedAt := *closed.ClosedAt

	h.clock.Advance(time.Hour)
	if _, err := h.svc.CloseTicket(ctx, admin, ticket.ID); !errors.Is(err, apperrors.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}
	got, _ := h.svc.GetTicket(ctx, admin, ticket.ID)
	if !got.ClosedAt.Equal(closedAt) || got.Revision != closed.Revision {
		t.Fatalf("redundant close must not touch ticket: %+v", got)
	}
}

func TestReassignRules(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)

	if _, err := h.svc.ReassignTicket(ctx, admin, ticket.ID, agentA1.ID); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if _, err := h.svc.ReassignTicket(ctx, agentA1, ticket.ID, agentA1.ID); !errors.Is(err, apperrors.ErrNoChange) {
		t.Fatalf("expected no change, got %v", err)
	}
	moved, err := h.svc.ReassignTicket(ctx, agentA1, ticket.ID, agentA2.ID)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if moved.State != domain.TicketStateOpen || !moved.OwnedBy(agentA2.ID) {
		t.Fatalf("reassign must keep state: %+v", moved)
	}
	if _, err := h.svc.GetTicket(ctx, agentA1, ticket.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("previous owner should lose access, got %v", err)
	}
	if _, err := h.svc.ReassignTicket(ctx, requester1, ticket.ID, agentA1.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("requester reassign: expected forbidden, got %v", err)
	}
}

func TestResolveAndPriority(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)

	resolved, err := h.svc.ResolveTicket(ctx, admin, ticket.ID)
	if err != nil || resolved.State != domain.TicketStateResolved {
		t.Fatalf("resolve: %+v %v", resolved, err)
	}
	if _, err := h.svc.ResolveTicket(ctx, admin, ticket.ID); !errors.Is(err, apperrors.ErrNoChange) {
		t.Fatalf("expected no change, got %v", err)
	}

	updated, err := h.svc.UpdatePriority(ctx, admin, ticket.ID, domain.TicketPriorityUrgent)
	if err != nil || updated.Priority != domain.TicketPriorityUrgent {
		t.Fatalf("priority: %+v %v", updated, err)
	}
	if _, err := h.svc.UpdatePriority(ctx, admin, ticket.ID, domain.TicketPriorityUrgent); !errors.Is(err, apperrors.ErrNoChange) {
		t.Fatalf("expected no change, got %v", err)
	}
	if _, err := h.svc.UpdatePriority(ctx, admin, ticket.ID, "critical"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation, got %v", err)
	}

	history, _ := h.svc.ListHistory(ctx, admin, ticket.ID)
	if len(history) != 2 || history[1].ChangeType != domain.ChangeTypePriority {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestDeleteTicketCascades(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)
	if _, err := h.svc.SendMessage(ctx, requester1, ticket.ID, SendMessageInput{Attachment: upload("png-bytes")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.files.Len() != 1 {
		t.Fatalf("expected stored attachment")
	}

	if err := h.svc.DeleteTicket(ctx, requester1, ticket.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("requester delete: expected forbidden, got %v", err)
	}
	if err := h.svc.DeleteTicket(ctx, admin, ticket.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.GetTicket(ctx, admin, ticket.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if h.messageCount(t, ticket.ID) != 0 || h.files.Len() != 0 {
		t.Fatalf("expected messages and attachments removed")
	}
	if err := h.svc.DeleteTicket(ctx, admin, ticket.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
}

func TestConcurrentRepliesAreSerialized(t *testing.T) {
	h := newHarness(t, queueAccess)
	ticket := h.createTicket(t, requester1)
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.SendMessage(context.Background(), agentA1, ticket.ID, SendMessageInput{Body: text(fmt.Sprintf("update %d", i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent send: %v", err)
		}
	}

	got, _ := h.svc.GetTicket(context.Background(), admin, ticket.ID)
	if got.Revision != 1+writers {
		t.Fatalf("expected revision %d, got %d", 1+writers, got.Revision)
	}
	msgs, _ := h.svc.ListMessages(context.Background(), admin, ticket.ID)
	if len(msgs) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("messages out of order at %d", i)
		}
	}
	if h.svc.locks.size() != 0 {
		t.Fatalf("ticket locks leaked: %d", h.svc.locks.size())
	}
}

func TestConcurrentClosesSucceedOnce(t *testing.T) {
	h := newHarness(t, config.AccessConfig{})
	ticket := h.createTicket(t, requester1)
	const closers = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		redundant int
	)
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CloseTicket(context.Background(), admin, ticket.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperrors.ErrAlreadyClosed):
				redundant++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 || redundant != closers-1 {
		t.Fatalf("expected exactly one close, got %d ok / %d redundant", succeeded, redundant)
	}
}

func TestRevisionConflictIsRetryable(t *testing.T) {
	store := &faultyStore{MemoryStore: repository.NewMemoryStore(), updateErr: repository.ErrRevisionConflict}
	h := newHarness(t, config.AccessConfig{}, withStore(store))
	ticket, err := h.svc.CreateTicket(context.Background(), requester1, TicketCreateInput{Title: "x", Category: "y"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = h.svc.CloseTicket(context.Background(), admin, ticket.ID)
	if !errors.Is(err, apperrors.ErrConcurrentModification) || !apperrors.IsRetryable(err) {
		t.Fatalf("expected retryable concurrent modification, got %v", err)
	}
}

func TestScopeIsRecheckedAfterLookup(t *testing.T) {
	store := &faultyStore{MemoryStore: repository.NewMemoryStore(), ignoreScope: true}
	h := newHarness(t, config.AccessConfig{}, withStore(store))
	ctx := context.Background()
	ticket := h.createTicket(t, requester1)

	if _, err := h.svc.GetTicket(ctx, requester2, ticket.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden read, got %v", err)
	}
	if _, err := h.svc.CloseTicket(ctx, agentA1, ticket.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden close, got %v", err)
	}
	if _, err := h.svc.SendMessage(ctx, requester2, ticket.ID, SendMessageInput{Body: text("hi")}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden message, got %v", err)
	}
	if got, err := h.svc.GetTicket(ctx, requester1, ticket.ID); err != nil || got.ID != ticket.ID {
		t.Fatalf("owner read: %v", err)
	}
}

func TestMutationsPublishEventsAfterCommit(t *testing.T) {
	h := newHarness(t, queueAccess)
	ticket := h.createTicket(t, requester1)
	h.events.reset()

	h.send(t, agentA1, ticket.ID, "hello")
	want := []events.EventType{events.EventTicketMessageAdded, events.EventTicketStatusChanged, events.EventTicketAssigned}
	got := h.events.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for _, e := range h.events.events {
		if e.Revision != 2 || e.State != domain.TicketStateInProgress || e.TicketID != ticket.ID {
			t.Fatalf("event envelope not filled from committed ticket: %+v", e)
		}
	}

	h.events.reset()
	_, _ = h.svc.SendMessage(context.Background(), requester1, ticket.ID, SendMessageInput{})
	if len(h.events.types()) != 0 {
		t.Fatalf("failed mutation must not publish")
	}
}

func TestSubscribeChangesReceivesSignals(t *testing.T) {
	feed := notifier.New(nil, config.NotifierConfig{BufferSize: 8}, nil)
	h := newHarness(t, config.AccessConfig{}, withFeed(feed))
	// Route the service's dispatcher into the notifier.
	dispatcher := events.NewInMemoryDispatcher()
	feed.RegisterHandlers(dispatcher)
	h.svc.dispatcher = dispatcher

	if _, _, err := h.svc.SubscribeChanges(domain.Caller{Role: "guest", ID: "x"}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden subscription, got %v", err)
	}
	ch, cancel, err := h.svc.SubscribeChanges(requester2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ticket := h.createTicket(t, requester1)
	select {
	case change := <-ch:
		if change.Kind != events.ChangeCreated || change.TicketID != ticket.ID {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change delivered")
	}
}
