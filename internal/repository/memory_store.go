package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// MemoryStore keeps tickets, messages and history in process memory. Do calls are
// serialized and roll back by restoring a snapshot. Writes made through Repos()
// outside Do are not isolated from a concurrent rollback.
type MemoryStore struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	tickets  map[string]domain.Ticket
	messages map[string][]domain.Message
	history  map[string][]domain.TicketHistory
	seq      int64

	repos Repositories
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tickets:  make(map[string]domain.Ticket),
		messages: make(map[string][]domain.Message),
		history:  make(map[string][]domain.TicketHistory),
	}
	s.repos = Repositories{
		Tickets:  &memoryTickets{s: s},
		Messages: &memoryMessages{s: s},
		History:  &memoryHistory{s: s},
	}
	return s
}

func (s *MemoryStore) Repos() Repositories {
	return s.repos
}

func (s *MemoryStore) Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.snapshot()
	err := fn(ctx, s.repos)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	tickets  map[string]domain.Ticket
	messages map[string][]domain.Message
	history  map[string][]domain.TicketHistory
	seq      int64
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		tickets:  make(map[string]domain.Ticket, len(s.tickets)),
		messages: make(map[string][]domain.Message, len(s.messages)),
		history:  make(map[string][]domain.TicketHistory, len(s.history)),
		seq:      s.seq,
	}
	for id, t := range s.tickets {
		snap.tickets[id] = t.Clone()
	}
	// Messages and history entries are never mutated in place, so shallow slice copies suffice.
	for id, msgs := range s.messages {
		snap.messages[id] = append([]domain.Message(nil), msgs...)
	}
	for id, entries := range s.history {
		snap.history[id] = append([]domain.TicketHistory(nil), entries...)
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = snap.tickets
	s.messages = snap.messages
	s.history = snap.history
	s.seq = snap.seq
}

type memoryTickets struct {
	s *MemoryStore
}

func (r *memoryTickets) Create(_ context.Context, ticket *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (r *memoryTickets) Update(_ context.Context, ticket *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.tickets[ticket.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != ticket.Revision {
		return ErrRevisionConflict
	}
	next := ticket.Clone()
	next.RequesterID = stored.RequesterID
	next.Description = stored.Description
	next.CreatedAt = stored.CreatedAt
	if stored.ClosedAt != nil {
		next.ClosedAt = stored.ClosedAt
	}
	next.Revision = stored.Revision + 1
	r.s.tickets[ticket.ID] = next
	ticket.Revision = next.Revision
	return nil
}

func (r *memoryTickets) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tickets[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.tickets, id)
	delete(r.s.messages, id)
	delete(r.s.history, id)
	return nil
}

func (r *memoryTickets) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.Find(ctx, id, TicketFilter{})
}

func (r *memoryTickets) Find(_ context.Context, id string, filter TicketFilter) (*domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tickets[id]
	if !ok || !matchesFilter(&t, filter) {
		return nil, ErrNotFound
	}
	clone := t.Clone()
	return &clone, nil
}

func (r *memoryTickets) List(_ context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	r.s.mu.RLock()
	matched := make([]domain.Ticket, 0, len(r.s.tickets))
	for _, t := range r.s.tickets {
		if matchesFilter(&t, filter) {
			matched = append(matched, t.Clone())
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	offset := filter.offset()
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + filter.limit()
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *memoryTickets) CountByState(_ context.Context, filter TicketFilter) (map[domain.TicketState]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	counts := make(map[domain.TicketState]int, len(domain.TicketStates))
	for _, state := range domain.TicketStates {
		counts[state] = 0
	}
	for _, t := range r.s.tickets {
		if matchesFilter(&t, filter) {
			counts[t.State]++
		}
	}
	return counts, nil
}

func (r *memoryTickets) ListDormant(_ context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	r.s.mu.RLock()
	var matched []domain.Ticket
	for _, t := range r.s.tickets {
		if t.State != domain.TicketStateResolved || t.UpdatedAt.After(cutoff) {
			continue
		}
		if afterID != "" && t.ID <= afterID {
			continue
		}
		matched = append(matched, t.Clone())
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matchesFilter(t *domain.Ticket, filter TicketFilter) bool {
	if filter.RequesterID != nil && t.RequesterID != *filter.RequesterID {
		return false
	}
	if filter.OwnerID != nil {
		owned := t.OwnedBy(*filter.OwnerID)
		if !owned && !(filter.IncludeUnassigned && t.OwnerID == nil) {
			return false
		}
	}
	if len(filter.States) > 0 && !containsState(filter.States, t.State) {
		return false
	}
	if len(filter.Priorities) > 0 && !containsPriority(filter.Priorities, t.Priority) {
		return false
	}
	if filter.Category != nil && t.Category != *filter.Category {
		return false
	}
	if filter.UpdatedFrom != nil && t.UpdatedAt.Before(*filter.UpdatedFrom) {
		return false
	}
	if filter.UpdatedTo != nil && t.UpdatedAt.After(*filter.UpdatedTo) {
		return false
	}
	if filter.SearchTerm != nil {
		term := strings.ToLower(strings.TrimSpace(*filter.SearchTerm))
		if term != "" &&
			!strings.Contains(strings.ToLower(t.Title), term) &&
			!strings.Contains(strings.ToLower(t.Description), term) {
			return false
		}
	}
	return true
}

func containsState(states []domain.TicketState, s domain.TicketState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsPriority(priorities []domain.TicketPriority, p domain.TicketPriority) bool {
	for _, candidate := range priorities {
		if candidate == p {
			return true
		}
	}
	return false
}

type memoryMessages struct {
	s *MemoryStore
}

func (r *memoryMessages) Append(_ context.Context, msg *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tickets[msg.TicketID]; !ok {
		return ErrNotFound
	}
	r.s.seq++
	msg.Seq = r.s.seq
	stored := *msg
	if msg.Attachment != nil {
		att := *msg.Attachment
		stored.Attachment = &att
	}
	r.s.messages[msg.TicketID] = append(r.s.messages[msg.TicketID], stored)
	return nil
}

func (r *memoryMessages) ListByTicket(_ context.Context, ticketID string) ([]domain.Message, error) {
	r.s.mu.RLock()
	result := append([]domain.Message(nil), r.s.messages[ticketID]...)
	r.s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (r *memoryMessages) CountByTicket(_ context.Context, ticketID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.messages[ticketID]), nil
}

type memoryHistory struct {
	s *MemoryStore
}

func (r *memoryHistory) Create(_ context.Context, history *domain.TicketHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tickets[history.TicketID]; !ok {
		return ErrNotFound
	}
	r.s.history[history.TicketID] = append(r.s.history[history.TicketID], *history)
	return nil
}

func (r *memoryHistory) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketHistory, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]domain.TicketHistory(nil), r.s.history[ticketID]...), nil
}
