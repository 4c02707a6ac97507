package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spec-kit/clinic-support/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ErrRevisionConflict is returned by TicketRepository.Update when the stored revision
// no longer matches the one the caller read.
var ErrRevisionConflict = errors.New("ticket revision conflict")

// ErrNotFound aliases pgx.ErrNoRows so every store reports misses the same way.
var ErrNotFound = pgx.ErrNoRows

// TicketFilter captures ticket query parameters, including the caller's access scope.
type TicketFilter struct {
	RequesterID *string
	OwnerID     *string
	// IncludeUnassigned widens an OwnerID match to tickets with no owner.
	IncludeUnassigned bool
	States            []domain.TicketState
	Priorities        []domain.TicketPriority
	Category          *string
	SearchTerm        *string
	UpdatedFrom       *time.Time
	UpdatedTo         *time.Time
	// ForUpdate locks matched rows until the surrounding transaction ends.
	ForUpdate bool
	Limit     int
	Offset    int
}

func (f TicketFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

func (f TicketFilter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	// Update writes ticket if its Revision still matches storage and bumps Revision.
	Update(ctx context.Context, ticket *domain.Ticket) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Find returns ticket id only when it also matches filter.
	Find(ctx context.Context, id string, filter TicketFilter) (*domain.Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
	CountByState(ctx context.Context, filter TicketFilter) (map[domain.TicketState]int, error)
	// ListDormant pages resolved tickets not updated since cutoff, ordered by id.
	ListDormant(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Ticket, error)
}

// TicketMessageRepository manages ticket thread messages.
type TicketMessageRepository interface {
	Append(ctx context.Context, msg *domain.Message) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error)
	CountByTicket(ctx context.Context, ticketID string) (int, error)
}

// TicketHistoryRepository stores audit entries.
type TicketHistoryRepository interface {
	Create(ctx context.Context, history *domain.TicketHistory) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.TicketHistory, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	Tickets  TicketRepository
	Messages TicketMessageRepository
	History  TicketHistoryRepository
}

// Store exposes repositories and a transactional unit of work.
type Store interface {
	Repos() Repositories
	// Do runs fn in a transaction. Returning an error, or a cancelled ctx, rolls back.
	Do(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
