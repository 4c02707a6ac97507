package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/clinic-support/internal/domain"
)

const ticketColumns = `id, requester_id, owner_id, title, category, description, priority, state,
               created_at, updated_at, closed_at, revision`

type ticketRepository struct {
	db querier
}

func newTicketRepository(db querier) TicketRepository {
	return &ticketRepository{db: db}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, requester_id, owner_id, title, category, description, priority, state,
                             created_at, updated_at, closed_at, revision)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.db.Exec(ctx, query,
		ticket.ID,
		ticket.RequesterID,
		ticket.OwnerID,
		ticket.Title,
		ticket.Category,
		ticket.Description,
		ticket.Priority,
		ticket.State,
		ticket.CreatedAt,
		ticket.UpdatedAt,
		ticket.ClosedAt,
		ticket.Revision,
	)
	return err
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        UPDATE tickets SET owner_id=$1, title=$2, category=$3, priority=$4, state=$5,
            closed_at=COALESCE(closed_at, $6), updated_at=$7, revision=revision+1
        WHERE id=$8 AND revision=$9`
	cmd, err := r.db.Exec(ctx, query,
		ticket.OwnerID,
		ticket.Title,
		ticket.Category,
		ticket.Priority,
		ticket.State,
		ticket.ClosedAt,
		ticket.UpdatedAt,
		ticket.ID,
		ticket.Revision,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, ticket.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return ErrRevisionConflict
	}
	ticket.Revision++
	return nil
}

func (r *ticketRepository) Delete(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM tickets WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.Find(ctx, id, TicketFilter{})
}

func (r *ticketRepository) Find(ctx context.Context, id string, filter TicketFilter) (*domain.Ticket, error) {
	where, args := buildTicketWhere(filter)
	args = append(args, id)
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s AND id=$%d`, ticketColumns, where, len(args))
	if filter.ForUpdate {
		query += " FOR UPDATE"
	}
	ticket, err := scanTicket(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	where, args := buildTicketWhere(filter)
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY updated_at DESC, id ASC LIMIT %d OFFSET %d`,
		ticketColumns, where, filter.limit(), filter.offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) CountByState(ctx context.Context, filter TicketFilter) (map[domain.TicketState]int, error) {
	where, args := buildTicketWhere(filter)
	query := fmt.Sprintf(`SELECT state, COUNT(*) FROM tickets WHERE %s GROUP BY state`, where)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TicketState]int, len(domain.TicketStates))
	for _, state := range domain.TicketStates {
		counts[state] = 0
	}
	for rows.Next() {
		var state domain.TicketState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (r *ticketRepository) ListDormant(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{domain.TicketStateResolved, cutoff}
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE state=$1 AND updated_at <= $2`, ticketColumns)
	if afterID != "" {
		args = append(args, afterID)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

// buildTicketWhere renders filter as a SQL predicate with positional arguments.
func buildTicketWhere(filter TicketFilter) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.RequesterID != nil {
		args = append(args, *filter.RequesterID)
		clauses = append(clauses, fmt.Sprintf("requester_id=$%d", len(args)))
	}
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		if filter.IncludeUnassigned {
			clauses = append(clauses, fmt.Sprintf("(owner_id=$%d OR owner_id IS NULL)", len(args)))
		} else {
			clauses = append(clauses, fmt.Sprintf("owner_id=$%d", len(args)))
		}
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.Priorities) > 0 {
		placeholders := make([]string, len(filter.Priorities))
		for i, pr := range filter.Priorities {
			args = append(args, pr)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Category != nil {
		args = append(args, *filter.Category)
		clauses = append(clauses, fmt.Sprintf("category=$%d", len(args)))
	}
	if filter.UpdatedFrom != nil {
		args = append(args, *filter.UpdatedFrom)
		clauses = append(clauses, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	if filter.UpdatedTo != nil {
		args = append(args, *filter.UpdatedTo)
		clauses = append(clauses, fmt.Sprintf("updated_at <= $%d", len(args)))
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		search := "%" + strings.ToLower(strings.TrimSpace(*filter.SearchTerm)) + "%"
		args = append(args, search)
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(title) LIKE %s OR LOWER(description) LIKE %s)", placeholder, placeholder))
	}
	return strings.Join(clauses, " AND "), args
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.RequesterID,
		&ticket.OwnerID,
		&ticket.Title,
		&ticket.Category,
		&ticket.Description,
		&ticket.Priority,
		&ticket.State,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ClosedAt,
		&ticket.Revision,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}
	return &ticket, nil
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}
