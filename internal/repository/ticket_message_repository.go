package repository

import (
	"context"

	"github.com/spec-kit/clinic-support/internal/domain"
)

type ticketMessageRepository struct {
	db querier
}

func newTicketMessageRepository(db querier) TicketMessageRepository {
	return &ticketMessageRepository{db: db}
}

// Append inserts msg and fills Seq from the table sequence.
func (r *ticketMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	const query = `
        INSERT INTO ticket_messages (id, ticket_id, sender_kind, sender_id, body,
                                     attachment_ref, attachment_name, attachment_type, attachment_size, attachment_sha256,
                                     created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING seq`
	var (
		ref, name, contentType, sum *string
		size                        *int64
	)
	if att := msg.Attachment; att != nil {
		ref, name, contentType, sum = &att.Ref, &att.FileName, &att.ContentType, &att.SHA256
		size = &att.SizeBytes
	}
	return r.db.QueryRow(ctx, query,
		msg.ID,
		msg.TicketID,
		msg.SenderKind,
		msg.SenderID,
		msg.Body,
		ref,
		name,
		contentType,
		size,
		sum,
		msg.CreatedAt,
	).Scan(&msg.Seq)
}

func (r *ticketMessageRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT id, ticket_id, seq, sender_kind, sender_id, body,
               attachment_ref, attachment_name, attachment_type, attachment_size, attachment_sha256, created_at
        FROM ticket_messages WHERE ticket_id=$1 ORDER BY created_at ASC, seq ASC`
	rows, err := r.db.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var (
			msg                         domain.Message
			ref, name, contentType, sum *string
			size                        *int64
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.Seq,
			&msg.SenderKind,
			&msg.SenderID,
			&msg.Body,
			&ref,
			&name,
			&contentType,
			&size,
			&sum,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		if ref != nil {
			msg.Attachment = &domain.Attachment{
				Ref:         *ref,
				FileName:    deref(name),
				ContentType: deref(contentType),
				SHA256:      deref(sum),
			}
			if size != nil {
				msg.Attachment.SizeBytes = *size
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (r *ticketMessageRepository) CountByTicket(ctx context.Context, ticketID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ticket_messages WHERE ticket_id=$1`, ticketID).Scan(&count)
	return count, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
