package service

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/events"
	"github.com/spec-kit/clinic-support/internal/repository"
	"github.com/spec-kit/clinic-support/internal/storage"
	"github.com/spec-kit/clinic-support/internal/workflow"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

// SendMessageInput is a reply with an optional attachment. At least one is required.
type SendMessageInput struct {
	Body       *string
	Attachment *storage.Upload
}

// SendMessage appends a message and applies the reply rules to the ticket. An
// attachment is stored before the message is written and removed again if the
// message does not commit.
func (s *TicketService) SendMessage(ctx context.Context, caller domain.Caller, ticketID string, input SendMessageInput) (_ *domain.Message, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.SendMessage", caller, ticketID)
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	body := trimBody(input.Body)
	if body == nil && input.Attachment == nil {
		return nil, apperrors.NewEmptyMessage()
	}

	// Reject early so a closed or foreign ticket never receives an upload.
	current, err := s.findScoped(ctx, s.store.Repos(), scope, ticketID, false)
	if err != nil {
		return nil, err
	}
	if current.IsClosed() {
		return nil, apperrors.NewClosedTicket(ticketID)
	}

	var attachment *domain.Attachment
	if input.Attachment != nil {
		if attachment, err = s.storeAttachment(ctx, ticketID, *input.Attachment); err != nil {
			return nil, err
		}
	}

	var msg *domain.Message
	_, err = s.mutate(ctx, caller, ticketID, func(ctx context.Context, repos repository.Repositories, ticket *domain.Ticket) ([]events.Event, error) {
		tr, err := workflow.ApplyMessage(ticket, caller, s.now())
		if err != nil {
			return nil, err
		}
		senderID := caller.ID
		msg = &domain.Message{
			ID:         uuid.NewString(),
			TicketID:   ticket.ID,
			SenderKind: caller.SenderKind(),
			SenderID:   &senderID,
			Body:       body,
			Attachment: attachment,
			CreatedAt:  ticket.UpdatedAt,
		}
		if err := repos.Messages.Append(ctx, msg); err != nil {
			return nil, err
		}
		pending, err := s.recordTransition(ctx, repos, ticket, caller, tr)
		if err != nil {
			return nil, err
		}
		preview := ""
		if body != nil {
			preview = stringPreview(*body, 120)
		}
		return append([]events.Event{{
			Type: events.EventTicketMessageAdded,
			Payload: events.TicketMessageAddedPayload{
				MessageID:     msg.ID,
				SenderKind:    msg.SenderKind,
				SenderID:      msg.SenderID,
				BodyPreview:   preview,
				HasAttachment: attachment != nil,
			},
		}}, pending...), nil
	})
	if err != nil {
		if attachment != nil {
			s.discardAttachment(ctx, attachment.Ref)
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the conversation of a visible ticket in display order.
func (s *TicketService) ListMessages(ctx context.Context, caller domain.Caller, ticketID string) (_ []domain.Message, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.ListMessages", caller, ticketID)
	defer func() { endSpan(span, err) }()

	scope, err := s.resolver.Resolve(caller)
	if err != nil {
		return nil, err
	}
	repos := s.store.Repos()
	if _, err := s.findScoped(ctx, repos, scope, ticketID, false); err != nil {
		return nil, err
	}
	msgs, err := repos.Messages.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// OpenAttachment streams the attachment of a message on a visible ticket. The caller
// closes the returned reader.
func (s *TicketService) OpenAttachment(ctx context.Context, caller domain.Caller, ticketID, messageID string) (_ *domain.Attachment, _ io.ReadCloser, err error) {
	ctx, span := s.startSpan(ctx, "TicketService.OpenAttachment", caller, ticketID)
	defer func() { endSpan(span, err) }()

	msgs, err := s.ListMessages(ctx, caller, ticketID)
	if err != nil {
		return nil, nil, err
	}
	for _, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		if msg.Attachment == nil {
			break
		}
		rc, err := s.attachments.Open(ctx, msg.Attachment.Ref)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil, apperrors.NewNotFound("attachment", map[string]any{"message_id": messageID})
		}
		if err != nil {
			return nil, nil, apperrors.NewUploadFailed(err)
		}
		return msg.Attachment, rc, nil
	}
	return nil, nil, apperrors.NewNotFound("attachment", map[string]any{"message_id": messageID})
}

func (s *TicketService) storeAttachment(ctx context.Context, ticketID string, upload storage.Upload) (*domain.Attachment, error) {
	attachment, err := s.attachments.Put(ctx, ticketID, upload)
	switch {
	case err == nil:
		return attachment, nil
	case errors.Is(err, storage.ErrTooLarge):
		return nil, apperrors.NewValidationError("attachment too large", map[string]any{"file_name": upload.FileName})
	case errors.Is(err, storage.ErrMissingFileName):
		return nil, apperrors.NewValidationError("attachment file name required", map[string]any{"file_name": "required"})
	}
	s.logger.Warn("attachment upload failed", zap.String("ticket_id", ticketID), zap.Error(err))
	return nil, apperrors.NewUploadFailed(err)
}

// discardAttachment removes an object no message references. It runs even when ctx
// has been cancelled.
func (s *TicketService) discardAttachment(ctx context.Context, ref string) {
	if err := s.attachments.Delete(context.WithoutCancel(ctx), ref); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn("attachment cleanup failed", zap.String("ref", ref), zap.Error(err))
	}
}

func trimBody(body *string) *string {
	if body == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*body)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
