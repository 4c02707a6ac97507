package dto

import (
	"time"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// CreateTicketRequest payload. RequesterID is honoured for admins only.
type CreateTicketRequest struct {
	RequesterID string                `json:"requester_id"`
	Title       string                `json:"title"`
	Category    string                `json:"category"`
	Description string                `json:"description"`
	Priority    domain.TicketPriority `json:"priority"`
}

// CreateMessageRequest is the JSON form of a reply. Multipart requests carry the body
// in a "body" field and the attachment in "file".
type CreateMessageRequest struct {
	Body *string `json:"body"`
}

// ReassignRequest payload.
type ReassignRequest struct {
	OwnerID string `json:"owner_id"`
}

// UpdatePriorityRequest payload.
type UpdatePriorityRequest struct {
	Priority domain.TicketPriority `json:"priority"`
}

// TokenResponse is printed by the token command.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TicketResponse describes a ticket.
type TicketResponse struct {
	ID          string                `json:"id"`
	RequesterID string                `json:"requester_id"`
	OwnerID     *string               `json:"owner_id"`
	Title       string                `json:"title"`
	Category    string                `json:"category"`
	Description string                `json:"description,omitempty"`
	Priority    domain.TicketPriority `json:"priority"`
	State       domain.TicketState    `json:"state"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	ClosedAt    *time.Time            `json:"closed_at"`
	Revision    int64                 `json:"revision"`
}

// TicketDetailResponse is a ticket with its thread.
type TicketDetailResponse struct {
	TicketResponse
	Messages []MessageResponse `json:"messages"`
}

// MessageResponse represents one thread message.
type MessageResponse struct {
	ID         string              `json:"id"`
	TicketID   string              `json:"ticket_id"`
	SenderKind domain.SenderKind   `json:"sender_kind"`
	SenderID   *string             `json:"sender_id"`
	Body       *string             `json:"body"`
	Attachment *AttachmentResponse `json:"attachment,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// AttachmentResponse metadata.
type AttachmentResponse struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	URL         string `json:"url"`
}

// TicketHistoryResponse is one audit entry.
type TicketHistoryResponse struct {
	ID         string                  `json:"id"`
	ChangeType domain.TicketChangeType `json:"change_type"`
	ActorKind  domain.ActorKind        `json:"actor_kind"`
	ActorID    *string                 `json:"actor_id"`
	OldValue   map[string]any          `json:"old_value"`
	NewValue   map[string]any          `json:"new_value"`
	CreatedAt  time.Time               `json:"created_at"`
}

// NewTicketResponse maps a ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:          t.ID,
		RequesterID: t.RequesterID,
		OwnerID:     t.OwnerID,
		Title:       t.Title,
		Category:    t.Category,
		Description: t.Description,
		Priority:    t.Priority,
		State:       t.State,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		ClosedAt:    t.ClosedAt,
		Revision:    t.Revision,
	}
}

// NewTicketResponses maps a page of tickets.
func NewTicketResponses(tickets []domain.Ticket) []TicketResponse {
	items := make([]TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, NewTicketResponse(&tickets[i]))
	}
	return items
}

// NewMessageResponse maps a message. basePath prefixes the attachment download URL.
func NewMessageResponse(m *domain.Message, basePath string) MessageResponse {
	resp := MessageResponse{
		ID:         m.ID,
		TicketID:   m.TicketID,
		SenderKind: m.SenderKind,
		SenderID:   m.SenderID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
	if att := m.Attachment; att != nil {
		resp.Attachment = &AttachmentResponse{
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   att.SizeBytes,
			SHA256:      att.SHA256,
			URL:         basePath + "/tickets/" + m.TicketID + "/messages/" + m.ID + "/attachment",
		}
	}
	return resp
}

// NewMessageResponses maps a thread.
func NewMessageResponses(msgs []domain.Message, basePath string) []MessageResponse {
	items := make([]MessageResponse, 0, len(msgs))
	for i := range msgs {
		items = append(items, NewMessageResponse(&msgs[i], basePath))
	}
	return items
}

// NewHistoryResponses maps audit entries.
func NewHistoryResponses(entries []domain.TicketHistory) []TicketHistoryResponse {
	resp := make([]TicketHistoryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, TicketHistoryResponse{
			ID:         entry.ID,
			ChangeType: entry.ChangeType,
			ActorKind:  entry.ActorKind,
			ActorID:    entry.ActorID,
			OldValue:   entry.OldValue,
			NewValue:   entry.NewValue,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return resp
}
