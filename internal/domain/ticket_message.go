package domain

import "time"

// SenderKind indicates which side of the conversation authored a message.
type SenderKind string

const (
	SenderKindAgent     SenderKind = "agent"
	SenderKindRequester SenderKind = "requester"
)

// Message is a single append-only post in a ticket conversation. At least one of
// Body and Attachment is set.
type Message struct {
	ID         string
	TicketID   string
	Seq        int64
	SenderKind SenderKind
	SenderID   *string
	Body       *string
	Attachment *Attachment
	CreatedAt  time.Time
}

// AttachmentRef returns the storage reference, or nil when the message has no attachment.
func (m *Message) AttachmentRef() *string {
	if m.Attachment == nil {
		return nil
	}
	ref := m.Attachment.Ref
	return &ref
}

// Attachment stores metadata for an uploaded object referenced by a message.
type Attachment struct {
	Ref         string
	FileName    string
	ContentType string
	SizeBytes   int64
	SHA256      string
}
