// Package storage holds message attachment objects. Objects are written in full
// before a reference is handed back, so a message never points at a partial upload.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// DefaultMaxBytes bounds a single attachment when no limit is configured.
const DefaultMaxBytes = 10 << 20

var (
	ErrObjectNotFound  = errors.New("attachment not found")
	ErrTooLarge        = errors.New("attachment exceeds maximum allowed size")
	ErrMissingFileName = errors.New("attachment file name is required")
	ErrInvalidRef      = errors.New("invalid attachment reference")
)

// Upload is an attachment as received from a caller.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// AttachmentStore persists attachment bytes.
type AttachmentStore interface {
	// Put stores upload under ticketID and returns its metadata once durable.
	Put(ctx context.Context, ticketID string, upload Upload) (*domain.Attachment, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

func newRef(ticketID string) (string, error) {
	if err := validSegment(ticketID); err != nil {
		return "", err
	}
	return ticketID + "/" + uuid.NewString(), nil
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return ErrInvalidRef
	}
	return nil
}

func validateRef(ref string) error {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || path.Clean(ref) != ref {
		return ErrInvalidRef
	}
	for _, part := range parts {
		if err := validSegment(part); err != nil {
			return err
		}
	}
	return nil
}

func normalize(upload Upload) (Upload, error) {
	upload.FileName = path.Base(strings.ReplaceAll(strings.TrimSpace(upload.FileName), `\`, "/"))
	if upload.FileName == "" || upload.FileName == "." || upload.FileName == "/" {
		return upload, ErrMissingFileName
	}
	if strings.TrimSpace(upload.ContentType) == "" {
		upload.ContentType = "application/octet-stream"
	}
	if upload.Content == nil {
		upload.Content = strings.NewReader("")
	}
	return upload, nil
}

// copyLimited copies src into dst, stopping on ctx cancellation or when more than
// maxBytes arrive. It returns the byte count and hex sha256 of what was written.
func copyLimited(ctx context.Context, dst io.Writer, src io.Reader, maxBytes int64) (int64, string, error) {
	hasher := sha256.New()
	reader := io.LimitReader(&ctxReader{ctx: ctx, r: src}, maxBytes+1)
	n, err := io.Copy(io.MultiWriter(dst, hasher), reader)
	if err != nil {
		return n, "", err
	}
	if n > maxBytes {
		return n, "", ErrTooLarge
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("upload interrupted: %w", err)
	}
	return c.r.Read(p)
}
