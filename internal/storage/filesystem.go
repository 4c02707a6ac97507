package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// FilesystemStore writes attachments below a root directory, one directory per ticket.
type FilesystemStore struct {
	root     string
	maxBytes int64
}

// NewFilesystemStore creates root if needed.
func NewFilesystemStore(root string, maxBytes int64) (*FilesystemStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment root: %w", err)
	}
	return &FilesystemStore{root: root, maxBytes: maxBytes}, nil
}

// Put streams the upload into a temp file and renames it into place after fsync.
// Nothing is visible under the returned ref until Put succeeds.
func (s *FilesystemStore) Put(ctx context.Context, ticketID string, upload Upload) (_ *domain.Attachment, err error) {
	upload, err = normalize(upload)
	if err != nil {
		return nil, err
	}
	ref, err := newRef(ticketID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, ticketID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ticket dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	size, sum, err := copyLimited(ctx, tmp, upload.Content, s.maxBytes)
	if err != nil {
		return nil, err
	}
	if err = tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync attachment: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("close attachment: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if err = os.Rename(tmp.Name(), s.path(ref)); err != nil {
		return nil, fmt.Errorf("commit attachment: %w", err)
	}

	return &domain.Attachment{
		Ref:         ref,
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		SizeBytes:   size,
		SHA256:      sum,
	}, nil
}

func (s *FilesystemStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (s *FilesystemStore) Delete(_ context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	err := os.Remove(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

func (s *FilesystemStore) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}
