package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/spec-kit/clinic-support/internal/domain"
)

// MemoryStore keeps attachments in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	maxBytes int64
}

// NewMemoryStore builds an in-memory store. maxBytes <= 0 selects DefaultMaxBytes.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &MemoryStore{objects: make(map[string][]byte), maxBytes: maxBytes}
}

func (s *MemoryStore) Put(ctx context.Context, ticketID string, upload Upload) (*domain.Attachment, error) {
	upload, err := normalize(upload)
	if err != nil {
		return nil, err
	}
	ref, err := newRef(ticketID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	size, sum, err := copyLimited(ctx, &buf, upload.Content, s.maxBytes)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.objects[ref] = buf.Bytes()
	s.mu.Unlock()

	return &domain.Attachment{
		Ref:         ref,
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		SizeBytes:   size,
		SHA256:      sum,
	}, nil
}

func (s *MemoryStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[ref]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, ref)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
