package session

import (
	"context"
	"fmt"
)

// NoopStore is used when persistence is disabled. Writes are discarded and
// reads find nothing.
type NoopStore struct{}

func (s *NoopStore) CreateThread(ctx context.Context, t *Thread) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return nil
}

func (s *NoopStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
}

func (s *NoopStore) ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error) {
	return nil, nil
}

func (s *NoopStore) DeleteThread(ctx context.Context, id string) error {
	return nil
}

func (s *NoopStore) AddMessage(ctx context.Context, threadID string, rec *Record) error {
	return nil
}

func (s *NoopStore) GetMessages(ctx context.Context, threadID string) ([]Record, error) {
	return nil, nil
}

func (s *NoopStore) Close() error {
	return nil
}
