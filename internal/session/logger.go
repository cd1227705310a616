package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store and logs write failures. Each operation warns
// once so a broken database does not flood the log.
type LoggingStore struct {
	Store
	logger *zap.Logger
	mu     sync.Mutex
	warned map[string]bool
}

func NewLoggingStore(store Store, logger *zap.Logger) *LoggingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingStore{
		Store:  store,
		logger: logger,
		warned: make(map[string]bool),
	}
}

func (s *LoggingStore) logOnce(op string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned[op] {
		return
	}
	s.warned[op] = true
	s.logger.Warn("conversation store operation failed", zap.String("op", op), zap.Error(err))
}

func (s *LoggingStore) CreateThread(ctx context.Context, t *Thread) error {
	err := s.Store.CreateThread(ctx, t)
	s.logOnce("CreateThread", err)
	return err
}

func (s *LoggingStore) DeleteThread(ctx context.Context, id string) error {
	err := s.Store.DeleteThread(ctx, id)
	s.logOnce("DeleteThread", err)
	return err
}

func (s *LoggingStore) AddMessage(ctx context.Context, threadID string, rec *Record) error {
	err := s.Store.AddMessage(ctx, threadID, rec)
	s.logOnce("AddMessage", err)
	return err
}
