package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockTaskStore is an in-memory TaskStore for tests. Behavior can be
// overridden per call via the Fn fields.
type MockTaskStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*DownloadTask

	// Optional overrides
	InsertFn func(ctx context.Context, t *DownloadTask) error
	UpdateFn func(ctx context.Context, id uuid.UUID, status Status, retryCount int, errorMsg string, updatedAt time.Time) error
	GetFn    func(ctx context.Context, id uuid.UUID) (*DownloadTask, error)
	LoadFn   func(ctx context.Context) ([]*DownloadTask, error)
}

// NewMockTaskStore creates an empty in-memory store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{rows: make(map[uuid.UUID]*DownloadTask)}
}

// InsertTask stores a copy of the task.
func (s *MockTaskStore) InsertTask(ctx context.Context, t *DownloadTask) error {
	if s.InsertFn != nil {
		return s.InsertFn(ctx, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.rows[t.ID] = &cp
	return nil
}

// UpdateTask applies a status transition to the stored row. Unknown IDs are
// a no-op, matching the Postgres implementation.
func (s *MockTaskStore) UpdateTask(ctx context.Context, id uuid.UUID, status Status, retryCount int, errorMsg string, updatedAt time.Time) error {
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, id, status, retryCount, errorMsg, updatedAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = status
		row.RetryCount = retryCount
		row.ErrorMessage = errorMsg
		row.UpdatedAt = updatedAt
	}
	return nil
}

// GetTask returns a copy of the stored row, or ErrTaskNotFound.
func (s *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*DownloadTask, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *row
	return &cp, nil
}

// LoadUnfinished returns copies of pending and processing rows ordered by
// creation time.
func (s *MockTaskStore) LoadUnfinished(ctx context.Context) ([]*DownloadTask, error) {
	if s.LoadFn != nil {
		return s.LoadFn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DownloadTask
	for _, row := range s.rows {
		if row.Status == StatusPending || row.Status == StatusProcessing {
			cp := *row
			out = append(out, &cp)
		}
	}
	// Insertion order is irrelevant here; the Manager sorts by CreatedAt.
	return out, nil
}

// StatusOf reports the stored status for assertions.
func (s *MockTaskStore) StatusOf(id uuid.UUID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return "", false
	}
	return row.Status, true
}

// Row returns a copy of the stored row for assertions.
func (s *MockTaskStore) Row(id uuid.UUID) (DownloadTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return DownloadTask{}, false
	}
	return *row, true
}
