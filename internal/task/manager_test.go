package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records terminal outcomes for assertions.
type captureSink struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    map[uuid.UUID]string
}

func newCaptureSink() *captureSink {
	return &captureSink{failed: make(map[uuid.UUID]string)}
}

func (s *captureSink) OnCompleted(_ context.Context, t *DownloadTask, _ *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, t.ID)
}

func (s *captureSink) OnFailed(_ context.Context, t *DownloadTask, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[t.ID] = reason
}

func (s *captureSink) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *captureSink) failureReason(id uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.failed[id]
	return r, ok
}

func newTestManager(t *testing.T, store TaskStore, sink ResultSink, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(store, sink, cfg, testLogger())
	t.Cleanup(m.Close)
	return m
}

func fastConfig() ManagerConfig {
	return ManagerConfig{
		Retry:           RetryPolicy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		PollInterval:    10 * time.Millisecond,
		PersistAttempts: 1,
	}
}

func submitN(t *testing.T, m *Manager, owner int64, n int, priority Priority) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id, err := m.Submit(context.Background(), owner, DownloadRequest{
			URL:    "https://example.com/v/" + uuid.NewString(),
			Format: "mp4",
		}, priority)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestManager_SubmitPersistsAndQueues(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())

	id, err := m.Submit(context.Background(), 7, DownloadRequest{URL: "https://example.com/a", Format: "mp3"}, PriorityMedium)
	require.NoError(t, err)

	status, ok := store.StatusOf(id)
	require.True(t, ok, "the task must be durable before Submit returns")
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, 1, m.Len())

	pos, ok := m.PositionOf(id)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestManager_SubmitPersistFailureQueuesNothing(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	store.InsertFn = func(ctx context.Context, task *DownloadTask) error {
		return errors.New("connection refused")
	}
	m := newTestManager(t, store, nil, fastConfig())

	_, err := m.Submit(context.Background(), 7, DownloadRequest{URL: "https://example.com/a", Format: "mp3"}, PriorityLow)
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())

	// The failed submission must not leave a duplicate reservation behind.
	store.InsertFn = nil
	_, err = m.Submit(context.Background(), 7, DownloadRequest{URL: "https://example.com/a", Format: "mp3"}, PriorityLow)
	require.NoError(t, err)
}

func TestManager_SubmitRejectsDuplicates(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())

	req := DownloadRequest{URL: "https://example.com/a", Format: "mp3"}
	first, err := m.Submit(context.Background(), 7, req, PriorityLow)
	require.NoError(t, err)

	dup, err := m.Submit(context.Background(), 7, req, PriorityLow)
	require.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, first, dup, "the duplicate error carries the existing task's id")

	// Same URL from another owner, or another format, is not a duplicate.
	_, err = m.Submit(context.Background(), 8, req, PriorityLow)
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), 7, DownloadRequest{URL: req.URL, Format: "srt"}, PriorityLow)
	require.NoError(t, err)

	// Once the task completes, the same request may be submitted again.
	acq, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	for acq.ID != first {
		require.NoError(t, m.ReportSuccess(context.Background(), acq.ID, &Artifact{}))
		acq, err = m.AcquireNext(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, m.ReportSuccess(context.Background(), first, &Artifact{}))
	_, err = m.Submit(context.Background(), 7, req, PriorityLow)
	require.NoError(t, err)
}

func TestManager_AcquireNextMarksProcessing(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)
	assert.Equal(t, StatusProcessing, got.Status)

	status, _ := store.StatusOf(ids[0])
	assert.Equal(t, StatusProcessing, status, "the transition is durable before the task is handed out")
	assert.Equal(t, 0, m.Len())
}

func TestManager_AcquireNextRespectsContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, NewMockTaskStore(), nil, fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.AcquireNext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_AcquireNextPersistFailureRequeues(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	updateErr := errors.New("write failed")
	store.UpdateFn = func(ctx context.Context, id uuid.UUID, status Status, retryCount int, errorMsg string, updatedAt time.Time) error {
		return updateErr
	}

	_, err := m.AcquireNext(context.Background())
	require.ErrorIs(t, err, updateErr)
	assert.Equal(t, 1, m.Len(), "the task goes back to the queue when the transition cannot be persisted")

	store.UpdateFn = nil
	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)
}

func TestManager_NoDoubleDispatch(t *testing.T) {
	t.Parallel()

	const taskCount = 20
	const workers = 6

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())
	submitN(t, m, 1, taskCount, PriorityMedium)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := m.AcquireNext(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				done := len(seen) == taskCount
				mu.Unlock()
				_ = m.ReportSuccess(ctx, task.ID, &Artifact{})
				if done {
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, taskCount, "every task is dispatched exactly once")
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s dispatched %d times", id, n)
	}
}

func TestManager_ReportSuccess(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	sink := newCaptureSink()
	m := newTestManager(t, store, sink, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	_, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ReportSuccess(context.Background(), ids[0], &Artifact{Path: "/tmp/a.mp4"}))

	status, _ := store.StatusOf(ids[0])
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, sink.completedCount())

	snap, err := m.SnapshotFor(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Empty(t, snap.Error)

	// Completing twice is an error: the task already left processing.
	require.Error(t, m.ReportSuccess(context.Background(), ids[0], &Artifact{}))
}

func TestManager_TransientFailureRequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	base := time.Now().UTC()
	m.nowFn = func() time.Time { return base }

	_, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ReportFailure(context.Background(), ids[0], TransientError(errors.New("connection reset"))))

	snap, err := m.SnapshotFor(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)

	row, _ := store.Row(ids[0])
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Contains(t, row.ErrorMessage, "connection reset")

	// Still inside the backoff window: not dispatchable yet.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	_, err = m.AcquireNext(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Past the window the task comes back.
	m.nowFn = func() time.Time { return base.Add(time.Second) }
	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)
}

func TestManager_RetryBudgetExhaustion(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	sink := newCaptureSink()
	cfg := fastConfig()
	cfg.Retry.MaxRetries = 3
	m := newTestManager(t, store, sink, cfg)
	ids := submitN(t, m, 1, 1, PriorityHigh)

	base := time.Now().UTC()
	offset := time.Duration(0)
	m.nowFn = func() time.Time { return base.Add(offset) }

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := m.AcquireNext(context.Background())
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, ids[0], got.ID)
		require.NoError(t, m.ReportFailure(context.Background(), ids[0], TransientError(errors.New("flaky"))))
		offset += time.Minute
	}

	snap, err := m.SnapshotFor(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 3, snap.RetryCount)

	_, ok := sink.failureReason(ids[0])
	assert.True(t, ok, "terminal failure notifies the sink exactly once")

	// No fourth attempt.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireNext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_PermanentFailureShortCircuits(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	sink := newCaptureSink()
	m := newTestManager(t, store, sink, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	_, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ReportFailure(context.Background(), ids[0], PermanentError(errors.New("video unavailable"))))

	snap, err := m.SnapshotFor(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.RetryCount, "a permanent failure still records the attempt but burns no further budget")

	reason, ok := sink.failureReason(ids[0])
	require.True(t, ok)
	assert.Contains(t, reason, "video unavailable")
}

func TestManager_FailureThenSuccessKeepsRetryCount(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	sink := newCaptureSink()
	m := newTestManager(t, store, sink, fastConfig())
	ids := submitN(t, m, 1, 1, PriorityHigh)

	base := time.Now().UTC()
	offset := time.Duration(0)
	m.nowFn = func() time.Time { return base.Add(offset) }

	for i := 0; i < 2; i++ {
		_, err := m.AcquireNext(context.Background())
		require.NoError(t, err)
		require.NoError(t, m.ReportFailure(context.Background(), ids[0], TransientError(errors.New("timeout"))))
		offset += time.Minute
	}

	_, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ReportSuccess(context.Background(), ids[0], &Artifact{Path: "/tmp/a.mp4"}))

	snap, err := m.SnapshotFor(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.RetryCount)
	assert.Empty(t, snap.Error, "a success clears the last attempt's error message")
	assert.Equal(t, 1, sink.completedCount())
}

func TestManager_RetriedTaskKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())

	base := time.Now().UTC()
	offset := time.Duration(0)
	m.nowFn = func() time.Time { return base.Add(offset) }

	ids := submitN(t, m, 1, 3, PriorityMedium)

	// Fail the first task once; after its backoff expires it must still come
	// out ahead of the later arrivals in its tier.
	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, ids[0], got.ID)
	require.NoError(t, m.ReportFailure(context.Background(), ids[0], TransientError(errors.New("flaky"))))

	offset = time.Minute
	got, err = m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID, "a retried task resumes its original place in the tier")
}

func TestManager_ListForOwner(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())
	mine := submitN(t, m, 1, 3, PriorityLow)
	submitN(t, m, 2, 2, PriorityHigh)

	list := m.ListForOwner(1)
	require.Len(t, list, 3)
	for i, snap := range list {
		assert.Equal(t, mine[i], snap.ID, "oldest first")
		assert.Equal(t, int64(1), snap.Owner)
	}
	assert.Empty(t, m.ListForOwner(99))
}

func TestManager_Recover(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	base := time.Now().UTC()

	// Seed the store the way a previous process would have left it: one
	// completed row, one pending, one interrupted mid-processing.
	doneTask := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/done", Format: "mp4"}, PriorityHigh)
	doneTask.Status = StatusCompleted
	doneTask.CreatedAt = base
	pendingTask := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/pending", Format: "mp4"}, PriorityLow)
	pendingTask.CreatedAt = base.Add(time.Second)
	interrupted := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/interrupted", Format: "mp4"}, PriorityLow)
	interrupted.Status = StatusProcessing
	interrupted.CreatedAt = base.Add(2 * time.Second)
	for _, task := range []*DownloadTask{doneTask, pendingTask, interrupted} {
		require.NoError(t, store.InsertTask(context.Background(), task))
	}

	m := newTestManager(t, store, nil, fastConfig())
	require.NoError(t, m.Recover(context.Background()))

	assert.Equal(t, 2, m.Len(), "completed rows are not reloaded")

	status, _ := store.StatusOf(interrupted.ID)
	assert.Equal(t, StatusPending, status, "interrupted tasks are reset durably")

	// created_at ordering survives the restart.
	first, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pendingTask.ID, first.ID)
	second, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interrupted.ID, second.ID)

	// Duplicate suppression is rebuilt from the recovered rows.
	_, err = m.Submit(context.Background(), 1, DownloadRequest{URL: "https://example.com/pending", Format: "mp4"}, PriorityLow)
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestManager_RecoverReproducesOrderAcrossRestarts(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()

	first := newTestManager(t, store, nil, fastConfig())
	base := time.Now().UTC()
	offset := time.Duration(0)
	first.nowFn = func() time.Time { offset += time.Second; return base.Add(offset) }

	low := submitN(t, first, 1, 2, PriorityLow)
	high := submitN(t, first, 2, 1, PriorityHigh)

	// One task is mid-flight when the process dies.
	_, err := first.AcquireNext(context.Background())
	require.NoError(t, err)
	first.Close()

	second := newTestManager(t, store, nil, fastConfig())
	require.NoError(t, second.Recover(context.Background()))
	require.Equal(t, 3, second.Len())

	// Extraction order after the restart matches the original submission
	// order: the high tier first, then the low tier by arrival.
	var got []uuid.UUID
	for i := 0; i < 3; i++ {
		task, err := second.AcquireNext(context.Background())
		require.NoError(t, err)
		got = append(got, task.ID)
	}
	assert.Equal(t, []uuid.UUID{high[0], low[0], low[1]}, got)
}

func TestManager_SnapshotForTerminalTaskAfterRestart(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()

	// A task that finished in a previous process lifetime exists only as a
	// durable row; Recover does not reload terminal states.
	done := NewDownloadTask(7, DownloadRequest{URL: "https://example.com/done", Format: "mp4"}, PriorityHigh)
	done.Status = StatusCompleted
	done.RetryCount = 1
	require.NoError(t, store.InsertTask(context.Background(), done))

	m := newTestManager(t, store, nil, fastConfig())
	require.NoError(t, m.Recover(context.Background()))
	require.Equal(t, 0, m.Len())

	snap, err := m.SnapshotFor(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, int64(7), snap.Owner)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, 0, snap.Position)

	_, err = m.SnapshotFor(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_SweepExpired(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	sink := newCaptureSink()
	m := newTestManager(t, store, sink, fastConfig())

	base := time.Now().UTC()
	m.nowFn = func() time.Time { return base }
	stale := submitN(t, m, 1, 1, PriorityLow)

	m.nowFn = func() time.Time { return base.Add(48 * time.Hour) }
	fresh := submitN(t, m, 2, 1, PriorityLow)

	n := m.SweepExpired(context.Background(), 24*time.Hour)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Len())

	status, _ := store.StatusOf(stale[0])
	assert.Equal(t, StatusFailed, status)
	_, ok := sink.failureReason(stale[0])
	assert.True(t, ok)

	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh[0], got.ID)
}

func TestManager_ResetStuck(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	m := newTestManager(t, store, nil, fastConfig())

	base := time.Now().UTC()
	m.nowFn = func() time.Time { return base }
	ids := submitN(t, m, 1, 1, PriorityLow)

	_, err := m.AcquireNext(context.Background())
	require.NoError(t, err)

	// Not stuck yet.
	assert.Equal(t, 0, m.ResetStuck(context.Background(), 30*time.Minute))

	m.nowFn = func() time.Time { return base.Add(time.Hour) }
	assert.Equal(t, 1, m.ResetStuck(context.Background(), 30*time.Minute))

	status, _ := store.StatusOf(ids[0])
	assert.Equal(t, StatusPending, status)

	got, err := m.AcquireNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMockTaskStore(), nil, fastConfig(), testLogger())

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.AcquireNext(context.Background())
		waiterErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	m.Close() // idempotent

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, ErrManagerClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked AcquireNext did not return after Close")
	}

	_, err := m.Submit(context.Background(), 1, DownloadRequest{URL: "https://example.com/a", Format: "mp4"}, PriorityLow)
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_SnapshotForUnknownTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, NewMockTaskStore(), nil, fastConfig())
	_, err := m.SnapshotFor(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, m.ReportFailure(context.Background(), uuid.New(), errors.New("x")), ErrTaskNotFound)
	require.ErrorIs(t, m.ReportSuccess(context.Background(), uuid.New(), &Artifact{}), ErrTaskNotFound)
}
