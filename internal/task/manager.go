package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the Manager.
var (
	// ErrDuplicateTask means an identical request (same owner, URL and
	// format) is already queued or being processed
	ErrDuplicateTask = errors.New("an identical download is already queued")

	// ErrManagerClosed is returned once the manager has been shut down
	ErrManagerClosed = errors.New("queue manager is closed")

	// ErrTaskNotFound means no task with the given ID is known
	ErrTaskNotFound = errors.New("task not found")
)

// ManagerConfig holds tunables for the queue manager.
type ManagerConfig struct {
	// Retry is the retry/backoff policy applied to failed attempts
	Retry RetryPolicy

	// PollInterval bounds how long an idle AcquireNext call sleeps before
	// re-checking eligibility. Backoff windows expire without a submit
	// signal, so waiters need a periodic wake-up.
	PollInterval time.Duration

	// PersistAttempts is how many times a status-update write is tried
	// before giving up. Status writes are idempotent, so retrying is safe.
	PersistAttempts int
}

// DefaultManagerConfig returns a ManagerConfig with reasonable defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Retry:           DefaultRetryPolicy(),
		PollInterval:    time.Second,
		PersistAttempts: 3,
	}
}

// activeKey identifies a request for duplicate suppression: one owner may
// not queue the same URL in the same format twice while the first is alive.
type activeKey struct {
	owner  int64
	url    string
	format string
}

// Manager owns the priority queue and the id index. It is the only component
// that mutates either; producers (API handlers) and consumers (worker pool)
// go through its methods. One mutex guards all in-memory state; persistence
// writes happen outside the critical section from captured values.
type Manager struct {
	mu     sync.Mutex
	queue  *pendingQueue
	tasks  map[uuid.UUID]*DownloadTask
	active map[activeKey]uuid.UUID
	seq    uint64
	closed bool

	done chan struct{}
	wake chan struct{}

	store  TaskStore
	sink   ResultSink
	cfg    ManagerConfig
	logger *slog.Logger

	closeOnce sync.Once
	nowFn     func() time.Time
}

// NewManager creates a Manager. The sink may be nil, in which case terminal
// outcomes are only logged.
func NewManager(store TaskStore, sink ResultSink, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Manager{
		queue:  newPendingQueue(),
		tasks:  make(map[uuid.UUID]*DownloadTask),
		active: make(map[activeKey]uuid.UUID),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a task for the request, persists it, and queues it.
// The task is durable before Submit returns; if the persistence write fails,
// nothing is queued and the caller may retry the whole submission.
func (m *Manager) Submit(ctx context.Context, owner int64, req DownloadRequest, priority Priority) (uuid.UUID, error) {
	t := NewDownloadTask(owner, req, priority)
	now := m.nowFn()
	t.CreatedAt = now
	t.UpdatedAt = now
	key := activeKey{owner: owner, url: req.URL, format: req.Format}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, ErrManagerClosed
	}
	if existing, ok := m.active[key]; ok {
		m.mu.Unlock()
		return existing, ErrDuplicateTask
	}
	// Reserve the key before the persistence write so a concurrent
	// identical submit cannot slip in between.
	m.active[key] = t.ID
	m.mu.Unlock()

	if err := m.store.InsertTask(ctx, t); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("failed to persist task: %w", err)
	}

	m.mu.Lock()
	m.seq++
	t.seq = m.seq
	m.tasks[t.ID] = t
	m.queue.insert(t)
	updateQueueDepth(m.queue)
	position := m.queue.position(t)
	m.mu.Unlock()

	m.signal()
	m.logger.Info("task queued",
		"task_id", t.ID,
		"owner", owner,
		"url", req.URL,
		"format", req.Format,
		"priority", priority.String(),
		"position", position)
	return t.ID, nil
}

// AcquireNext blocks until an eligible pending task exists, atomically
// transitions it to processing, persists the transition, and returns it.
// Linearizable with respect to concurrent callers: no task is ever returned
// twice. Returns ctx.Err() when the context ends and ErrManagerClosed after
// shutdown.
func (m *Manager) AcquireNext(ctx context.Context) (*DownloadTask, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		now := m.nowFn()
		t := m.queue.extractEligible(now)
		var nextWake time.Time
		if t != nil {
			t.Status = StatusProcessing
			t.UpdatedAt = now
			updateQueueDepth(m.queue)
		} else {
			nextWake = m.queue.nextWake(now)
		}
		m.mu.Unlock()

		if t != nil {
			if err := m.persistStatus(ctx, t.ID, StatusProcessing, t.RetryCount, t.ErrorMessage, now); err != nil {
				// Put the task back untouched; its sequence number keeps
				// its place in the tier.
				m.mu.Lock()
				t.Status = StatusPending
				m.queue.insert(t)
				updateQueueDepth(m.queue)
				m.mu.Unlock()
				m.signal()
				return nil, fmt.Errorf("failed to persist processing transition: %w", err)
			}
			return t, nil
		}

		wait := m.cfg.PollInterval
		if !nextWake.IsZero() {
			if until := nextWake.Sub(now); until > 0 && until < wait {
				wait = until
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.done:
			timer.Stop()
			return nil, ErrManagerClosed
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ReportSuccess marks the task completed, persists the transition, and
// notifies the result sink.
func (m *Manager) ReportSuccess(ctx context.Context, id uuid.UUID, artifact *Artifact) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusProcessing {
		m.mu.Unlock()
		return fmt.Errorf("cannot complete task %s in status %q", id, t.Status)
	}
	now := m.nowFn()
	t.Status = StatusCompleted
	t.ErrorMessage = ""
	t.UpdatedAt = now
	retryCount := t.RetryCount
	delete(m.active, activeKey{owner: t.Owner, url: t.Payload.URL, format: t.Payload.Format})
	m.mu.Unlock()

	if err := m.persistStatus(ctx, id, StatusCompleted, retryCount, "", now); err != nil {
		m.logger.Error("failed to persist completed status",
			"task_id", id, "error", err)
	}
	tasksCompleted.Inc()
	if m.sink != nil {
		m.sink.OnCompleted(ctx, t, artifact)
	}
	return nil
}

// ReportFailure records a failed attempt. Retryable failures with budget
// remaining put the task back in its tier with a backoff eligibility time and
// its original arrival order intact, so a retry never jumps ahead of tasks
// that arrived later. Permanent failures and exhausted budgets make the task
// terminally failed and notify the sink.
//
// A pending task may also be failed this way, which is how cancellation is
// expressed: a permanent "cancelled" cause removes it from future dispatch.
func (m *Manager) ReportFailure(ctx context.Context, id uuid.UUID, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	switch t.Status {
	case StatusProcessing:
	case StatusPending:
		m.queue.remove(t.ID)
	default:
		m.mu.Unlock()
		return fmt.Errorf("cannot fail task %s in status %q", id, t.Status)
	}

	now := m.nowFn()
	t.RetryCount++
	t.ErrorMessage = cause.Error()
	t.UpdatedAt = now

	permanent := IsPermanent(cause)
	exhausted := m.cfg.Retry.Exhausted(t.RetryCount)
	terminal := permanent || exhausted
	if terminal {
		t.Status = StatusFailed
		t.NotBefore = time.Time{}
		delete(m.active, activeKey{owner: t.Owner, url: t.Payload.URL, format: t.Payload.Format})
	} else {
		t.Status = StatusPending
		t.NotBefore = now.Add(m.cfg.Retry.Delay(t.RetryCount))
		m.queue.insert(t)
	}
	updateQueueDepth(m.queue)
	status := t.Status
	retryCount := t.RetryCount
	errMsg := t.ErrorMessage
	m.mu.Unlock()

	if err := m.persistStatus(ctx, id, status, retryCount, errMsg, now); err != nil {
		m.logger.Error("failed to persist failure status",
			"task_id", id, "status", status, "error", err)
	}

	if terminal {
		reason := failReasonExhausted
		if permanent {
			reason = failReasonPermanent
		}
		tasksFailed.WithLabelValues(reason).Inc()
		m.logger.Warn("task failed terminally",
			"task_id", id,
			"retry_count", retryCount,
			"permanent", permanent,
			"error", errMsg)
		if m.sink != nil {
			m.sink.OnFailed(ctx, t, errMsg)
		}
	} else {
		tasksRetried.Inc()
		m.logger.Info("task re-queued after transient failure",
			"task_id", id,
			"retry_count", retryCount,
			"next_attempt_after", t.NotBefore,
			"error", errMsg)
		m.signal()
	}
	return nil
}

// PositionOf returns the 1-based queue position of a pending task, or false
// if the task is unknown or not pending.
func (m *Manager) PositionOf(id uuid.UUID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != StatusPending {
		return 0, false
	}
	pos := m.queue.position(t)
	return pos, pos > 0
}

// SnapshotFor returns the status view of a single task. Tasks that reached a
// terminal state before the last restart live only in the store, so unknown
// IDs fall back to a durable lookup.
func (m *Manager) SnapshotFor(ctx context.Context, id uuid.UUID) (TaskSnapshot, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		defer m.mu.Unlock()
		return m.snapshotLocked(t), nil
	}
	m.mu.Unlock()

	stored, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return TaskSnapshot{}, ErrTaskNotFound
		}
		return TaskSnapshot{}, fmt.Errorf("failed to look up task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(stored), nil
}

// ListForOwner returns snapshots of every known task belonging to the owner,
// oldest first.
func (m *Manager) ListForOwner(owner int64) []TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskSnapshot
	for _, t := range m.tasks {
		if t.Owner == owner {
			out = append(out, m.snapshotLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of pending tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// snapshotLocked builds a TaskSnapshot. Caller holds m.mu.
func (m *Manager) snapshotLocked(t *DownloadTask) TaskSnapshot {
	s := TaskSnapshot{
		ID:         t.ID,
		Owner:      t.Owner,
		URL:        t.Payload.URL,
		Format:     t.Payload.Format,
		Priority:   t.Priority.String(),
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Error:      t.ErrorMessage,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.Status == StatusPending {
		s.Position = m.queue.position(t)
	}
	return s
}

// Recover is the one-shot startup step that reloads durable queue state.
// Tasks found in processing are reset to pending, since no worker can be
// mid-flight across a restart. Re-insertion preserves the original
// created_at ordering, so a restart never reorders the queue as users see it.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.store.LoadUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unfinished tasks: %w", err)
	}

	// LoadUnfinished orders by created_at; sort again defensively since
	// sequence numbers are handed out in slice order.
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	now := m.nowFn()
	var pending, reset int
	for _, t := range rows {
		if t.Status == StatusProcessing {
			t.Status = StatusPending
			t.UpdatedAt = now
			if err := m.persistStatus(ctx, t.ID, StatusPending, t.RetryCount, t.ErrorMessage, now); err != nil {
				m.logger.Error("failed to reset interrupted task, skipping",
					"task_id", t.ID, "error", err)
				continue
			}
			reset++
		} else {
			pending++
		}

		m.mu.Lock()
		m.seq++
		t.seq = m.seq
		m.tasks[t.ID] = t
		m.active[activeKey{owner: t.Owner, url: t.Payload.URL, format: t.Payload.Format}] = t.ID
		m.queue.insert(t)
		updateQueueDepth(m.queue)
		m.mu.Unlock()
	}

	m.signal()
	m.logger.Info("recovered unfinished tasks",
		"pending", pending,
		"reset_from_processing", reset)
	return nil
}

// SweepExpired fails every pending task older than maxAge. Returns the number
// of tasks removed.
func (m *Manager) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	now := m.nowFn()

	m.mu.Lock()
	expired := m.queue.removeOlderThan(now.Add(-maxAge))
	for _, t := range expired {
		t.Status = StatusFailed
		t.ErrorMessage = "expired before a worker became available"
		t.UpdatedAt = now
		delete(m.active, activeKey{owner: t.Owner, url: t.Payload.URL, format: t.Payload.Format})
	}
	if len(expired) > 0 {
		updateQueueDepth(m.queue)
	}
	m.mu.Unlock()

	for _, t := range expired {
		if err := m.persistStatus(ctx, t.ID, StatusFailed, t.RetryCount, t.ErrorMessage, now); err != nil {
			m.logger.Error("failed to persist expired task",
				"task_id", t.ID, "error", err)
		}
		tasksFailed.WithLabelValues(failReasonExpired).Inc()
		if m.sink != nil {
			m.sink.OnFailed(ctx, t, t.ErrorMessage)
		}
	}
	if len(expired) > 0 {
		m.logger.Info("expired stale pending tasks", "count", len(expired))
	}
	return len(expired)
}

// ResetStuck re-queues tasks that have sat in processing longer than
// olderThan. olderThan must comfortably exceed the per-attempt download
// timeout, otherwise a healthy long download gets double-dispatched.
func (m *Manager) ResetStuck(ctx context.Context, olderThan time.Duration) int {
	now := m.nowFn()
	cutoff := now.Add(-olderThan)

	m.mu.Lock()
	var stuck []*DownloadTask
	for _, t := range m.tasks {
		if t.Status == StatusProcessing && t.UpdatedAt.Before(cutoff) {
			t.Status = StatusPending
			t.NotBefore = time.Time{}
			t.UpdatedAt = now
			m.queue.insert(t)
			stuck = append(stuck, t)
		}
	}
	if len(stuck) > 0 {
		updateQueueDepth(m.queue)
	}
	m.mu.Unlock()

	for _, t := range stuck {
		if err := m.persistStatus(ctx, t.ID, StatusPending, t.RetryCount, t.ErrorMessage, now); err != nil {
			m.logger.Error("failed to persist stuck-task reset",
				"task_id", t.ID, "error", err)
		}
		m.logger.Warn("reset stuck task back to pending", "task_id", t.ID)
	}
	if len(stuck) > 0 {
		m.signal()
	}
	return len(stuck)
}

// Close shuts the manager down. Blocked AcquireNext calls return
// ErrManagerClosed; subsequent submissions are rejected.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
}

// signal wakes one idle worker. The channel is buffered with capacity one,
// so signalling never blocks and a pending wake-up is never lost.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// persistStatus writes a status transition with bounded retries. Status
// writes are idempotent per task, so at-least-once delivery is safe.
func (m *Manager) persistStatus(ctx context.Context, id uuid.UUID, status Status, retryCount int, errMsg string, updatedAt time.Time) error {
	var err error
	for attempt := 1; attempt <= m.cfg.PersistAttempts; attempt++ {
		err = m.store.UpdateTask(ctx, id, status, retryCount, errMsg, updatedAt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return err
}
