package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// WorkerPoolConfig holds configuration options for the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// This bounds simultaneous external downloader invocations and is the
	// system's admission control for bandwidth and disk.
	// If zero or negative, defaults to 2.
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{WorkerCount: 2}
}

// WorkerPool drives a fixed number of execution slots that continuously
// drain the queue. Each slot acquires the highest-priority eligible task,
// runs it through the Executor, and reports the outcome. A failing or
// panicking task never takes its slot down.
type WorkerPool struct {
	manager  *Manager
	executor *Executor

	workerCount int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// NewWorkerPool creates a worker pool over the given manager and executor.
func NewWorkerPool(manager *Manager, executor *Executor, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerPoolConfig().WorkerCount
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", workerCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		manager:     manager,
		executor:    executor,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "worker_count", p.workerCount)
}

// Stop cancels all workers and waits for in-flight tasks to finish
// reporting.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is one execution slot's loop.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		t, err := p.manager.AcquireNext(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrManagerClosed) {
				logger.Debug("stopping worker")
				return
			}
			logger.Error("failed to acquire next task", "error", err)
			// The failed task went back to the queue and is immediately
			// eligible again; pause briefly so a persistent store outage
			// does not spin this slot.
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		artifact, execErr := p.runTask(t)

		// Outcome reporting must survive Stop: the pool context is already
		// canceled during shutdown and would abandon the durable write.
		reportCtx := context.WithoutCancel(p.ctx)
		if execErr != nil {
			if p.ctx.Err() != nil && !IsPermanent(execErr) {
				// The attempt was cut short by shutdown, not by the task
				// itself. Leave the row in processing; startup recovery
				// re-queues it without burning retry budget on a phantom
				// failure.
				logger.Info("attempt interrupted by shutdown, leaving task for recovery",
					"task_id", t.ID)
				return
			}
			if err := p.manager.ReportFailure(reportCtx, t.ID, execErr); err != nil {
				logger.Error("failed to report task failure",
					"task_id", t.ID, "error", err)
			}
			continue
		}
		if err := p.manager.ReportSuccess(reportCtx, t.ID, artifact); err != nil {
			logger.Error("failed to report task success",
				"task_id", t.ID, "error", err)
		}
	}
}

// runTask executes one task with panic isolation. A panic inside the
// downloader becomes a permanent failure for that task only.
func (p *WorkerPool) runTask(t *DownloadTask) (artifact *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during task execution",
				"task_id", t.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			artifact = nil
			err = PermanentError(fmt.Errorf("panic during execution: %v", r))
		}
	}()
	return p.executor.Execute(p.ctx, t)
}
