package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrorKind classifies a download failure for the retry policy.
type ErrorKind int

const (
	// ErrorTransient marks failures worth retrying: network errors, source
	// rate limits, timeouts
	ErrorTransient ErrorKind = iota
	// ErrorPermanent marks failures that no retry can fix: invalid URL,
	// unsupported source, content removed
	ErrorPermanent
)

func (k ErrorKind) String() string {
	if k == ErrorPermanent {
		return "permanent"
	}
	return "transient"
}

// DownloadError is the structured failure returned by a Downloader.
type DownloadError struct {
	Kind ErrorKind
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed (%s): %v", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable download failure.
func TransientError(err error) *DownloadError {
	return &DownloadError{Kind: ErrorTransient, Err: err}
}

// PermanentError wraps err as a non-retryable download failure.
func PermanentError(err error) *DownloadError {
	return &DownloadError{Kind: ErrorPermanent, Err: err}
}

// IsPermanent reports whether err is classified as a permanent download
// failure. Unclassified errors count as transient so an unknown cause never
// silently burns a task's whole retry budget.
func IsPermanent(err error) bool {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind == ErrorPermanent
	}
	return false
}

// RetryPolicy controls how many attempts a task gets and how long a
// retryable failure keeps it out of dispatch. The delay grows exponentially
// with the attempt count and is applied as a per-task eligibility time, never
// as a worker-slot sleep.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget per task
	MaxRetries int
	// BaseDelay is the backoff after the first failed attempt
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  15 * time.Second,
		MaxDelay:   10 * time.Minute,
	}
}

// Delay returns the backoff before attempt retryCount+1, i.e. Delay(1) is the
// wait after the first failure. Doubles per attempt: base, 2*base, 4*base...
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay << uint(retryCount-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether a task that has failed retryCount times has used
// up its budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Executor runs one task to completion against the external downloader.
// It owns the per-attempt timeout and attempt logging; classification of the
// failure is the Downloader's job, and the retry decision is the Manager's.
type Executor struct {
	downloader Downloader
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExecutor creates an Executor. A zero timeout disables the per-attempt
// deadline.
func NewExecutor(downloader Downloader, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		downloader: downloader,
		timeout:    timeout,
		logger:     logger,
	}
}

// Execute performs one download attempt for the task. A context deadline
// expiry is reported as a transient failure so the attempt can be retried.
func (e *Executor) Execute(ctx context.Context, t *DownloadTask) (*Artifact, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	logger := e.logger.With(
		"task_id", t.ID,
		"url", t.Payload.URL,
		"format", t.Payload.Format,
		"attempt", t.RetryCount+1,
	)
	logger.Info("starting download attempt")

	start := time.Now()
	artifact, err := e.downloader.Download(ctx, t.Payload)
	elapsed := time.Since(start)
	observeDownloadDuration(elapsed, err == nil)

	if err != nil {
		if ctx.Err() != nil && !IsPermanent(err) {
			err = TransientError(fmt.Errorf("attempt timed out after %s: %w", elapsed.Round(time.Millisecond), err))
		}
		logger.Error("download attempt failed",
			"error", err,
			"permanent", IsPermanent(err),
			"elapsed", elapsed)
		return nil, err
	}

	logger.Info("download attempt succeeded",
		"path", artifact.Path,
		"size", artifact.Size,
		"elapsed", elapsed)
	return artifact, nil
}
