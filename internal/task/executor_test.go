package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDownloader scripts Download results for tests.
type fakeDownloader struct {
	fn func(ctx context.Context, req DownloadRequest) (*Artifact, error)
}

func (d *fakeDownloader) Download(ctx context.Context, req DownloadRequest) (*Artifact, error) {
	return d.fn(ctx, req)
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 5, BaseDelay: 15 * time.Second, MaxDelay: 10 * time.Minute}

	assert.Equal(t, 15*time.Second, p.Delay(1))
	assert.Equal(t, 30*time.Second, p.Delay(2))
	assert.Equal(t, 60*time.Second, p.Delay(3))
	assert.Equal(t, 15*time.Second, p.Delay(0), "count below one clamps to the first delay")
	assert.Equal(t, 10*time.Minute, p.Delay(30), "growth is capped at MaxDelay")
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPermanent(PermanentError(errors.New("gone"))))
	assert.False(t, IsPermanent(TransientError(errors.New("flaky"))))
	assert.False(t, IsPermanent(errors.New("unclassified")), "unclassified errors keep their retries")

	wrapped := errors.Join(errors.New("outer"), PermanentError(errors.New("inner")))
	assert.True(t, IsPermanent(wrapped))
}

func TestExecutor_Success(t *testing.T) {
	t.Parallel()

	want := &Artifact{Path: "/tmp/out.mp4", Size: 42}
	exec := NewExecutor(&fakeDownloader{
		fn: func(ctx context.Context, req DownloadRequest) (*Artifact, error) {
			return want, nil
		},
	}, time.Minute, testLogger())

	task := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/v", Format: "mp4"}, PriorityLow)
	got, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExecutor_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(&fakeDownloader{
		fn: func(ctx context.Context, req DownloadRequest) (*Artifact, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, 10*time.Millisecond, testLogger())

	task := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/v", Format: "mp4"}, PriorityLow)
	_, err := exec.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "a deadline expiry must stay retryable")

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrorTransient, de.Kind)
}

func TestExecutor_PermanentSurvivesTimeout(t *testing.T) {
	t.Parallel()

	// If the downloader already classified the failure as permanent, a
	// simultaneous context expiry must not downgrade it.
	exec := NewExecutor(&fakeDownloader{
		fn: func(ctx context.Context, req DownloadRequest) (*Artifact, error) {
			<-ctx.Done()
			return nil, PermanentError(errors.New("video unavailable"))
		},
	}, 10*time.Millisecond, testLogger())

	task := NewDownloadTask(1, DownloadRequest{URL: "https://example.com/v", Format: "mp4"}, PriorityLow)
	_, err := exec.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
