package main

import (
	"context"
	"log/slog"

	"github.com/grabwire/grab-api/internal/task"
)

// logResultSink is the default task.ResultSink: it records terminal outcomes
// in the log. The messaging-client integration replaces it in deployments
// that deliver files back to users.
type logResultSink struct {
	logger *slog.Logger
}

func newLogResultSink(logger *slog.Logger) *logResultSink {
	return &logResultSink{logger: logger}
}

func (s *logResultSink) OnCompleted(ctx context.Context, t *task.DownloadTask, artifact *task.Artifact) {
	s.logger.Info("download completed",
		"task_id", t.ID,
		"owner", t.Owner,
		"url", t.Payload.URL,
		"path", artifact.Path,
		"size", artifact.Size)
}

func (s *logResultSink) OnFailed(ctx context.Context, t *task.DownloadTask, reason string) {
	s.logger.Warn("download failed",
		"task_id", t.ID,
		"owner", t.Owner,
		"url", t.Payload.URL,
		"retry_count", t.RetryCount,
		"reason", reason)
}
