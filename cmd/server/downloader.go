package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grabwire/grab-api/internal/config"
	"github.com/grabwire/grab-api/internal/task"
)

// ytdlpDownloader implements task.Downloader by shelling out to yt-dlp.
// One invocation per attempt; concurrency is bounded by the worker pool.
type ytdlpDownloader struct {
	bin    string
	outDir string
	logger *slog.Logger
}

func newYtdlpDownloader(cfg config.DownloaderConfig, logger *slog.Logger) *ytdlpDownloader {
	return &ytdlpDownloader{
		bin:    cfg.BinPath,
		outDir: cfg.OutputDir,
		logger: logger,
	}
}

// Download runs the extractor and returns the resulting file. Failures are
// classified from the extractor's stderr into transient or permanent causes.
func (d *ytdlpDownloader) Download(ctx context.Context, req task.DownloadRequest) (*task.Artifact, error) {
	if err := os.MkdirAll(d.outDir, 0o755); err != nil {
		return nil, task.TransientError(fmt.Errorf("failed to create output directory: %w", err))
	}

	args := d.buildArgs(req)
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classifyExtractorError(stderr.String(), err)
	}

	// --print after_move:filepath emits the final path as the last stdout line.
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	path := strings.TrimSpace(lines[len(lines)-1])
	if path == "" {
		return nil, task.TransientError(fmt.Errorf("extractor reported no output file"))
	}

	if req.Format == "txt" {
		var err error
		path, err = convertSubtitleToText(path)
		if err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, task.TransientError(fmt.Errorf("output file missing after extraction: %w", err))
	}

	return &task.Artifact{
		Path: path,
		Size: info.Size(),
	}, nil
}

// convertSubtitleToText rewrites a downloaded .srt file as plain text next to
// it and removes the original. Returns the path of the text file.
func convertSubtitleToText(srtPath string) (string, error) {
	raw, err := os.ReadFile(srtPath)
	if err != nil {
		return "", task.TransientError(fmt.Errorf("failed to read subtitle file: %w", err))
	}

	text := srtToText(string(raw))
	if text == "" {
		return "", task.PermanentError(fmt.Errorf("subtitle file %s contains no text", filepath.Base(srtPath)))
	}

	txtPath := strings.TrimSuffix(srtPath, filepath.Ext(srtPath)) + ".txt"
	if err := os.WriteFile(txtPath, []byte(text+"\n"), 0o644); err != nil {
		return "", task.TransientError(fmt.Errorf("failed to write text file: %w", err))
	}
	_ = os.Remove(srtPath)
	return txtPath, nil
}

// srtToText strips SRT cue numbers, timestamps and markup, keeping only the
// spoken lines. Consecutive duplicate lines (common in auto-generated
// subtitles) are collapsed.
func srtToText(srt string) string {
	var out []string
	var last string
	for _, line := range strings.Split(srt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "-->") || isCueNumber(line) {
			continue
		}
		line = stripTags(line)
		if line == "" || line == last {
			continue
		}
		out = append(out, line)
		last = line
	}
	return strings.Join(out, "\n")
}

func isCueNumber(line string) bool {
	for _, r := range line {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripTags removes <i>, <font> and similar inline subtitle markup.
func stripTags(line string) string {
	var b strings.Builder
	inTag := false
	for _, r := range line {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// buildArgs translates the request into extractor flags.
func (d *ytdlpDownloader) buildArgs(req task.DownloadRequest) []string {
	args := []string{
		"--no-progress",
		"--no-playlist",
		"--print", "after_move:filepath",
		"-o", filepath.Join(d.outDir, "%(id)s.%(ext)s"),
	}

	switch req.Format {
	case "mp3":
		args = append(args, "-x", "--audio-format", "mp3")
		if req.Quality != "" {
			args = append(args, "--audio-quality", req.Quality)
		}
	case "mp4":
		selector := "bestvideo+bestaudio/best"
		if req.Quality != "" && req.Quality != "best" {
			height := strings.TrimSuffix(req.Quality, "p")
			selector = fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height)
		}
		args = append(args, "-f", selector, "--merge-output-format", "mp4")
	case "srt", "txt":
		args = append(args,
			"--skip-download",
			"--write-auto-subs",
			"--convert-subs", "srt")
	}

	args = append(args, req.URL)
	return args
}

// permanentPatterns are stderr fragments that no retry can fix: the content
// is gone, restricted, or the source is unsupported.
var permanentPatterns = []string{
	"unsupported url",
	"is not a valid url",
	"private video",
	"video unavailable",
	"video is private",
	"video has been removed",
	"this video does not exist",
	"this video is not available",
	"account associated with this video has been terminated",
	"copyright",
	"http error 404",
	"http error 410",
	"sign in to confirm your age",
	"age-restricted",
}

// transientPatterns are stderr fragments worth retrying: network trouble or
// source-side throttling.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"socket",
	"dns",
	"failed to connect",
	"temporary failure",
	"http error 429",
	"too many requests",
	"http error 5",
	"rate-limit",
	"rate limit",
}

// classifyExtractorError maps extractor stderr to a task.DownloadError.
// Unrecognized failures are transient so an unknown cause gets its retries.
func classifyExtractorError(stderr string, cause error) *task.DownloadError {
	lower := strings.ToLower(stderr)
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = cause.Error()
	}
	// Keep the tail: yt-dlp prints the actionable message last.
	if len(detail) > 500 {
		detail = detail[len(detail)-500:]
	}

	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return task.PermanentError(fmt.Errorf("extractor failed: %s", detail))
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return task.TransientError(fmt.Errorf("extractor failed: %s", detail))
		}
	}
	return task.TransientError(fmt.Errorf("extractor failed: %s", detail))
}
