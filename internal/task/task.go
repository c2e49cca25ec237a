package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a download task
type Status string

// Possible task status values
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority is the ordering tier for a task. Higher tiers are always
// dequeued before lower ones; within a tier tasks leave in arrival order.
type Priority int

// Priority tiers, ordered from lowest to highest
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// PriorityFromPlan maps a subscription plan name to a queue priority.
// Unknown plans get the lowest tier.
func PriorityFromPlan(plan string) Priority {
	switch plan {
	case "vip":
		return PriorityHigh
	case "premium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// DownloadRequest describes what to fetch. Immutable once the task is created.
type DownloadRequest struct {
	// URL is the source location of the media
	URL string
	// Format is the desired output container: "mp3", "mp4", "srt", "txt"
	Format string
	// Quality is the desired quality selector ("best", "1080p", "320k", ...).
	// Empty means the downloader's default.
	Quality string
}

// DownloadTask is one unit of download work. The identifying fields (ID,
// Owner, Payload, Priority, CreatedAt) never change after creation; the
// execution fields (Status, RetryCount, ErrorMessage, UpdatedAt, NotBefore)
// are mutated only by the queue Manager.
type DownloadTask struct {
	ID       uuid.UUID
	Owner    int64
	Payload  DownloadRequest
	Priority Priority

	Status       Status
	RetryCount   int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time

	// NotBefore is the earliest time the task may be handed to a worker
	// again. Zero means immediately eligible. Set by the retry policy so a
	// backed-off task waits in the queue instead of occupying a worker slot.
	NotBefore time.Time

	// seq is the insertion sequence number, the final ordering tie-break.
	// Assigned by the Manager when the task first enters the queue and kept
	// across retries so a retried task does not jump ahead of its tier.
	seq uint64
}

// NewDownloadTask creates a pending task with a fresh ID and the current
// timestamp as its arrival time.
func NewDownloadTask(owner int64, req DownloadRequest, priority Priority) *DownloadTask {
	now := time.Now().UTC()
	return &DownloadTask{
		ID:        uuid.New(),
		Owner:     owner,
		Payload:   req,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Artifact is the product of a successful download, handed to the ResultSink.
type Artifact struct {
	// Path is the local filesystem location of the downloaded media
	Path string
	// Title is the media title reported by the extractor, if any
	Title string
	// Size is the file size in bytes
	Size int64
}

// TaskSnapshot is the read-only view of a task exposed to the status API.
type TaskSnapshot struct {
	ID         uuid.UUID `json:"id"`
	Owner      int64     `json:"owner"`
	URL        string    `json:"url"`
	Format     string    `json:"format"`
	Priority   string    `json:"priority"`
	Status     Status    `json:"status"`
	Position   int       `json:"position,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskStore defines the interface for persisting tasks. All operations are
// atomic per row. The store is the durability layer only; in-memory ordering
// is owned by the Manager.
type TaskStore interface {
	// InsertTask persists a newly created task
	InsertTask(ctx context.Context, t *DownloadTask) error

	// UpdateTask persists a status transition for the task with the given ID
	UpdateTask(ctx context.Context, id uuid.UUID, status Status, retryCount int, errorMsg string, updatedAt time.Time) error

	// GetTask returns the stored task with the given ID, or an error
	// satisfying errors.Is(err, ErrTaskNotFound) when no such row exists
	GetTask(ctx context.Context, id uuid.UUID) (*DownloadTask, error)

	// LoadUnfinished returns every task whose status is pending or
	// processing, ordered by creation time ascending
	LoadUnfinished(ctx context.Context) ([]*DownloadTask, error)
}

// ResultSink receives terminal task outcomes. Implemented by the messaging
// collaborator; failures inside the sink must not affect queue state, so its
// methods do not return errors.
type ResultSink interface {
	// OnCompleted is called once when a task reaches the completed state
	OnCompleted(ctx context.Context, t *DownloadTask, artifact *Artifact)

	// OnFailed is called once when a task reaches the terminal failed state
	OnFailed(ctx context.Context, t *DownloadTask, reason string)
}

// Downloader is the boundary to the external extraction tool.
type Downloader interface {
	// Download fetches the requested media and returns the resulting
	// artifact. Failures should be reported as *DownloadError so the retry
	// policy can distinguish transient from permanent causes; any other
	// error is treated as transient.
	Download(ctx context.Context, req DownloadRequest) (*Artifact, error)
}
