package crawler

import (
	"context"
	"io"
	"time"
)

// TaskStore is the process-wide task registry.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// Transition moves a task from one status to another and fails if the
	// current status does not match from.
	Transition(ctx context.Context, taskID string, from, to TaskStatus) error
	// AppendResult records a site result while the task is RUNNING. Results
	// are kept ordered by SiteResult.Index.
	AppendResult(ctx context.Context, taskID string, result SiteResult) error
	// Finish moves a PENDING or RUNNING task to a terminal status.
	Finish(ctx context.Context, taskID string, completion Completion) error
	DeleteTask(ctx context.Context, taskID string) error
	// ListFinishedBefore returns IDs of terminal tasks that finished before cutoff.
	ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ExportStore persists export artifacts by name.
type ExportStore interface {
	Put(ctx context.Context, name string, contentType string, data io.Reader) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archive records finished tasks for later analysis.
type Archive interface {
	SaveTask(ctx context.Context, task Task) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Page, error)
}

// Extractor pulls email addresses out of page content.
type Extractor interface {
	Extract(content []byte) []string
}

// Pacer blocks until a request to rawURL is allowed.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Queue provides enqueue/dequeue semantics for scrape tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
