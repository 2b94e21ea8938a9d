// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values. Transitions only move forward:
// PENDING -> RUNNING -> COMPLETE | FAILED.
const (
	TaskStatusPending  TaskStatus = "PENDING"
	TaskStatusRunning  TaskStatus = "RUNNING"
	TaskStatusComplete TaskStatus = "COMPLETE"
	TaskStatusFailed   TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed
}

// Outcome tags the result of crawling one seed URL.
type Outcome string

// Supported site outcomes.
const (
	OutcomeOK         Outcome = "OK"
	OutcomeFetchError Outcome = "FETCH_ERROR"
	OutcomeNoEmails   Outcome = "NO_EMAILS"
)

// SiteResult is produced once per seed URL and never modified afterwards.
type SiteResult struct {
	Index        int      `json:"index"`
	SeedURL      string   `json:"seed_url"`
	Emails       []string `json:"emails"`
	Outcome      Outcome  `json:"outcome"`
	Error        string   `json:"error,omitempty"`
	PagesFetched int      `json:"pages_fetched"`
}

// Task is one batch-crawl execution instance.
type Task struct {
	ID        string       `json:"id"`
	URLs      []string     `json:"urls"`
	Depth     int          `json:"depth"`
	Status    TaskStatus   `json:"status"`
	Results   []SiteResult `json:"results"`
	Filename  string       `json:"filename,omitempty"`
	Checksum  string       `json:"checksum,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
	Submitted time.Time    `json:"submitted_at"`
	Started   *time.Time   `json:"started_at,omitempty"`
	Finished  *time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (t Task) Clone() Task {
	cp := t
	cp.URLs = append([]string(nil), t.URLs...)
	if t.Results != nil {
		cp.Results = make([]SiteResult, len(t.Results))
		for i, r := range t.Results {
			r.Emails = append([]string(nil), r.Emails...)
			cp.Results[i] = r
		}
	}
	if t.Started != nil {
		ts := *t.Started
		cp.Started = &ts
	}
	if t.Finished != nil {
		ts := *t.Finished
		cp.Finished = &ts
	}
	return cp
}

// Completion is the terminal state recorded by TaskStore.Finish.
type Completion struct {
	Status    TaskStatus
	Filename  string
	Checksum  string
	ErrorText string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	TaskID string
	URL    string
	Depth  int
}

// Page is the result returned by a Fetcher implementation.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	TaskID    string
	Attempt   int
	Submitted int64
}
