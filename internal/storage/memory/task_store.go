package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

// TaskStore is the in-process task registry.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*crawler.Task
	clock crawler.Clock
}

// NewTaskStore constructs a TaskStore. Timestamps come from clock.
func NewTaskStore(clock crawler.Clock) *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*crawler.Task),
		clock: clock,
	}
}

// CreateTask registers a new task. Duplicate IDs are rejected.
func (s *TaskStore) CreateTask(_ context.Context, task crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	cp := task.Clone()
	if cp.Status == "" {
		cp.Status = crawler.TaskStatusPending
	}
	if cp.Submitted.IsZero() {
		cp.Submitted = s.clock.Now()
	}
	s.tasks[task.ID] = &cp
	return nil
}

// GetTask returns a snapshot of the task.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.Task{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return task.Clone(), nil
}

// Transition atomically moves a task from one status to another.
func (s *TaskStore) Transition(_ context.Context, taskID string, from, to crawler.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if task.Status != from || !allowed(from, to) {
		return fmt.Errorf("task %s %s -> %s (current %s): %w",
			taskID, from, to, task.Status, crawler.ErrInvalidTransition)
	}
	task.Status = to
	now := s.clock.Now()
	if to == crawler.TaskStatusRunning {
		task.Started = &now
	}
	if to.Terminal() {
		task.Finished = &now
	}
	return nil
}

// AppendResult inserts a site result in index order. Only RUNNING tasks
// accept results.
func (s *TaskStore) AppendResult(_ context.Context, taskID string, result crawler.SiteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if task.Status != crawler.TaskStatusRunning {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, crawler.ErrInvalidTransition)
	}
	result.Emails = append([]string(nil), result.Emails...)
	i := sort.Search(len(task.Results), func(i int) bool {
		return task.Results[i].Index > result.Index
	})
	task.Results = append(task.Results, crawler.SiteResult{})
	copy(task.Results[i+1:], task.Results[i:])
	task.Results[i] = result
	return nil
}

// Finish records the terminal state. Results are frozen from here on.
func (s *TaskStore) Finish(_ context.Context, taskID string, completion crawler.Completion) error {
	if !completion.Status.Terminal() {
		return fmt.Errorf("finish with %s: %w", completion.Status, crawler.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s already %s: %w", taskID, task.Status, crawler.ErrInvalidTransition)
	}
	now := s.clock.Now()
	task.Status = completion.Status
	task.Filename = completion.Filename
	task.Checksum = completion.Checksum
	task.ErrorText = completion.ErrorText
	task.Finished = &now
	return nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	delete(s.tasks, taskID)
	return nil
}

// ListFinishedBefore returns IDs of terminal tasks finished before cutoff.
func (s *TaskStore) ListFinishedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, task := range s.tasks {
		if task.Status.Terminal() && task.Finished != nil && task.Finished.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of registered tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func allowed(from, to crawler.TaskStatus) bool {
	switch from {
	case crawler.TaskStatusPending:
		return to == crawler.TaskStatusRunning || to == crawler.TaskStatusFailed
	case crawler.TaskStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}
