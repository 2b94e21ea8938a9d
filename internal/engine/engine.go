// Package engine is the entry point for scrape tasks: it validates
// submissions, registers tasks, opens their progress streams, hands them to
// the worker queue and cleans them up once retention expires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/progress"
	"github.com/JakeFAU/email-scraper/internal/storage"
)

// InitialLine is the first progress line of every task.
const InitialLine = "Task initiated."

var (
	// ErrNoURLs rejects submissions without a usable URL.
	ErrNoURLs = fmt.Errorf("%w: no valid URLs to process", crawler.ErrInvalidInput)
	// ErrNegativeDepth rejects depth < 0.
	ErrNegativeDepth = fmt.Errorf("%w: depth must be zero or greater", crawler.ErrInvalidInput)
	// ErrTooManyURLs rejects batches above Config.MaxURLs.
	ErrTooManyURLs = fmt.Errorf("%w: too many URLs", crawler.ErrInvalidInput)
)

// Config controls submission defaults and retention.
type Config struct {
	DefaultDepth    int
	MaxURLs         int
	Retention       time.Duration
	JanitorInterval time.Duration
}

// SubmitRequest carries a batch either as newline-separated text or as an
// explicit list. Depth nil selects Config.DefaultDepth.
type SubmitRequest struct {
	Text  string
	URLs  []string
	Depth *int
}

// Engine owns the task lifecycle outside of execution.
type Engine struct {
	tasks    crawler.TaskStore
	queue    crawler.Queue
	bus      *progress.Bus
	exports  crawler.ExportStore
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
	onRemove []func(taskID string)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRemoveHook registers fn to run after a task is cleaned up.
func WithRemoveHook(fn func(taskID string)) Option {
	return func(e *Engine) { e.onRemove = append(e.onRemove, fn) }
}

// New constructs an Engine.
func New(
	tasks crawler.TaskStore,
	queue crawler.Queue,
	bus *progress.Bus,
	exports crawler.ExportStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultDepth < 0 {
		cfg.DefaultDepth = 0
	}
	e := &Engine{
		tasks:   tasks,
		queue:   queue,
		bus:     bus,
		exports: exports,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ParseURLs splits text into lines, trims them, drops blanks and prefixes
// http:// where no scheme is given. Duplicates are kept.
func ParseURLs(text string) []string {
	return normalize(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}

func normalize(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if seed := crawler.NormalizeSeed(line); seed != "" {
			out = append(out, seed)
		}
	}
	return out
}

// Submit registers a PENDING task and queues it. The returned ID is valid
// immediately for Subscribe and Status.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	urls := ParseURLs(req.Text)
	urls = append(urls, normalize(req.URLs)...)
	if len(urls) == 0 {
		return "", ErrNoURLs
	}
	if e.cfg.MaxURLs > 0 && len(urls) > e.cfg.MaxURLs {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyURLs, len(urls), e.cfg.MaxURLs)
	}
	depth := e.cfg.DefaultDepth
	if req.Depth != nil {
		depth = *req.Depth
	}
	if depth < 0 {
		return "", ErrNegativeDepth
	}

	id, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := e.clock.Now()
	task := crawler.Task{
		ID:        id,
		URLs:      urls,
		Depth:     depth,
		Status:    crawler.TaskStatusPending,
		Submitted: now,
	}
	if err := e.tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := e.bus.Open(id); err != nil {
		e.dropRecord(ctx, id)
		return "", fmt.Errorf("open progress stream: %w", err)
	}
	if _, err := e.bus.Publish(id, progress.KindInfo, InitialLine); err != nil {
		e.discard(ctx, id, err)
		return "", fmt.Errorf("publish initial line: %w", err)
	}
	if err := e.queue.Enqueue(ctx, crawler.QueueItem{TaskID: id, Submitted: now.UnixNano()}); err != nil {
		e.discard(ctx, id, err)
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	e.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.Int("sites", len(urls)),
		zap.Int("depth", depth),
	)
	return id, nil
}

// discard unwinds a task whose stream is open. The stream is closed with an
// ERROR line first so sinks see the task finish, and the remove hooks run as
// they do for expired tasks.
func (e *Engine) discard(ctx context.Context, id string, cause error) {
	if _, err := e.bus.Publish(id, progress.KindError, "Task rejected: "+cause.Error()); err != nil {
		e.logger.Debug("close rejected stream", zap.String("task_id", id), zap.Error(err))
	}
	e.bus.Remove(id)
	e.dropRecord(ctx, id)
	e.notifyRemoved(id)
}

func (e *Engine) dropRecord(ctx context.Context, id string) {
	if err := e.tasks.DeleteTask(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Warn("discard task failed", zap.String("task_id", id), zap.Error(err))
	}
}

func (e *Engine) notifyRemoved(id string) {
	for _, fn := range e.onRemove {
		fn(id)
	}
}

// Status returns a snapshot of the task.
func (e *Engine) Status(ctx context.Context, taskID string) (crawler.Task, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Subscribe replays progress after afterSeq and follows the live stream.
// Unknown or cleaned-up tasks return crawler.ErrNotFound.
func (e *Engine) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan progress.Event, error) {
	ch, err := e.bus.Subscribe(ctx, taskID, afterSeq)
	if errors.Is(err, progress.ErrStreamNotFound) {
		return nil, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return ch, nil
}

// Download opens an export artifact by name. Names that could escape the
// export namespace return crawler.ErrInvalidInput.
func (e *Engine) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	rc, err := e.exports.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	return rc, nil
}

// Cleanup removes terminal tasks that finished more than Retention ago,
// along with their progress streams and export files. It returns the number
// of tasks removed.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	if e.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := e.clock.Now().Add(-e.cfg.Retention)
	ids, err := e.tasks.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if err := e.remove(ctx, id); err != nil {
			e.logger.Warn("cleanup task failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("expired tasks removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (e *Engine) remove(ctx context.Context, id string) error {
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.Filename != "" {
		if err := e.exports.Delete(ctx, task.Filename); err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return fmt.Errorf("delete export: %w", err)
		}
	}
	e.bus.Remove(id)
	if err := e.tasks.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	e.notifyRemoved(id)
	return nil
}

// RunJanitor calls Cleanup every JanitorInterval until ctx finishes.
func (e *Engine) RunJanitor(ctx context.Context) {
	interval := e.cfg.JanitorInterval
	if interval <= 0 || e.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Cleanup(ctx); err != nil {
				e.logger.Warn("janitor pass failed", zap.Error(err))
			}
		}
	}
}
