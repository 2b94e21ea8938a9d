// Package worker executes queued scrape tasks: crawl every seed, export the
// results and publish the terminal progress line.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/export"
	"github.com/JakeFAU/email-scraper/internal/metrics"
	"github.com/JakeFAU/email-scraper/internal/progress"
)

// CanceledText is the error text recorded for tasks stopped by shutdown.
const CanceledText = "task canceled"

// SiteRunner crawls a single seed; crawler.SiteCrawler satisfies it.
type SiteRunner interface {
	Crawl(ctx context.Context, seed string, depth int, report crawler.Reporter) crawler.SiteResult
}

// Exporter writes the task's result file.
type Exporter interface {
	Write(ctx context.Context, taskID string, results []crawler.SiteResult) (export.Artifact, error)
}

// Progress accepts progress lines for a task.
type Progress interface {
	Publish(taskID string, kind progress.Kind, text string) (progress.Event, error)
}

// Config controls Worker behavior.
type Config struct {
	// SiteConcurrency bounds how many seeds of one task are crawled at once.
	SiteConcurrency int
	// Topic receives a Notice after each terminal transition when a
	// publisher is configured.
	Topic string
}

// Notice is published once a task reaches a terminal state.
type Notice struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Filename   string    `json:"filename,omitempty"`
	URI        string    `json:"uri,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Sites      int       `json:"sites"`
	Emails     int       `json:"emails"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes exposes routing attributes for message brokers.
func (n Notice) Attributes() map[string]string {
	return map[string]string{"task_id": n.TaskID, "status": n.Status}
}

// Worker consumes queue items and runs tasks.
type Worker struct {
	queue     crawler.Queue
	tasks     crawler.TaskStore
	sites     SiteRunner
	exporter  Exporter
	progress  Progress
	archive   crawler.Archive
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archive and publisher are optional.
func New(
	queue crawler.Queue,
	tasks crawler.TaskStore,
	sites SiteRunner,
	exporter Exporter,
	bus Progress,
	archive crawler.Archive,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SiteConcurrency < 1 {
		cfg.SiteConcurrency = 1
	}
	return &Worker{
		queue:     queue,
		tasks:     tasks,
		sites:     sites,
		exporter:  exporter,
		progress:  bus,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until ctx finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("worker stopping", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.Process(ctx, item)
	}
}

// Process runs one task to a terminal state. A task that is no longer
// PENDING is skipped.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("task_id", item.TaskID))
	task, err := w.tasks.GetTask(ctx, item.TaskID)
	if err != nil {
		logger.Warn("queued task not found", zap.Error(err))
		return
	}
	if err := w.tasks.Transition(ctx, task.ID, crawler.TaskStatusPending, crawler.TaskStatusRunning); err != nil {
		logger.Warn("task not runnable", zap.Error(err))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger.Info("task started", zap.Int("sites", len(task.URLs)), zap.Int("depth", task.Depth))

	ctx = crawler.WithTaskID(ctx, task.ID)
	results, err := w.crawlAll(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		w.fail(ctx, task.ID, results, err, "")
		return
	}

	artifact, err := w.exporter.Write(ctx, task.ID, results)
	if err != nil {
		w.fail(ctx, task.ID, results, err, "")
		return
	}
	w.info(task.ID, fmt.Sprintf("Scraping complete. Results saved to server: %s", artifact.Name))
	w.complete(ctx, task.ID, results, artifact)
}

// crawlAll crawls every seed with bounded concurrency. The returned slice is
// indexed by submission position.
func (w *Worker) crawlAll(ctx context.Context, task crawler.Task) ([]crawler.SiteResult, error) {
	results := make([]crawler.SiteResult, len(task.URLs))
	total := len(task.URLs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.SiteConcurrency)
	for i, seed := range task.URLs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w.info(task.ID, fmt.Sprintf("--- Processing website %d/%d: %s ---", i+1, total, seed))
			result := w.sites.Crawl(gctx, seed, task.Depth, func(line string) {
				w.info(task.ID, line)
			})
			result.Index = i
			result.SeedURL = seed
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := w.tasks.AppendResult(gctx, task.ID, result); err != nil {
				return fmt.Errorf("record result for %s: %w", seed, err)
			}
			results[i] = result
			w.info(task.ID, summaryLine(result))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return compact(results), err
	}
	return results, nil
}

func summaryLine(r crawler.SiteResult) string {
	if len(r.Emails) == 0 {
		return fmt.Sprintf("  No emails found for %s (or an error occurred).", r.SeedURL)
	}
	return fmt.Sprintf("  Successfully scraped %d email(s) from %s: %s",
		len(r.Emails), r.SeedURL, strings.Join(r.Emails, ", "))
}

// compact drops slots for seeds that never finished.
func compact(results []crawler.SiteResult) []crawler.SiteResult {
	out := results[:0:0]
	for _, r := range results {
		if r.SeedURL != "" {
			out = append(out, r)
		}
	}
	return out
}

func (w *Worker) complete(ctx context.Context, taskID string, results []crawler.SiteResult, artifact export.Artifact) {
	// Terminal bookkeeping must survive a canceled task context.
	ctx = context.WithoutCancel(ctx)
	err := w.tasks.Finish(ctx, taskID, crawler.Completion{
		Status:   crawler.TaskStatusComplete,
		Filename: artifact.Name,
		Checksum: artifact.Checksum,
	})
	if err != nil {
		// Record the task as FAILED so retention still reclaims it and the
		// export it already wrote.
		w.fail(ctx, taskID, results, fmt.Errorf("record completion: %w", err), artifact.Name)
		return
	}
	metrics.ObserveTask(string(crawler.TaskStatusComplete))
	w.publishTerminal(taskID, progress.KindComplete, artifact.Name)
	w.logger.Info("task complete",
		zap.String("task_id", taskID),
		zap.String("filename", artifact.Name),
		zap.Int("rows", artifact.Rows),
	)
	w.afterFinish(ctx, taskID, Notice{
		TaskID:   taskID,
		Status:   string(crawler.TaskStatusComplete),
		Filename: artifact.Name,
		URI:      artifact.URI,
		Checksum: artifact.Checksum,
		Sites:    len(results),
		Emails:   countEmails(results),
	})
}

// fail records the task as FAILED. filename names an export that was written
// before the failure, if any, so cleanup can delete it.
func (w *Worker) fail(ctx context.Context, taskID string, results []crawler.SiteResult, cause error, filename string) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		msg = CanceledText
	} else {
		w.info(taskID, fmt.Sprintf("A critical error occurred: %s", msg))
	}
	w.logger.Error("task failed", zap.String("task_id", taskID), zap.Error(cause))
	err := w.tasks.Finish(ctx, taskID, crawler.Completion{
		Status:    crawler.TaskStatusFailed,
		Filename:  filename,
		ErrorText: msg,
	})
	if err != nil {
		w.logger.Error("finish failed task", zap.String("task_id", taskID), zap.Error(err))
	}
	metrics.ObserveTask(string(crawler.TaskStatusFailed))
	w.publishTerminal(taskID, progress.KindError, msg)
	w.afterFinish(ctx, taskID, Notice{
		TaskID: taskID,
		Status: string(crawler.TaskStatusFailed),
		Sites:  len(results),
		Emails: countEmails(results),
		Error:  msg,
	})
}

// afterFinish archives the task and sends the completion notice. Failures are
// logged only.
func (w *Worker) afterFinish(ctx context.Context, taskID string, notice Notice) {
	if w.archive != nil {
		task, err := w.tasks.GetTask(ctx, taskID)
		if err == nil {
			err = w.archive.SaveTask(ctx, task)
		}
		if err != nil {
			w.logger.Warn("archive task failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	notice.FinishedAt = w.clock.Now()
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, notice)
	if err != nil {
		w.logger.Warn("publish notice failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	w.logger.Debug("notice published", zap.String("task_id", taskID), zap.String("message_id", id))
}

func (w *Worker) info(taskID, line string) {
	if _, err := w.progress.Publish(taskID, progress.KindInfo, line); err != nil {
		w.logger.Debug("progress line dropped", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (w *Worker) publishTerminal(taskID string, kind progress.Kind, text string) {
	if _, err := w.progress.Publish(taskID, kind, text); err != nil {
		w.logger.Warn("terminal progress line dropped", zap.String("task_id", taskID), zap.Error(err))
	}
}

func countEmails(results []crawler.SiteResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Emails)
	}
	return n
}
