package sinks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/email-scraper/internal/progress"
)

// PrometheusSink derives task lifecycle metrics from progress events. A task
// counts as started on its first event and finished on its terminal event.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg (default registerer
// when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_events_total",
			Help: "Progress lines published, partitioned by kind.",
		}, []string{"kind"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_progress_tasks_started_total",
			Help: "Tasks that published their first progress line.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_tasks_finished_total",
			Help: "Tasks that published a terminal line, partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_progress_tasks_running",
			Help: "Tasks with an open progress stream.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_progress_task_runtime_seconds",
			Help:    "Time between a task's first and terminal progress line.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(strings.ToLower(string(evt.Kind))).Inc()
	if s.tracker.start(evt.TaskID, evt.TS) {
		s.tasksStarted.Inc()
		s.tasksRunning.Inc()
	}
	if !evt.Kind.Terminal() {
		return
	}
	result := "success"
	if evt.Kind == progress.KindError {
		result = "error"
	}
	s.tasksFinished.WithLabelValues(result).Inc()
	if started, ok := s.tracker.complete(evt.TaskID); ok {
		s.tasksRunning.Dec()
		if dur := evt.TS.Sub(started); dur > 0 {
			s.taskRuntime.WithLabelValues(result).Observe(dur.Seconds())
		}
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// taskTracker holds the first-line time of every task still running. The bus
// rejects publishes after a terminal line, so a finished task needs no record.
type taskTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]time.Time)}
}

func (t *taskTracker) start(id string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = ts
	return true
}

func (t *taskTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return started, ok
}

// forget reports whether id was still running when it was dropped.
func (t *taskTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[id]
	delete(t.running, id)
	return ok
}

// Forget releases bookkeeping for a task whose stream has been removed. A task
// removed before its terminal line no longer counts as running.
func (s *PrometheusSink) Forget(taskID string) {
	if s.tracker.forget(taskID) {
		s.tasksRunning.Dec()
	}
}
