package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/clock"
	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/export"
	"github.com/JakeFAU/email-scraper/internal/progress"
	mempub "github.com/JakeFAU/email-scraper/internal/publisher/memory"
	memqueue "github.com/JakeFAU/email-scraper/internal/queue/memory"
	memstore "github.com/JakeFAU/email-scraper/internal/storage/memory"
)

// stubSites returns canned results keyed by seed and reports one line per crawl.
type stubSites struct {
	mu      sync.Mutex
	results map[string]crawler.SiteResult
	seen    []string
	block   chan struct{}
}

func (s *stubSites) Crawl(ctx context.Context, seed string, _ int, report crawler.Reporter) crawler.SiteResult {
	s.mu.Lock()
	s.seen = append(s.seen, seed)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	report("Scraping (Homepage): " + seed)
	if r, ok := s.results[seed]; ok {
		return r
	}
	return crawler.SiteResult{Outcome: crawler.OutcomeNoEmails}
}

type failingExporter struct{}

func (failingExporter) Write(context.Context, string, []crawler.SiteResult) (export.Artifact, error) {
	return export.Artifact{}, errors.New("disk full")
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) SaveTask(ctx context.Context, task crawler.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

type harness struct {
	tasks *memstore.TaskStore
	blobs *memstore.BlobStore
	bus   *progress.Bus
	pub   *mempub.Publisher
	clock *clock.Manual
}

func newHarness() *harness {
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return &harness{
		tasks: memstore.NewTaskStore(clk),
		blobs: memstore.NewBlobStore(),
		bus:   progress.NewBus(progress.WithClock(clk)),
		pub:   mempub.New(),
		clock: clk,
	}
}

func (h *harness) submit(t *testing.T, id string, urls ...string) {
	t.Helper()
	require.NoError(t, h.tasks.CreateTask(context.Background(), crawler.Task{ID: id, URLs: urls, Depth: 1}))
	require.NoError(t, h.bus.Open(id))
	_, err := h.bus.Publish(id, progress.KindInfo, "Task initiated.")
	require.NoError(t, err)
}

func (h *harness) worker(sites SiteRunner, exporter Exporter, archive crawler.Archive, cfg Config) *Worker {
	if exporter == nil {
		exporter = export.NewWriter(h.blobs, zap.NewNop())
	}
	return New(memqueue.NewQueue(4), h.tasks, sites, exporter, h.bus, archive, h.pub, h.clock, cfg, zap.NewNop())
}

func (h *harness) lines(t *testing.T, id string) []string {
	t.Helper()
	events, err := h.bus.Events(id)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Line())
	}
	return out
}

func TestWorkerProcessSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com", "http://b.com")
	sites := &stubSites{results: map[string]crawler.SiteResult{
		"http://a.com": {Emails: []string{"info@a.com", "sales@a.com"}, Outcome: crawler.OutcomeOK, PagesFetched: 2},
		"http://b.com": {Outcome: crawler.OutcomeFetchError, Error: "fetch http://b.com: network"},
	}}
	w := h.worker(sites, nil, nil, Config{Topic: "scrape-complete"})

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusComplete, task.Status)
	require.Equal(t, "scraped_emails_t1.csv", task.Filename)
	require.NotEmpty(t, task.Checksum)
	require.Len(t, task.Results, 2)
	require.Equal(t, 0, task.Results[0].Index)
	require.Equal(t, "http://b.com", task.Results[1].SeedURL)

	require.Equal(t, []string{
		"Task initiated.",
		"--- Processing website 1/2: http://a.com ---",
		"Scraping (Homepage): http://a.com",
		"  Successfully scraped 2 email(s) from http://a.com: info@a.com, sales@a.com",
		"--- Processing website 2/2: http://b.com ---",
		"Scraping (Homepage): http://b.com",
		"  No emails found for http://b.com (or an error occurred).",
		"Scraping complete. Results saved to server: scraped_emails_t1.csv",
		"COMPLETE:scraped_emails_t1.csv",
	}, h.lines(t, "t1"))

	rc, err := h.blobs.Open(context.Background(), "scraped_emails_t1.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "Website,Emails Found\nhttp://a.com,\"info@a.com, sales@a.com\"\nhttp://b.com,\n", string(body))

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	notice, ok := msgs[0].Payload.(Notice)
	require.True(t, ok)
	require.Equal(t, "COMPLETE", notice.Status)
	require.Equal(t, 2, notice.Emails)
	require.Equal(t, h.clock.Now(), notice.FinishedAt)
}

func TestWorkerExportFailureFailsTask(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com")
	w := h.worker(&stubSites{}, failingExporter{}, nil, Config{})

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Equal(t, "disk full", task.ErrorText)
	lines := h.lines(t, "t1")
	require.Equal(t, "A critical error occurred: disk full", lines[len(lines)-2])
	require.Equal(t, "ERROR:disk full", lines[len(lines)-1])
	require.Empty(t, h.pub.Messages(), "no topic configured")
}

// completionRejectingStore fails every attempt to record a COMPLETE task.
type completionRejectingStore struct {
	*memstore.TaskStore
}

func (s completionRejectingStore) Finish(ctx context.Context, taskID string, completion crawler.Completion) error {
	if completion.Status == crawler.TaskStatusComplete {
		return errors.New("connection reset")
	}
	return s.TaskStore.Finish(ctx, taskID, completion)
}

func TestWorkerCompletionFailureMarksTaskFailed(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com")
	sites := &stubSites{results: map[string]crawler.SiteResult{
		"http://a.com": {Emails: []string{"info@a.com"}, Outcome: crawler.OutcomeOK, PagesFetched: 1},
	}}
	w := New(memqueue.NewQueue(1), completionRejectingStore{h.tasks}, sites,
		export.NewWriter(h.blobs, zap.NewNop()), h.bus, nil, h.pub, h.clock, Config{}, zap.NewNop())

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Equal(t, "record completion: connection reset", task.ErrorText)
	require.Equal(t, "scraped_emails_t1.csv", task.Filename, "the written export stays reachable for cleanup")
	require.NotNil(t, task.Finished)

	lines := h.lines(t, "t1")
	require.Equal(t, "ERROR:record completion: connection reset", lines[len(lines)-1])

	expired, err := h.tasks.ListFinishedBefore(context.Background(), h.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, expired)
}

func TestWorkerSkipsTaskNotPending(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com")
	require.NoError(t, h.tasks.Transition(context.Background(), "t1", crawler.TaskStatusPending, crawler.TaskStatusRunning))
	sites := &stubSites{}
	w := h.worker(sites, nil, nil, Config{})

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})
	w.Process(context.Background(), crawler.QueueItem{TaskID: "missing"})

	require.Empty(t, sites.seen)
	require.Equal(t, []string{"Task initiated."}, h.lines(t, "t1"))
}

func TestWorkerCanceledTask(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com", "http://b.com")
	sites := &stubSites{block: make(chan struct{})}
	w := h.worker(sites, nil, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Process(ctx, crawler.QueueItem{TaskID: "t1"})
		close(done)
	}()
	require.Eventually(t, func() bool {
		sites.mu.Lock()
		defer sites.mu.Unlock()
		return len(sites.seen) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Equal(t, CanceledText, task.ErrorText)
	lines := h.lines(t, "t1")
	require.Equal(t, "ERROR:task canceled", lines[len(lines)-1])
	for _, l := range lines {
		require.NotContains(t, l, "COMPLETE:")
	}
}

func TestWorkerArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com")
	archive := &mockArchive{}
	archive.On("SaveTask", mock.Anything, mock.MatchedBy(func(task crawler.Task) bool {
		return task.ID == "t1" && task.Status == crawler.TaskStatusComplete
	})).Return(errors.New("db down")).Once()
	w := h.worker(&stubSites{}, nil, archive, Config{})

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusComplete, task.Status)
	archive.AssertExpectations(t)
}

func TestWorkerSiteConcurrencyKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	h := newHarness()
	urls := make([]string, 6)
	results := make(map[string]crawler.SiteResult, len(urls))
	for i := range urls {
		urls[i] = fmt.Sprintf("http://site%d.com", i)
		results[urls[i]] = crawler.SiteResult{
			Emails:  []string{fmt.Sprintf("a@site%d.com", i)},
			Outcome: crawler.OutcomeOK,
		}
	}
	h.submit(t, "t1", urls...)
	w := h.worker(&stubSites{results: results}, nil, nil, Config{SiteConcurrency: 3})

	w.Process(context.Background(), crawler.QueueItem{TaskID: "t1"})

	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusComplete, task.Status)
	for i, r := range task.Results {
		require.Equal(t, i, r.Index)
		require.Equal(t, urls[i], r.SeedURL)
	}

	lines := h.lines(t, "t1")
	terminal := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "COMPLETE:") || strings.HasPrefix(l, "ERROR:") {
			terminal++
		}
	}
	require.Equal(t, 1, terminal)
	require.True(t, strings.HasPrefix(lines[len(lines)-1], "COMPLETE:"))
}

func TestWorkerRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.submit(t, "t1", "http://a.com")
	q := memqueue.NewQueue(2)
	w := New(q, h.tasks, &stubSites{}, export.NewWriter(h.blobs, nil), h.bus, nil, nil, h.clock, Config{}, nil)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{TaskID: "t1"}))
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	task, err := h.tasks.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusComplete, task.Status)
}

func TestSummaryLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "  No emails found for http://x.com (or an error occurred).",
		summaryLine(crawler.SiteResult{SeedURL: "http://x.com"}))
	require.Equal(t, "  Successfully scraped 1 email(s) from http://x.com: a@x.com",
		summaryLine(crawler.SiteResult{SeedURL: "http://x.com", Emails: []string{"a@x.com"}}))
}
