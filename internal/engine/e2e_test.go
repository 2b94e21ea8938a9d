package engine_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/email-scraper/internal/clock"
	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/dispatcher"
	"github.com/JakeFAU/email-scraper/internal/engine"
	"github.com/JakeFAU/email-scraper/internal/export"
	"github.com/JakeFAU/email-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/email-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/email-scraper/internal/id/uuid"
	"github.com/JakeFAU/email-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/email-scraper/internal/progress"
	memqueue "github.com/JakeFAU/email-scraper/internal/queue/memory"
	memstore "github.com/JakeFAU/email-scraper/internal/storage/memory"
	"github.com/JakeFAU/email-scraper/internal/worker"
)

type stack struct {
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

func newStack(t *testing.T) *stack {
	t.Helper()
	clk := clock.NewSystem()
	tasks := memstore.NewTaskStore(clk)
	blobs := memstore.NewBlobStore()
	bus := progress.NewBus()
	queue := memqueue.NewQueue(8)

	sites := crawler.NewSiteCrawler(
		collyfetcher.New(collyfetcher.Config{Timeout: 200 * time.Millisecond}),
		extract.New(extract.Config{}),
		ratelimit.New(ratelimit.Config{}),
		crawler.SiteCrawlerConfig{},
		nil,
	)
	runners := make([]dispatcher.Runner, 2)
	for i := range runners {
		runners[i] = worker.New(queue, tasks, sites, export.NewWriter(blobs, nil), bus, nil, nil, clk, worker.Config{}, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{
		engine: engine.New(tasks, queue, bus, blobs, uuid.New(), clk, engine.Config{DefaultDepth: 1}, nil),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		dispatcher.New(queue, runners...).Run(ctx)
		close(s.done)
	}()
	t.Cleanup(func() {
		s.cancel()
		<-s.done
	})
	return s
}

// run submits urls, waits for the terminal line and returns all lines plus
// the export body (empty on failure).
func (s *stack) run(t *testing.T, depth int, urls ...string) ([]progress.Event, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.engine.Submit(ctx, engine.SubmitRequest{URLs: urls, Depth: &depth})
	require.NoError(t, err)
	ch, err := s.engine.Subscribe(ctx, id, 0)
	require.NoError(t, err)
	var events []progress.Event
	for evt := range ch {
		events = append(events, evt)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Kind.Terminal(), "stream ended without terminal line")
	if last.Kind != progress.KindComplete {
		return events, ""
	}
	rc, err := s.engine.Download(ctx, last.Text)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return events, string(body)
}

func TestScrapeSingleSiteDepthZero(t *testing.T) {
	t.Parallel()

	var contactHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>contact: a@x.com</body></html>"))
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, _ *http.Request) {
		contactHits.Add(1)
		_, _ = w.Write([]byte("other@x.com"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newStack(t)
	events, body := s.run(t, 0, srv.URL)
	require.Equal(t, "Website,Emails Found\n"+srv.URL+",a@x.com\n", body)
	require.Zero(t, contactHits.Load())
	require.Equal(t, engine.InitialLine, events[0].Text)
	for i, evt := range events {
		require.Equal(t, int64(i+1), evt.Seq)
	}
}

func TestScrapeDeadHomepageCompletes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := newStack(t)
	events, body := s.run(t, 1, srv.URL)
	require.Equal(t, progress.KindComplete, events[len(events)-1].Kind)
	require.Equal(t, "Website,Emails Found\n"+srv.URL+",\n", body)
}

func TestScrapeDuplicateSeeds(t *testing.T) {
	t.Parallel()

	hits := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			hits <- struct{}{}
			_, _ = w.Write([]byte("hello@b.org"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newStack(t)
	_, body := s.run(t, 0, srv.URL, srv.URL)
	require.Equal(t, "Website,Emails Found\n"+srv.URL+",hello@b.org\n"+srv.URL+",hello@b.org\n", body)
	require.Len(t, hits, 2)
}

func TestDownloadUnknownArtifact(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	_, err := s.engine.Download(context.Background(), "scraped_emails_missing.csv")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
