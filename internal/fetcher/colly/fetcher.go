// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Fetcher implements crawler.Fetcher using the Colly collector. It issues
// exactly one GET per call and never retries.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the colly callbacks observed for one visit.
type fetchState struct {
	page       crawler.Page
	statusCode int
	err        error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Failures are returned as
// *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if _, err := url.ParseRequestURI(request.URL); err != nil {
		return crawler.Page{}, &crawler.FetchError{Kind: crawler.FetchErrMalformed, URL: request.URL, Err: err}
	}
	state := &fetchState{}
	collector := f.buildCollector(time.Now(), state)

	if statusCode, err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		return crawler.Page{}, crawler.NewFetchError(request.URL, statusCode, err)
	}
	page := state.page
	page.URL = request.URL
	if page.FinalURL == "" {
		page.FinalURL = request.URL
	}
	return page, nil
}

// buildCollector clones the base collector so each fetch gets its own
// callbacks. Clones share the backend, so transport and timeout are only
// configured once in New.
func (f *Fetcher) buildCollector(start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *fetchState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.statusCode = r.StatusCode
		state.page = crawler.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.statusCode = r.StatusCode
		}
		state.err = err
	})
}

// runCollector returns the observed status code alongside any failure. The
// state is only read after the visit goroutine has finished.
func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	state *fetchState,
) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return state.statusCode, fmt.Errorf("colly visit failed: %w", err)
		}
		if state.err != nil {
			return state.statusCode, fmt.Errorf("colly response failed: %w", state.err)
		}
		return state.statusCode, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
