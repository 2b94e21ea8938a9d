package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/metrics"
)

// DefaultCandidates are the secondary page paths tried when depth >= 1. They
// double as the keywords used to discover matching links on the homepage.
var DefaultCandidates = []string{"contact", "contact-us", "contactus", "about", "about-us", "aboutus", "support"}

// Reporter receives human-readable progress lines.
type Reporter func(line string)

// SiteCrawlerConfig configures a SiteCrawler.
type SiteCrawlerConfig struct {
	// Candidates overrides DefaultCandidates when non-empty.
	Candidates []string
}

// SiteCrawler visits one site's homepage and, depending on depth, a bounded
// set of secondary pages, collecting email addresses along the way.
type SiteCrawler struct {
	fetcher    Fetcher
	extractor  Extractor
	pacer      Pacer
	candidates []string
	logger     *zap.Logger
}

// NewSiteCrawler wires a SiteCrawler. pacer may be nil to disable pacing.
func NewSiteCrawler(
	fetcher Fetcher,
	extractor Extractor,
	pacer Pacer,
	cfg SiteCrawlerConfig,
	logger *zap.Logger,
) *SiteCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := make([]string, 0, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		c = strings.Trim(strings.ToLower(strings.TrimSpace(c)), "/")
		if c != "" {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, DefaultCandidates...)
	}
	return &SiteCrawler{
		fetcher:    fetcher,
		extractor:  extractor,
		pacer:      pacer,
		candidates: candidates,
		logger:     logger,
	}
}

// Candidates returns the configured secondary page paths.
func (c *SiteCrawler) Candidates() []string {
	return append([]string(nil), c.candidates...)
}

// Crawl fetches the seed's homepage and, when depth >= 1, each candidate page
// at most once. A failed homepage ends the crawl with OutcomeFetchError; failed
// secondary pages are reported and skipped. The context is checked between
// fetches.
func (c *SiteCrawler) Crawl(ctx context.Context, seed string, depth int, report Reporter) SiteResult {
	if report == nil {
		report = func(string) {}
	}
	result := c.crawl(ctx, seed, depth, report)
	metrics.ObserveSite(string(result.Outcome), len(result.Emails))
	return result
}

func (c *SiteCrawler) crawl(ctx context.Context, seed string, depth int, report Reporter) SiteResult {
	logger := c.logger.With(zap.String("task_id", TaskIDFrom(ctx)), zap.String("url", seed))
	result := SiteResult{SeedURL: seed}

	seedURL, err := ParseSeed(seed)
	if err != nil {
		report(fmt.Sprintf("Skipping invalid base URL: %s", seed))
		logger.Warn("invalid seed url", zap.Error(err))
		result.Outcome = OutcomeFetchError
		result.Error = err.Error()
		return result
	}

	report(fmt.Sprintf("Starting scrape for: %s with depth %d", seed, depth))
	emails := make(map[string]struct{})
	visited := make(map[string]struct{})
	markVisited(visited, seedURL.String())

	report(fmt.Sprintf("Scraping (Homepage): %s", seedURL))
	home, err := c.fetchPage(ctx, seedURL.String(), 0)
	if err != nil {
		report(fmt.Sprintf("  Error scraping %s: %v", seedURL, err))
		logger.Info("homepage fetch failed", zap.Error(err))
		result.Outcome = OutcomeFetchError
		result.Error = err.Error()
		return result
	}
	result.PagesFetched++
	markVisited(visited, home.FinalURL)
	c.collect(home, emails, report)

	if depth >= 1 {
		for _, target := range c.secondaryTargets(home, seedURL, visited, report) {
			if ctx.Err() != nil {
				break
			}
			if !markVisited(visited, target) {
				continue
			}
			report(fmt.Sprintf("Scraping (Target Page): %s", target))
			page, err := c.fetchPage(ctx, target, 1)
			if err != nil {
				report(fmt.Sprintf("  Error scraping %s: %v", target, err))
				logger.Debug("secondary fetch failed", zap.String("target", target), zap.Error(err))
				continue
			}
			result.PagesFetched++
			c.collect(page, emails, report)
		}
	}

	result.Emails = sortedSet(emails)
	if len(result.Emails) == 0 {
		result.Outcome = OutcomeNoEmails
	} else {
		result.Outcome = OutcomeOK
	}
	logger.Debug("site crawled",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("emails", len(result.Emails)),
		zap.Int("pages", result.PagesFetched),
	)
	return result
}

func (c *SiteCrawler) fetchPage(ctx context.Context, rawURL string, depth int) (Page, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, rawURL); err != nil {
			return Page{}, fmt.Errorf("politeness wait: %w", err)
		}
	}
	page, err := c.fetcher.Fetch(ctx, FetchRequest{TaskID: TaskIDFrom(ctx), URL: rawURL, Depth: depth})
	status := "ok"
	if err != nil {
		status = string(FetchErrNetwork)
		var fe *FetchError
		if errors.As(err, &fe) {
			status = string(fe.Kind)
		}
	}
	metrics.ObservePage(rawURL, status, len(page.Body))
	if err != nil {
		return Page{}, err
	}
	if page.FinalURL == "" {
		page.FinalURL = rawURL
	}
	return page, nil
}

func (c *SiteCrawler) collect(page Page, emails map[string]struct{}, report Reporter) {
	found := c.extractor.Extract(page.Body)
	if len(found) == 0 {
		return
	}
	report(fmt.Sprintf("  Found emails: %s on %s", strings.Join(found, ", "), page.FinalURL))
	for _, addr := range found {
		emails[addr] = struct{}{}
	}
}

// secondaryTargets returns at most one URL per candidate keyword: a matching
// same-host link from the homepage when it points somewhere new, the static
// path otherwise. A page already visited or planned is never returned twice.
func (c *SiteCrawler) secondaryTargets(
	home Page,
	seed *url.URL,
	visited map[string]struct{},
	report Reporter,
) []string {
	report(fmt.Sprintf("  Searching for target pages on %s...", home.FinalURL))
	discovered := c.discoverLinks(home, seed)

	planned := make(map[string]struct{}, len(visited)+len(c.candidates))
	for key := range visited {
		planned[key] = struct{}{}
	}
	queued := false
	targets := make([]string, 0, len(c.candidates))
	for _, keyword := range c.candidates {
		if link, ok := discovered[keyword]; ok && markVisited(planned, link) {
			report(fmt.Sprintf("    Queued target page: %s", link))
			queued = true
			targets = append(targets, link)
			continue
		}
		if static := ResolveCandidate(seed, keyword); markVisited(planned, static) {
			targets = append(targets, static)
		}
	}
	if !queued {
		report(fmt.Sprintf("  No new target pages found or queued from %s.", home.FinalURL))
	}
	return targets
}

func (c *SiteCrawler) discoverLinks(home Page, seed *url.URL) map[string]string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(home.Body))
	if err != nil {
		return nil
	}
	base, err := url.Parse(home.FinalURL)
	if err != nil {
		base = seed
	}

	found := make(map[string]string)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		lowerHref := strings.ToLower(href)
		if href == "" || strings.HasPrefix(lowerHref, "mailto:") || strings.HasPrefix(lowerHref, "javascript:") {
			return
		}
		text := strings.ToLower(s.Text())
		for _, keyword := range c.candidates {
			if _, taken := found[keyword]; taken {
				continue
			}
			if !strings.Contains(lowerHref, keyword) && !strings.Contains(text, keyword) {
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			target := base.ResolveReference(ref)
			if (target.Scheme != "http" && target.Scheme != "https") || !sameHost(target, seed) {
				return
			}
			target.Fragment = ""
			found[keyword] = target.String()
			return
		}
	})
	return found
}

// markVisited records rawURL and reports whether it was new.
func markVisited(visited map[string]struct{}, rawURL string) bool {
	key := visitKey(rawURL)
	if _, ok := visited[key]; ok {
		return false
	}
	visited[key] = struct{}{}
	return true
}

func visitKey(rawURL string) string {
	if normalized, err := NormalizeURL(rawURL); err == nil {
		return normalized
	}
	return rawURL
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
