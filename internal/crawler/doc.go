// Package crawler holds the scrape domain: task and result types, the
// interfaces the engine depends on, fetch error classification, and the
// SiteCrawler that walks one site's homepage and candidate pages.
package crawler
