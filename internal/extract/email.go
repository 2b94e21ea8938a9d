// Package extract finds email addresses in fetched page content.
package extract

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxAddressLen is the longest address accepted (RFC 5321 path limit).
const maxAddressLen = 254

// The leading group keeps matches from starting mid-token; the trailing \b
// keeps the TLD from running into word characters.
var emailPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.%+\-])([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`)

// DefaultIgnoredDomains are placeholder domains that show up in templates and
// error trackers rather than as real contacts. Subdomains are ignored too.
var DefaultIgnoredDomains = []string{"example.com", "yourdomain.com", "sentry.io"}

// DefaultIgnoredAddresses are placeholder addresses on otherwise real domains.
var DefaultIgnoredAddresses = []string{"email@domain.com"}

var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp", ".tiff"}

// Config controls filtering.
type Config struct {
	IgnoredDomains   []string
	IgnoredAddresses []string
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	ignored   []string
	addresses map[string]struct{}
}

// New builds an Extractor. Nil lists fall back to DefaultIgnoredDomains and
// DefaultIgnoredAddresses.
func New(cfg Config) *Extractor {
	domains := cfg.IgnoredDomains
	if domains == nil {
		domains = DefaultIgnoredDomains
	}
	addresses := cfg.IgnoredAddresses
	if addresses == nil {
		addresses = DefaultIgnoredAddresses
	}
	e := &Extractor{
		ignored:   cleanList(domains),
		addresses: make(map[string]struct{}, len(addresses)),
	}
	for _, a := range cleanList(addresses) {
		e.addresses[a] = struct{}{}
	}
	return e
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Extract returns the distinct lower-cased addresses found in content, sorted.
// HTML is reduced to its text nodes plus mailto targets; anything the HTML
// parser rejects is scanned as raw text.
func (e *Extractor) Extract(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	set := make(map[string]struct{})
	for _, chunk := range textChunks(content) {
		e.scan(chunk, set)
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (e *Extractor) scan(text string, set map[string]struct{}) {
	for _, m := range emailPattern.FindAllStringSubmatch(text, -1) {
		addr := strings.ToLower(strings.TrimLeft(m[1], "."))
		if e.accept(addr) {
			set[addr] = struct{}{}
		}
	}
}

func (e *Extractor) accept(addr string) bool {
	if len(addr) > maxAddressLen || strings.Count(addr, "@") != 1 {
		return false
	}
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return false
	}
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(addr, suffix) {
			return false
		}
	}
	if _, ok := e.addresses[addr]; ok {
		return false
	}
	domain := addr[at+1:]
	for _, d := range e.ignored {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return false
		}
	}
	return true
}

func textChunks(content []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return []string{string(content)}
	}
	var sb strings.Builder
	for _, n := range doc.Nodes {
		collectText(n, &sb)
	}
	chunks := []string{sb.String()}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if target, ok := mailtoTarget(href); ok {
			chunks = append(chunks, target)
		}
	})
	return chunks
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func mailtoTarget(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if len(href) < len("mailto:") || !strings.EqualFold(href[:len("mailto:")], "mailto:") {
		return "", false
	}
	target := href[len("mailto:"):]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	return " " + target + " ", target != ""
}
