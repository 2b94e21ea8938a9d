package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/app"
	"github.com/JakeFAU/email-scraper/internal/config"
)

func useIsolatedApp(t *testing.T) {
	t.Helper()
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		cfg.Crawler.PoliteDelay = 0
		return app.New(ctx, cfg, logger, app.WithRegisterer(prometheus.NewRegistry()))
	}
	t.Cleanup(func() { newApp = orig })
}

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeCommandWritesCSV(t *testing.T) {
	useIsolatedApp(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<p>team@farm.test</p>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out, err := runRoot(t, srv.URL+"\n", "scrape", "--no-spinner", "-f", "-", "-d", "0", "-o", dir)
	require.NoError(t, err)
	require.Contains(t, out, "Task initiated.\n")
	require.Contains(t, out, "--- Processing website 1/1: "+srv.URL+" ---\n")
	require.Contains(t, out, "  Successfully scraped 1 email(s) from "+srv.URL+": team@farm.test\n")
	require.Contains(t, out, "Scraping complete. Results saved to server: scraped_emails_")

	matches, err := filepath.Glob(filepath.Join(dir, "scraped_emails_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Contains(t, out, "Results written to "+matches[0])
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, "Website,Emails Found\n"+srv.URL+",team@farm.test\n", string(data))
}

func TestScrapeCommandWithoutURLs(t *testing.T) {
	useIsolatedApp(t)

	_, err := runRoot(t, "", "scrape", "--no-spinner", "-o", t.TempDir())
	require.EqualError(t, err, "no valid URLs to process")
}

func TestScrapeCommandMissingFile(t *testing.T) {
	useIsolatedApp(t)

	_, err := runRoot(t, "", "scrape", "-f", filepath.Join(t.TempDir(), "nope.txt"))
	require.ErrorContains(t, err, "read url list")
}

func TestRootRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawler:\n  task_concurrency: 0\n"), 0o600))

	_, err := runRoot(t, "", "--config", path, "scrape", "a.test")
	require.ErrorContains(t, err, "crawler.task_concurrency must be > 0")
}

func TestReadURLList(t *testing.T) {
	text, err := readURLList(strings.NewReader("a.test\nb.test\n"), "-")
	require.NoError(t, err)
	require.Equal(t, "a.test\nb.test\n", text)

	text, err = readURLList(nil, "")
	require.NoError(t, err)
	require.Empty(t, text)

	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("c.test"), 0o600))
	text, err = readURLList(nil, path)
	require.NoError(t, err)
	require.Equal(t, "c.test", text)
}
