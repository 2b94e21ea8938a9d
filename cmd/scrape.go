package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/email-scraper/internal/config"
	"github.com/JakeFAU/email-scraper/internal/engine"
	"github.com/JakeFAU/email-scraper/internal/logging"
	"github.com/JakeFAU/email-scraper/internal/progress"
)

type scrapeOptions struct {
	file      string
	depth     int
	outDir    string
	verbose   bool
	noSpinner bool
}

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	so := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape [url...]",
		Short: "Scrape a batch of websites and write the CSV locally",
		Long: `scrape runs one batch in-process and prints the same progress lines the
API streams. URLs come from the arguments and/or --file (one per line, "-" for
stdin). The CSV is written to --out-dir. The command exits non-zero if the
task fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, opts.cfg, so, args)
		},
	}
	cmd.Flags().StringVarP(&so.file, "file", "f", "", `file with one URL per line ("-" reads stdin)`)
	cmd.Flags().IntVarP(&so.depth, "depth", "d", 0, "crawl depth (default crawler.max_depth_default)")
	cmd.Flags().StringVarP(&so.outDir, "out-dir", "o", ".", "directory for the results CSV")
	cmd.Flags().BoolVarP(&so.verbose, "verbose", "v", false, "emit service logs")
	cmd.Flags().BoolVar(&so.noSpinner, "no-spinner", false, "disable the progress spinner")
	return cmd
}

func runScrape(cmd *cobra.Command, cfg config.Config, so *scrapeOptions, args []string) error {
	text, err := readURLList(cmd.InOrStdin(), so.file)
	if err != nil {
		return err
	}
	req := engine.SubmitRequest{Text: text, URLs: args}
	if cmd.Flags().Changed("depth") {
		req.Depth = &so.depth
	}

	// One batch per process: exports stay in memory until copied out and the
	// janitor has nothing to do.
	cfg.Storage.Backend = config.StorageMemory
	cfg.Tasks.JanitorInterval = 0

	logger := logging.Quiet()
	if so.verbose {
		if logger, err = logging.New(cfg.Logging.Development); err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	a.Start(ctx)
	defer func() { _ = a.Close(ctx) }()

	eng := a.Engine()
	taskID, err := eng.Submit(ctx, req)
	if errors.Is(err, engine.ErrNoURLs) {
		return errors.New("no valid URLs to process")
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	events, err := eng.Subscribe(ctx, taskID, 0)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	last, err := follow(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), events, !so.noSpinner)
	if err != nil {
		return err
	}
	if last.Kind == progress.KindError {
		return fmt.Errorf("scrape failed: %s", last.Text)
	}
	dst := filepath.Join(so.outDir, last.Text)
	if err := saveExport(ctx, eng, last.Text, dst); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Results written to %s\n", dst)
	return nil
}

// follow prints progress lines until the terminal event and returns it.
func follow(ctx context.Context, out, spinOut io.Writer, events <-chan progress.Event, spin bool) (progress.Event, error) {
	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(spinOut))
	s.Suffix = " scraping"
	if spin {
		s.Start()
	}
	defer s.Stop()

	for evt := range events {
		if spin {
			s.Stop()
		}
		if evt.Kind.Terminal() {
			return evt, nil
		}
		fmt.Fprintln(out, evt.Text)
		if spin {
			s.Start()
		}
	}
	if err := ctx.Err(); err != nil {
		return progress.Event{}, fmt.Errorf("scrape interrupted: %w", err)
	}
	return progress.Event{}, errors.New("progress stream ended without a result")
}

func saveExport(ctx context.Context, eng *engine.Engine, name, dst string) error {
	rc, err := eng.Download(ctx, name)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// readURLList returns the raw text of path, or of stdin for "-". An empty
// path yields no text.
func readURLList(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch strings.TrimSpace(path) {
	case "":
		return "", nil
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read url list: %w", err)
	}
	return string(data), nil
}
