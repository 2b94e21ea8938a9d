package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scrape worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(opts.cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			return a.Serve(ctx)
		},
	}

	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	cmd.Flags().Int("workers", 0, "concurrent tasks (overrides crawler.task_concurrency)")
	bindFlag(opts, cmd, "server.port", "port")
	bindFlag(opts, cmd, "crawler.task_concurrency", "workers")
	return cmd
}

// bindFlag lets an explicitly set flag override the config key.
func bindFlag(opts *rootOptions, cmd *cobra.Command, key, flag string) {
	if err := opts.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
