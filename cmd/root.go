// Package cmd implements the email-scraper command line: a long-running API
// server and a one-shot scrape command.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/app"
	"github.com/JakeFAU/email-scraper/internal/config"
)

// rootOptions is shared by every subcommand. PersistentPreRunE fills cfg
// after flags are parsed.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
	cfg     config.Config
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "email-scraper",
		Short: "Collect contact email addresses from batches of websites.",
		Long: `email-scraper visits each submitted website's homepage and, when asked,
a handful of likely contact pages, and gathers the email addresses it finds
into a CSV file. Run "serve" for the HTTP API with live progress streams, or
"scrape" for a one-off batch from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(opts.v, opts.cfgFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newServeCmd(opts), newScrapeCmd(opts))
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
