// Package cmd defines the CLI commands for the scrape-gateway executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/server"
)

type cfgKeyType string

const cfgKey cfgKeyType = "config"

// newRootCmd creates the root command. Configuration is loaded once before
// any subcommand runs and handed down through the command context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrape-gateway",
		Short: "Authenticated, metered HTTP gateway for scraping, crawling and mapping web pages.",
		Long: `scrape-gateway exposes /v1/scrape, /v1/crawl and /v1/map behind API key
authentication, per-tenant rate limits, credit checks, a URL blocklist and
idempotency keys. Crawl jobs run on a bounded worker pool.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env vars use the SCRAPER_ prefix)")
	cmd.AddCommand(newServeCmd(), newCheckConfigCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and crawl workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			app, err := server.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printConfigSummary(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfigSummary(w io.Writer, cfg *config.Config) error {
	_, err := fmt.Fprintf(w,
		"config ok: port=%d key_store=%s credits=%s idempotency=%s workers=%d queue_depth=%d tracing=%t\n",
		cfg.Server.Port, cfg.Auth.KeyStore, cfg.Credits.Store, cfg.Idempotency.Store,
		cfg.Crawler.Concurrency, cfg.Crawler.QueueDepth, cfg.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
