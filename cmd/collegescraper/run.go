package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/ledger"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/scraper"
	"github.com/aluiziolira/go-scrape-colleges/session"
	"github.com/aluiziolira/go-scrape-colleges/telemetry"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [category] [specialization] [city] [university]",
		Short: "Extract every college matching the filters; \"null\" leaves a filter unset.",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runExtraction(cmd.Context(), cfg, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.headless, "headless", false, "Run Chrome without a window (disables manual login)")
	flags.BoolVar(&opts.noResume, "no-resume", false, "Re-extract entities already present in the output")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "Maximum result pages to visit")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.StringVar(&opts.traceFile, "trace-file", "", "Write OpenTelemetry spans as JSON lines to this file")
	return cmd
}

func runExtraction(ctx context.Context, cfg *config.Config, opts *rootOptions, args []string) error {
	filters := parseFilters(args)
	base := baseFor(opts, filters)

	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		provider, err := telemetry.Setup(f, "collegescraper")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				slog.Error("trace shutdown failed", slog.Any("error", err))
			}
		}()
	}

	runs, err := ledger.Open(cfg.LedgerPath, cfg.StaleRunAfter)
	if err != nil {
		return err
	}
	defer runs.Close()
	run, err := runs.Begin(ctx, base, filters)
	if err != nil {
		return err
	}
	slog.Info("starting run",
		slog.String("run_id", run.ID),
		slog.String("filters", run.Filters),
		slog.String("base", base),
		slog.Int("max_pages", cfg.MaxPages),
	)

	result, runErr := extract(ctx, cfg, filters, base)
	if err := runs.Finish(context.WithoutCancel(ctx), run.ID, result, runErr); err != nil {
		slog.Error("record run outcome", slog.Any("error", err))
	}
	if result != nil {
		printSummary(os.Stdout, run.ID, result)
	}
	return runErr
}

func extract(ctx context.Context, cfg *config.Config, filters models.ScrapeFilters, base string) (*models.ScraperResult, error) {
	chrome, err := browser.NewChrome(browser.ChromeOptions{
		Headless:          cfg.Headless,
		ExecPath:          cfg.ChromePath,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := chrome.Close(); err != nil {
			slog.Error("close browser", slog.Any("error", err))
		}
	}()

	auth := session.New(cfg, chrome)
	auth.Resolver = session.NewDashboardResolver(cfg.UserAgent, cfg.PreflightTimeout)
	if cfg.ManualLogin && !cfg.Headless {
		auth.Prompter = session.LinePrompter{In: os.Stdin, Out: os.Stderr}
	}

	engine := scraper.NewEngine(cfg, chrome)
	engine.Auth = auth

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(engine.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	return engine.RunExtraction(ctx, filters, scraper.Request{
		OutputDir:          cfg.OutputDir,
		BaseFilename:       base,
		Formats:            cfg.Formats,
		ResumeFromExisting: cfg.Resume,
	})
}
