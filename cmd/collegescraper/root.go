package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/models"
)

type rootOptions struct {
	configPath string
	verbose    bool

	formats     string
	headless    bool
	outputDir   string
	base        string
	noResume    bool
	maxPages    int
	metricsAddr string
	ledgerPath  string
	traceFile   string
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "collegescraper",
		Short:         "Resumable college and program extraction.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger, level := newLogger(opts.verbose)
			slog.SetDefault(logger)
			slog.SetLogLoggerLevel(level.Level())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "collegescraper.json5", "Config file; <name>.local.json5 overrides it")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&opts.formats, "format", "", "Output formats: table, stream or both")
	flags.StringVar(&opts.outputDir, "output-dir", "", "Directory for output files")
	flags.StringVar(&opts.base, "base", "", "Output base filename (default derived from filters)")
	flags.StringVar(&opts.ledgerPath, "ledger", "", "Run ledger database path")

	root.AddCommand(newRunCmd(opts), newFinalizeCmd(opts), newRunsCmd(opts))
	return root
}

// loadConfig layers defaults, the config file, the environment and explicitly
// set flags, in that order.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("format") {
		formats, err := models.ParseFormats(opts.formats)
		if err != nil {
			return nil, err
		}
		cfg.Formats = formats
	}
	if changed("output-dir") {
		cfg.OutputDir = opts.outputDir
	}
	if changed("ledger") {
		cfg.LedgerPath = opts.ledgerPath
	}
	if changed("headless") {
		cfg.Headless = opts.headless
	}
	if changed("no-resume") {
		cfg.Resume = !opts.noResume
	}
	if changed("max-pages") {
		cfg.MaxPages = opts.maxPages
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if changed("trace-file") {
		cfg.TraceFile = opts.traceFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseFilters maps positional arguments to filters; "null" or "" leaves a
// filter unset.
func parseFilters(args []string) models.ScrapeFilters {
	value := func(i int) string {
		if i >= len(args) {
			return ""
		}
		v := strings.TrimSpace(args[i])
		if strings.EqualFold(v, "null") {
			return ""
		}
		return v
	}
	return models.ScrapeFilters{
		CourseCategory: value(0),
		Specialization: value(1),
		City:           value(2),
		University:     value(3),
	}
}

func baseFor(opts *rootOptions, filters models.ScrapeFilters) string {
	if opts.base != "" {
		return opts.base
	}
	return filters.BaseFilename()
}
