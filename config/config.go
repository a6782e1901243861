package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// Config holds scraper configuration.
type Config struct {
	// EntryURL is the public landing page where a session starts.
	EntryURL string
	// DashboardURL is navigated to directly when no dashboard control is found.
	DashboardURL string
	// SearchURL is the search surface prefix. Every result page must start with it.
	SearchURL   string
	SearchToken string

	Email              string
	Password           string
	Headless           bool
	ManualLogin        bool
	ManualLoginTimeout time.Duration
	ChromePath         string
	UserAgent          string

	MaxPages     int
	MaxScrolls   int
	ScrollPause  time.Duration
	StableChecks int
	JiggleEvery  int
	JiggleOffset int64

	SettleInterval    time.Duration
	PollInterval      time.Duration
	WaitTimeout       time.Duration
	NavigationTimeout time.Duration
	LoginTimeout      time.Duration
	CardsTimeout      time.Duration
	PreflightTimeout  time.Duration
	DropdownAttempts  int
	ItemAttempts      int
	MaxRetries        int
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	NavigationDelay   time.Duration

	OutputDir      string
	DiagnosticsDir string
	Formats        []models.Format
	Resume         bool
	LedgerPath     string
	StaleRunAfter  time.Duration
	MetricsAddr    string
	TraceFile      string
}

// DefaultConfig returns conservative defaults for the production target.
func DefaultConfig() *Config {
	return &Config{
		EntryURL:           "https://careerzoom.edumilestones.com/",
		DashboardURL:       "https://careertest.edumilestones.com/student-dashboard/",
		SearchURL:          "https://careertest.edumilestones.com/india-colleges/",
		SearchToken:        "MTgyMA%3D%3D",
		Headless:           false,
		ManualLogin:        true,
		ManualLoginTimeout: 5 * time.Minute,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",

		MaxPages:     10,
		MaxScrolls:   50,
		ScrollPause:  2 * time.Second,
		StableChecks: 3,
		JiggleEvery:  5,
		JiggleOffset: 500,

		SettleInterval:    500 * time.Millisecond,
		PollInterval:      250 * time.Millisecond,
		WaitTimeout:       10 * time.Second,
		NavigationTimeout: 60 * time.Second,
		LoginTimeout:      30 * time.Second,
		CardsTimeout:      20 * time.Second,
		PreflightTimeout:  10 * time.Second,
		DropdownAttempts:  3,
		ItemAttempts:      2,
		MaxRetries:        2,
		RetryBackoff:      500 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		NavigationDelay:   time.Second,

		OutputDir:      "output",
		DiagnosticsDir: "output/diagnostics",
		Formats:        []models.Format{models.FormatTable, models.FormatStream},
		Resume:         true,
		LedgerPath:     "output/runs.db",
		StaleRunAfter:  6 * time.Hour,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"entry": c.EntryURL, "dashboard": c.DashboardURL, "search": c.SearchURL} {
		if raw == "" {
			return fmt.Errorf("%s URL cannot be empty", name)
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s URL must include a host", name)
		}
	}
	if c.SearchToken == "" {
		return fmt.Errorf("search token cannot be empty")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxScrolls <= 0 {
		return fmt.Errorf("max scrolls must be positive")
	}
	if c.StableChecks <= 0 {
		return fmt.Errorf("stable checks must be positive")
	}
	if c.JiggleEvery < 0 || c.JiggleOffset < 0 {
		return fmt.Errorf("jiggle settings cannot be negative")
	}
	if c.DropdownAttempts <= 0 {
		return fmt.Errorf("dropdown attempts must be positive")
	}
	if c.ItemAttempts <= 0 {
		return fmt.Errorf("item attempts must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	for name, d := range map[string]time.Duration{
		"scroll pause":     c.ScrollPause,
		"settle interval":  c.SettleInterval,
		"poll interval":    c.PollInterval,
		"navigation delay": c.NavigationDelay,
		"retry backoff":    c.RetryBackoff,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"wait timeout":       c.WaitTimeout,
		"navigation timeout": c.NavigationTimeout,
		"login timeout":      c.LoginTimeout,
		"cards timeout":      c.CardsTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if len(c.Formats) == 0 {
		return fmt.Errorf("at least one output format is required")
	}
	for _, f := range c.Formats {
		if f != models.FormatTable && f != models.FormatStream {
			return fmt.Errorf("output format must be table or stream, got %q", f)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Headless && c.Email == "" {
		return fmt.Errorf("headless runs need credentials: manual login is unavailable")
	}

	return nil
}
