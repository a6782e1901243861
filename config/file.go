package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// File is the on-disk shape of a configuration file. Durations are strings
// such as "500ms"; unset fields keep their defaults.
type File struct {
	EntryURL           string `json:"entry_url"`
	DashboardURL       string `json:"dashboard_url"`
	SearchURL          string `json:"search_url"`
	SearchToken        string `json:"search_token"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	Headless           *bool  `json:"headless"`
	ManualLogin        *bool  `json:"manual_login"`
	ManualLoginTimeout string `json:"manual_login_timeout"`
	ChromePath         string `json:"chrome_path"`
	UserAgent          string `json:"user_agent"`

	MaxPages         int    `json:"max_pages"`
	MaxScrolls       int    `json:"max_scrolls"`
	ScrollPause      string `json:"scroll_pause"`
	SettleInterval   string `json:"settle_interval"`
	WaitTimeout      string `json:"wait_timeout"`
	NavigationDelay  string `json:"navigation_delay"`
	DropdownAttempts int    `json:"dropdown_attempts"`
	ItemAttempts     int    `json:"item_attempts"`

	OutputDir      string `json:"output_dir"`
	DiagnosticsDir string `json:"diagnostics_dir"`
	Formats        string `json:"formats"`
	Resume         *bool  `json:"resume"`
	LedgerPath     string `json:"ledger_path"`
	MetricsAddr    string `json:"metrics_addr"`
	TraceFile      string `json:"trace_file"`
}

// Load returns the defaults overlaid with name and name.local (same extension).
// A missing file is not an error.
func Load(name string) (*Config, error) {
	cfg := DefaultConfig()
	if name == "" {
		return cfg, nil
	}

	file, err := readLayered[File](name)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", name, err)
	}
	if err := file.apply(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return cfg, nil
}

func (f File) apply(cfg *Config) error {
	setString(&cfg.EntryURL, f.EntryURL)
	setString(&cfg.DashboardURL, f.DashboardURL)
	setString(&cfg.SearchURL, f.SearchURL)
	setString(&cfg.SearchToken, f.SearchToken)
	setString(&cfg.Email, f.Email)
	setString(&cfg.Password, f.Password)
	setString(&cfg.ChromePath, f.ChromePath)
	setString(&cfg.UserAgent, f.UserAgent)
	setString(&cfg.OutputDir, f.OutputDir)
	setString(&cfg.DiagnosticsDir, f.DiagnosticsDir)
	setString(&cfg.LedgerPath, f.LedgerPath)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	setString(&cfg.TraceFile, f.TraceFile)

	if f.Headless != nil {
		cfg.Headless = *f.Headless
	}
	if f.ManualLogin != nil {
		cfg.ManualLogin = *f.ManualLogin
	}
	if f.Resume != nil {
		cfg.Resume = *f.Resume
	}

	setInt(&cfg.MaxPages, f.MaxPages)
	setInt(&cfg.MaxScrolls, f.MaxScrolls)
	setInt(&cfg.DropdownAttempts, f.DropdownAttempts)
	setInt(&cfg.ItemAttempts, f.ItemAttempts)

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.ManualLoginTimeout, &cfg.ManualLoginTimeout},
		{f.ScrollPause, &cfg.ScrollPause},
		{f.SettleInterval, &cfg.SettleInterval},
		{f.WaitTimeout, &cfg.WaitTimeout},
		{f.NavigationDelay, &cfg.NavigationDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	if f.Formats != "" {
		formats, err := models.ParseFormats(f.Formats)
		if err != nil {
			return err
		}
		cfg.Formats = formats
	}
	return nil
}

// ApplyEnv overlays COLLEGE_SCRAPER_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("COLLEGE_SCRAPER_EMAIL"); ok {
		cfg.Email = v
	}
	if v, ok := EnvString("COLLEGE_SCRAPER_PASSWORD"); ok {
		cfg.Password = v
	}
	if v, ok := EnvString("COLLEGE_SCRAPER_OUTPUT_DIR"); ok {
		cfg.OutputDir = v
	}
	if v, ok := EnvString("COLLEGE_SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := EnvString("CHROME_PATH"); ok {
		cfg.ChromePath = v
	}
	if v, ok, err := EnvBool("COLLEGE_SCRAPER_HEADLESS"); err != nil {
		return fmt.Errorf("invalid COLLEGE_SCRAPER_HEADLESS: %w", err)
	} else if ok {
		cfg.Headless = v
	}
	if v, ok, err := EnvInt("COLLEGE_SCRAPER_MAX_PAGES"); err != nil {
		return fmt.Errorf("invalid COLLEGE_SCRAPER_MAX_PAGES: %w", err)
	} else if ok {
		cfg.MaxPages = v
	}
	return nil
}

// EnvString reads a non-empty environment variable.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment variable.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// EnvBool reads a boolean environment variable.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, err
	}
	return value, true, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// readLayered merges <name>.<ext> with <name>.local.<ext>, the local file
// winning. It returns os.ErrNotExist when neither exists.
func readLayered[T any](name string) (T, error) {
	var out T
	found := false

	ext := filepath.Ext(name)
	localPath := strings.TrimSuffix(name, ext) + ".local" + ext

	base, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(base) > 0 {
		if err := json5.Unmarshal(base, &out); err != nil {
			return out, err
		}
		found = true
	}

	local, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(local) > 0 {
		var override T
		if err := json5.Unmarshal(local, &override); err != nil {
			return out, err
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return out, err
		}
		slog.Debug("merged local config overrides", slog.String("path", localPath))
		found = true
	}

	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}
