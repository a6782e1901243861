package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero max pages",
			mutate: func(cfg *Config) {
				cfg.MaxPages = 0
			},
			wantErr: "max pages",
		},
		{
			name: "empty search url",
			mutate: func(cfg *Config) {
				cfg.SearchURL = ""
			},
			wantErr: "search URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.EntryURL = "http://"
			},
			wantErr: "entry URL",
		},
		{
			name: "negative wait timeout",
			mutate: func(cfg *Config) {
				cfg.WaitTimeout = -1 * time.Second
			},
			wantErr: "wait timeout",
		},
		{
			name: "no formats",
			mutate: func(cfg *Config) {
				cfg.Formats = nil
			},
			wantErr: "format",
		},
		{
			name: "headless without credentials",
			mutate: func(cfg *Config) {
				cfg.Headless = true
			},
			wantErr: "credentials",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = time.Minute
			},
			wantErr: "retry backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadMergesLocalOverrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "scraper.json5")
	local := filepath.Join(dir, "scraper.local.json5")

	if err := os.WriteFile(base, []byte(`{
		// shared settings
		max_pages: 3,
		settle_interval: "750ms",
		formats: "csv",
		email: "shared@example.test",
	}`), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.WriteFile(local, []byte(`{email: "me@example.test", password: "secret", headless: true}`), 0o644); err != nil {
		t.Fatalf("write local: %v", err)
	}

	cfg, err := Load(base)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxPages != 3 {
		t.Fatalf("max pages = %d, want 3", cfg.MaxPages)
	}
	if cfg.SettleInterval != 750*time.Millisecond {
		t.Fatalf("settle interval = %v", cfg.SettleInterval)
	}
	if cfg.Email != "me@example.test" || cfg.Password != "secret" {
		t.Fatalf("credentials not overridden: %q", cfg.Email)
	}
	if !cfg.Headless {
		t.Fatalf("headless should be set from local file")
	}
	if diff := cmp.Diff([]models.Format{models.FormatTable}, cfg.Formats); diff != "" {
		t.Fatalf("formats mismatch (-want +got):\n%s", diff)
	}
	if cfg.WaitTimeout != DefaultConfig().WaitTimeout {
		t.Fatalf("unset field should keep default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.json5")
	if err := os.WriteFile(path, []byte(`{scroll_pause: "soon"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COLLEGE_SCRAPER_EMAIL", "env@example.test")
	t.Setenv("COLLEGE_SCRAPER_MAX_PAGES", "4")
	t.Setenv("COLLEGE_SCRAPER_HEADLESS", "true")

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Email != "env@example.test" || cfg.MaxPages != 4 || !cfg.Headless {
		t.Fatalf("env not applied: %+v", cfg)
	}

	t.Setenv("COLLEGE_SCRAPER_MAX_PAGES", "many")
	if err := ApplyEnv(cfg); err == nil {
		t.Fatalf("expected error for non-numeric max pages")
	}
}
