package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/ledger"
	"github.com/aluiziolira/go-scrape-colleges/models"
)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want models.ScrapeFilters
	}{
		{name: "none", args: nil, want: models.ScrapeFilters{}},
		{
			name: "null tokens",
			args: []string{"Engineering", "null", " Delhi ", "NULL"},
			want: models.ScrapeFilters{CourseCategory: "Engineering", City: "Delhi"},
		},
		{
			name: "partial",
			args: []string{"Management", "Finance"},
			want: models.ScrapeFilters{CourseCategory: "Management", Specialization: "Finance"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, parseFilters(tt.args)); diff != "" {
				t.Fatalf("filters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COLLEGE_SCRAPER_MAX_PAGES", "7")

	opts := &rootOptions{}
	root := newRootCmd(opts)
	var cfg *config.Config
	for _, sub := range root.Commands() {
		if sub.Name() != "run" {
			continue
		}
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd, opts)
			return err
		}
	}
	root.SetArgs([]string{
		"run", "Engineering",
		"--config", filepath.Join(dir, "missing.json5"),
		"--format", "jsonl",
		"--output-dir", dir,
		"--no-resume",
		"--max-pages", "3",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if cfg.MaxPages != 3 || cfg.OutputDir != dir || cfg.Resume {
		t.Fatalf("cfg = max pages %d, output %q, resume %v", cfg.MaxPages, cfg.OutputDir, cfg.Resume)
	}
	if diff := cmp.Diff([]models.Format{models.FormatStream}, cfg.Formats); diff != "" {
		t.Fatalf("formats mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEnvWithoutFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COLLEGE_SCRAPER_MAX_PAGES", "7")
	t.Setenv("COLLEGE_SCRAPER_OUTPUT_DIR", dir)

	opts := &rootOptions{configPath: filepath.Join(dir, "missing.json5")}
	cmd := newRunCmd(opts)
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxPages != 7 || cfg.OutputDir != dir || !cfg.Resume {
		t.Fatalf("cfg = max pages %d, output %q, resume %v", cfg.MaxPages, cfg.OutputDir, cfg.Resume)
	}
}

func TestBaseFor(t *testing.T) {
	filters := models.ScrapeFilters{CourseCategory: "Engineering", City: "New Delhi"}
	if got := baseFor(&rootOptions{}, filters); got != "Engineering_New_Delhi" {
		t.Fatalf("derived base = %q", got)
	}
	if got := baseFor(&rootOptions{base: "custom"}, filters); got != "custom" {
		t.Fatalf("explicit base = %q", got)
	}
}

func TestRenderRunsAndSummary(t *testing.T) {
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderRuns(&buf, []ledger.Run{{
		ID:         "01HX",
		Status:     ledger.StatusSucceeded,
		Filters:    "Engineering/null/Delhi/null",
		Base:       "Engineering_Delhi",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Pages:      3,
		NewRecords: 41,
	}})
	for _, want := range []string{"01HX", "succeeded", "Engineering/null/Delhi/null", "1m30s", "41"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("runs table missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	printSummary(&buf, "01HX", &models.ScraperResult{
		StartTime:    started,
		EndTime:      started.Add(time.Minute),
		PageCount:    2,
		NewRecords:   5,
		OutputFiles:  map[models.Format]string{models.FormatStream: "out/x.jsonl"},
		SnapshotFile: "out/x.json",
		ErrorsByType: map[string]int{"item_interaction": 2},
	})
	for _, want := range []string{"Extraction 01HX", "out/x.jsonl", "out/x.json", "Errors: item_interaction"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("summary missing %q:\n%s", want, buf.String())
		}
	}
}
