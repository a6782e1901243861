package main

import (
	"io"
	"os"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-colleges/ledger"
	"github.com/aluiziolira/go-scrape-colleges/models"
)

func newRunsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent extraction runs from the ledger.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			l, err := ledger.Open(cfg.LedgerPath, cfg.StaleRunAfter)
			if err != nil {
				return err
			}
			defer l.Close()

			runs, err := l.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderRuns(os.Stdout, runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func renderRuns(w io.Writer, runs []ledger.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Status", "Filters", "Base", "Started", "Duration", "Pages", "New", "Error"})
	for _, r := range runs {
		duration := ""
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{r.ID, r.Status, r.Filters, r.Base, r.StartedAt.Format(time.DateTime), duration, r.Pages, r.NewRecords, r.Error})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func printSummary(w io.Writer, runID string, result *models.ScraperResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Extraction " + runID)
	t.AppendRows([]table.Row{
		{"Pages", result.PageCount},
		{"Cards seen", result.CardCount},
		{"Skipped (already captured)", result.SkippedCount},
		{"Failed cards", result.FailedCards},
		{"New records", result.NewRecords},
		{"Programs", result.ProgramCount},
		{"Consolidated entities", result.Consolidated},
		{"Duration", result.EndTime.Sub(result.StartTime).Round(time.Millisecond)},
	})
	for _, f := range models.AllFormats {
		if path, ok := result.OutputFiles[f]; ok {
			t.AppendRow(table.Row{"Output (" + string(f) + ")", path})
		}
	}
	if result.SnapshotFile != "" {
		t.AppendRow(table.Row{"Snapshot", result.SnapshotFile})
	}
	if len(result.ErrorsByType) > 0 {
		t.AppendSeparator()
		for _, label := range sortedKeys(result.ErrorsByType) {
			t.AppendRow(table.Row{"Errors: " + label, result.ErrorsByType[label]})
		}
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
