package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/scraper"
)

func newFinalizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize [category] [specialization] [city] [university]",
		Short: "Deduplicate existing output files and rewrite the consolidated snapshot.",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			base := baseFor(opts, parseFilters(args))

			consolidated, err := scraper.Finalize(cfg.OutputDir, base, cfg.Formats)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Output", "Path"})
			for _, f := range models.AllFormats {
				if path, ok := consolidated.Files[f]; ok {
					t.AppendRow(table.Row{string(f), path})
				}
			}
			t.AppendRow(table.Row{"snapshot", consolidated.SnapshotPath})
			t.AppendFooter(table.Row{"Entities", fmt.Sprintf("%d (%d unreadable rows skipped)", len(consolidated.Entities), consolidated.Skipped)})
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
}
