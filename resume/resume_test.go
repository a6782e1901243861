package resume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/pipeline"
)

var both = []models.Format{models.FormatTable, models.FormatStream}

func TestIsCompleteRequiresEveryFormat(t *testing.T) {
	ix := New(both)
	ix.Mark(models.FormatTable, "Alpha College")

	if ix.IsComplete("alpha college") {
		t.Fatalf("entity present only in table must not be complete")
	}
	if diff := cmp.Diff([]models.Format{models.FormatStream}, ix.Missing("ALPHA COLLEGE ")); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}

	ix.Mark(models.FormatStream, "alpha college")
	if !ix.IsComplete("Alpha College") {
		t.Fatalf("entity present in both formats should be complete")
	}
	if ix.IsComplete("Beta College") {
		t.Fatalf("unknown entity reported complete")
	}
}

func TestIsCompleteWithoutFormats(t *testing.T) {
	ix := New(nil)
	ix.Mark(models.FormatTable, "Alpha College")
	if ix.IsComplete("Alpha College") {
		t.Fatalf("an index with no requested formats never completes")
	}
}

func TestLoadAfterAppendMarksComplete(t *testing.T) {
	dir := t.TempDir()
	p, err := pipeline.NewPersister(dir, "run", both)
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}
	rec := &models.EntityRecord{Name: "Alpha College", Location: "Pune"}
	for _, f := range both {
		if err := p.AppendOne(rec, f); err != nil {
			t.Fatalf("append %s: %v", f, err)
		}
	}

	// A fresh load stands in for a restarted process.
	ix, err := Load(dir, "run", both)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ix.IsComplete("alpha college") {
		t.Fatalf("appended entity should be complete after reload")
	}
	if ix.Len(models.FormatTable) != 1 || ix.Len(models.FormatStream) != 1 {
		t.Fatalf("lens = %d/%d", ix.Len(models.FormatTable), ix.Len(models.FormatStream))
	}
}

func TestLoadToleratesCorruptRows(t *testing.T) {
	dir := t.TempDir()
	csvContent := "name,location,category,total_programs,type,match_percentage,match_level,has_website_link,source_id\n" +
		"Alpha College,Pune,,,,,,No,1\n" +
		"only,three,columns\n" +
		"Beta College,Delhi,,,,,,No,2\n"
	jsonlContent := `{"name":"Alpha College"}` + "\n" +
		`{"name": broken` + "\n" +
		"\n" +
		`{"College Name":"Legacy College"}` + "\n"

	if err := os.WriteFile(filepath.Join(dir, "run.csv"), []byte(csvContent), 0o644); err != nil {
		t.Fatalf("seed csv: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.jsonl"), []byte(jsonlContent), 0o644); err != nil {
		t.Fatalf("seed jsonl: %v", err)
	}

	ix, err := Load(dir, "run", both)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Len(models.FormatTable) != 2 || ix.Skipped(models.FormatTable) != 1 {
		t.Fatalf("table len=%d skipped=%d", ix.Len(models.FormatTable), ix.Skipped(models.FormatTable))
	}
	if ix.Len(models.FormatStream) != 2 || ix.Skipped(models.FormatStream) != 1 {
		t.Fatalf("stream len=%d skipped=%d", ix.Len(models.FormatStream), ix.Skipped(models.FormatStream))
	}
	if !ix.IsComplete("Alpha College") {
		t.Fatalf("alpha should be complete")
	}
	if ix.IsComplete("Beta College") {
		t.Fatalf("beta is missing from the stream")
	}
}

func TestLoadLegacyTableHeader(t *testing.T) {
	dir := t.TempDir()
	content := "College Name,Location\nGamma College,Nagpur\n"
	if err := os.WriteFile(filepath.Join(dir, "old.csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ix, err := Load(dir, "old", []models.Format{models.FormatTable})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ix.IsComplete("gamma college") {
		t.Fatalf("legacy name column not recognised")
	}
}

func TestLoadDamagedTableHeader(t *testing.T) {
	table := []models.Format{models.FormatTable}
	tests := []struct {
		name        string
		seed        string
		wantSkipped int
	}{
		{name: "torn first write", seed: "name,loca", wantSkipped: 0},
		{name: "no name column", seed: "garbage\nAlpha College\n", wantSkipped: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "run.csv"), []byte(tt.seed), 0o644); err != nil {
				t.Fatalf("seed: %v", err)
			}

			ix, err := Load(dir, "run", table)
			if err != nil {
				t.Fatalf("load damaged file: %v", err)
			}
			if ix.Len(models.FormatTable) != 0 || ix.Skipped(models.FormatTable) != tt.wantSkipped {
				t.Fatalf("len=%d skipped=%d", ix.Len(models.FormatTable), ix.Skipped(models.FormatTable))
			}

			p, err := pipeline.NewPersister(dir, "run", table)
			if err != nil {
				t.Fatalf("new persister: %v", err)
			}
			if err := p.AppendOne(&models.EntityRecord{Name: "Alpha College"}, models.FormatTable); err != nil {
				t.Fatalf("append: %v", err)
			}

			ix, err = Load(dir, "run", table)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if !ix.IsComplete("Alpha College") {
				t.Fatalf("entity appended after a damaged header should be complete")
			}
		})
	}
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	ix, err := Load(t.TempDir(), "nothing", both)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Len(models.FormatTable) != 0 || ix.IsComplete("Alpha") {
		t.Fatalf("empty index expected")
	}
}

func TestLoadSeesAppendsAfterCaching(t *testing.T) {
	dir := t.TempDir()
	formats := []models.Format{models.FormatStream}
	p, err := pipeline.NewPersister(dir, "cached", formats)
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}
	if err := p.AppendOne(&models.EntityRecord{Name: "First"}, models.FormatStream); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := Load(dir, "cached", formats); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := p.AppendOne(&models.EntityRecord{Name: "Second"}, models.FormatStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	ix, err := Load(dir, "cached", formats)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !ix.IsComplete("Second") {
		t.Fatalf("cache returned stale names")
	}

	ix.Mark(models.FormatStream, "Third")
	again, err := Load(dir, "cached", formats)
	if err != nil {
		t.Fatalf("third load: %v", err)
	}
	if again.IsComplete("Third") {
		t.Fatalf("marks must not leak into the shared cache")
	}
}
