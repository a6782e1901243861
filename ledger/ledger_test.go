package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

func openTest(t *testing.T, stale time.Duration) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"), stale)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBeginRejectsSecondActiveRun(t *testing.T) {
	l := openTest(t, time.Hour)
	ctx := context.Background()
	filters := models.ScrapeFilters{CourseCategory: "Engineering", City: "Delhi"}

	first, err := l.Begin(ctx, "engineering_delhi", filters)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if first.Filters != "Engineering/null/Delhi/null" {
		t.Fatalf("filters = %q", first.Filters)
	}

	if _, err := l.Begin(ctx, "engineering_delhi", filters); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second begin err = %v, want ErrRunActive", err)
	}

	if err := l.Finish(ctx, first.ID, &models.ScraperResult{PageCount: 3, NewRecords: 12}, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := l.Begin(ctx, "engineering_delhi", filters); err != nil {
		t.Fatalf("begin after finish: %v", err)
	}
}

func TestBeginAbandonsStaleRun(t *testing.T) {
	l := openTest(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	stale, err := l.Begin(ctx, "a", models.ScrapeFilters{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := l.Begin(ctx, "b", models.ScrapeFilters{}); err != nil {
		t.Fatalf("begin after stale run: %v", err)
	}

	runs, err := l.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].Base != "b" || runs[1].ID != stale.ID {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[1].Status != StatusAbandoned || runs[0].Status != StatusRunning {
		t.Fatalf("statuses = %s, %s", runs[0].Status, runs[1].Status)
	}
}

func TestFinishRecordsFailure(t *testing.T) {
	l := openTest(t, 0)
	ctx := context.Background()

	run, err := l.Begin(ctx, "a", models.ScrapeFilters{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.Finish(ctx, run.ID, nil, errors.New("authentication failed at verify")); err != nil {
		t.Fatalf("finish: %v", err)
	}

	runs, err := l.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := runs[0]
	if got.Status != StatusFailed || got.Error != "authentication failed at verify" || got.FinishedAt.IsZero() {
		t.Fatalf("run = %+v", got)
	}

	if err := l.Finish(ctx, "missing", nil, nil); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("finish unknown err = %v", err)
	}
}

func TestOpenPersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	l, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Begin(ctx, "a", models.ScrapeFilters{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	l.Close()

	again, err := Open(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if _, err := again.Begin(ctx, "b", models.ScrapeFilters{}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}
