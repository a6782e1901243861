package scraper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/browser/browsertest"
	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/extractor"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/navigator"
	"github.com/aluiziolira/go-scrape-colleges/pipeline"
	"github.com/aluiziolira/go-scrape-colleges/resume"
	"github.com/aluiziolira/go-scrape-colleges/session"
)

const searchURL = "https://colleges.example.test/india-colleges/"

var (
	filters = models.ScrapeFilters{CourseCategory: "Engineering", City: "Delhi"}

	alpha = browsertest.Card{
		ID:       "101",
		Name:     "Alpha College",
		Location: "Delhi, Delhi NCR",
		Category: "Engineering",
		Type:     "Private",
		Total:    2,
		Website:  true,
		Current:  browsertest.Program{Name: "B.Tech. in Computer Science", Fees: "2,10,000", Duration: "4 Years", Degree: "Bachelor Degree", Exams: "JEE Main, CUET"},
		Others: []browsertest.Program{
			{Name: "M.Tech. in Artificial Intelligence", Fees: "1,50,000", Duration: "2 Years", Degree: "Master Degree", Exams: "GATE"},
		},
	}
	beta = browsertest.Card{
		ID:       "102",
		Name:     "Beta Institute",
		Location: "Delhi",
		Category: "Engineering",
		Type:     "Government",
		Total:    1,
		Current:  browsertest.Program{Name: "B.E. in Civil Engineering", Fees: "90,000", Duration: "4 Years", Degree: "Bachelor Degree"},
	}
	gamma = browsertest.Card{
		ID:       "103",
		Name:     "Gamma University",
		Location: "Delhi",
		Category: "Engineering",
		Type:     "Deemed",
		Total:    1,
		Current:  browsertest.Program{Name: "B.Sc. in Physics", Fees: "60,000", Duration: "3 Years", Degree: "Bachelor Degree", Exams: "CUET"},
	}
)

const nextLink = `<ul class="pagination"><li class="next"><a class="next" href="#">Next</a></li></ul>`

type stubAuth struct {
	err error
	fn  func()
}

func (s stubAuth) Authenticate(context.Context) error {
	if s.fn != nil {
		s.fn()
	}
	return s.err
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.SearchURL = searchURL
	cfg.SearchToken = "TOKEN"
	cfg.OutputDir = dir
	cfg.DiagnosticsDir = filepath.Join(dir, "diagnostics")
	cfg.ScrollPause = 0
	cfg.StableChecks = 1
	cfg.SettleInterval = 0
	cfg.PollInterval = time.Millisecond
	cfg.NavigationDelay = 0
	cfg.CardsTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	return cfg
}

func searchAddress() string {
	return navigator.BuildAddress(searchURL, "TOKEN", filters)
}

func newTestEngine(cfg *config.Config, b *browsertest.Browser) *Engine {
	e := NewEngine(cfg, b)
	e.Auth = stubAuth{}
	return e
}

func resultsBrowser(pager string, cards ...browsertest.Card) *browsertest.Browser {
	b := browsertest.New()
	b.Route(searchAddress(), browsertest.ResultsPage(pager, cards...))
	b.EmulateDropdowns()
	return b
}

func TestRunExtractionPersistsEveryCard(t *testing.T) {
	dir := t.TempDir()
	b := resultsBrowser("", alpha, beta)
	e := newTestEngine(testConfig(dir), b)

	result, err := e.RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 1 || result.CardCount != 2 || result.NewRecords != 2 || result.ProgramCount != 3 {
		t.Fatalf("result = %+v", result)
	}
	if result.FailedCards != 0 || len(result.ErrorsByType) != 0 {
		t.Fatalf("unexpected failures: %d %v", result.FailedCards, result.ErrorsByType)
	}

	base := filters.BaseFilename()
	records, skipped, err := pipeline.LoadStream(filepath.Join(dir, models.FormatStream.Filename(base)))
	if err != nil || skipped != 0 {
		t.Fatalf("load stream: %v (skipped %d)", err, skipped)
	}
	got := map[string]int{}
	for _, rec := range records {
		got[rec.Name] = len(rec.Programs)
	}
	if diff := cmp.Diff(map[string]int{"Alpha College": 2, "Beta Institute": 1}, got); diff != "" {
		t.Fatalf("programs per college (-want +got):\n%s", diff)
	}

	rows, _, err := pipeline.LoadTable(filepath.Join(dir, models.FormatTable.Filename(base)))
	if err != nil || len(rows) != 2 {
		t.Fatalf("table rows = %d, %v", len(rows), err)
	}
	if result.SnapshotFile != filepath.Join(dir, models.SnapshotFilename(base)) {
		t.Fatalf("snapshot = %q", result.SnapshotFile)
	}
	if _, err := os.Stat(result.SnapshotFile); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if got := testutil.ToFloat64(e.Metrics.CardsTotal.WithLabelValues("extracted")); got != 2 {
		t.Fatalf("extracted cards metric = %v, want 2", got)
	}
}

func TestRunExtractionResumeSkipsCapturedEntities(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	if _, err := newTestEngine(cfg, resultsBrowser("", alpha, beta)).RunExtraction(context.Background(), filters, Request{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	b := resultsBrowser("", alpha, beta)
	result, err := newTestEngine(cfg, b).RunExtraction(context.Background(), filters, Request{ResumeFromExisting: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.SkippedCount != 2 || result.NewRecords != 0 || len(result.Entities) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(b.Clicks) != 0 {
		t.Fatalf("skipped cards should not be touched: %v", b.Clicks)
	}
	if result.Consolidated != 2 {
		t.Fatalf("consolidated = %d, want 2", result.Consolidated)
	}
}

func TestRunExtractionPartialFormatAppendsMissingOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	first := Request{Formats: []models.Format{models.FormatTable}}
	if _, err := newTestEngine(cfg, resultsBrowser("", alpha, beta)).RunExtraction(context.Background(), filters, first); err != nil {
		t.Fatalf("first run: %v", err)
	}

	e := newTestEngine(cfg, resultsBrowser("", alpha, beta))
	both := Request{Formats: []models.Format{models.FormatTable, models.FormatStream}, ResumeFromExisting: true}
	result, err := e.RunExtraction(context.Background(), filters, both)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.SkippedCount != 0 || result.NewRecords != 2 {
		t.Fatalf("result = %+v", result)
	}
	if got := testutil.ToFloat64(e.Metrics.PersistTotal.WithLabelValues("table", "ok")); got != 0 {
		t.Fatalf("table appends = %v, want 0", got)
	}
	if got := testutil.ToFloat64(e.Metrics.PersistTotal.WithLabelValues("stream", "ok")); got != 2 {
		t.Fatalf("stream appends = %v, want 2", got)
	}
}

func TestRunExtractionFollowsPagination(t *testing.T) {
	dir := t.TempDir()
	b := resultsBrowser(nextLink, alpha, beta)
	b.OnClick("a.next", func(b *browsertest.Browser, _ *goquery.Selection) error {
		b.Load(searchAddress()+"?page=2", browsertest.ResultsPage("", gamma))
		return nil
	})

	result, err := newTestEngine(testConfig(dir), b).RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 2 || result.CardCount != 3 || result.NewRecords != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunExtractionStopsAtPageLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MaxPages = 1
	b := resultsBrowser(nextLink, alpha)

	result, err := newTestEngine(cfg, b).RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 1 {
		t.Fatalf("pages = %d, want 1", result.PageCount)
	}
	for _, c := range b.Clicks {
		if c == browser.Q("a.next").String() {
			t.Fatalf("pagination should not be attempted past the limit")
		}
	}
}

func TestRunExtractionDriftKeepsCompletedWork(t *testing.T) {
	dir := t.TempDir()
	b := resultsBrowser(nextLink, alpha)
	b.OnClick("a.next", func(b *browsertest.Browser, _ *goquery.Selection) error {
		b.Load("https://colleges.example.test/login", "<html><body>session expired</body></html>")
		return nil
	})

	result, err := newTestEngine(testConfig(dir), b).RunExtraction(context.Background(), filters, Request{})
	var drift *navigator.NavigationDriftError
	if !errors.As(err, &drift) {
		t.Fatalf("err = %v, want navigation drift", err)
	}
	if drift.Label != "pagination_page_2" || len(drift.Diagnostics) != 2 {
		t.Fatalf("drift = %+v", drift)
	}
	if result.NewRecords != 1 || result.Consolidated != 1 {
		t.Fatalf("completed work lost: %+v", result)
	}
	if result.ErrorsByType["navigation_drift"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
}

func TestRunExtractionAuthFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	b := resultsBrowser("", alpha)
	e := NewEngine(testConfig(dir), b)
	e.Auth = stubAuth{err: &session.AuthError{Step: session.StepVerify, Err: browser.ErrWaitTimeout}}

	result, err := e.RunExtraction(context.Background(), filters, Request{})
	var authErr *session.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if result.ErrorsByType["auth"] != 1 || len(b.Navigations) != 0 {
		t.Fatalf("result = %+v, navigations = %v", result, b.Navigations)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("no output expected, found %d entries", len(entries))
	}
}

func TestRunExtractionCancelledStillFinalizes(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := NewEngine(testConfig(dir), resultsBrowser("", alpha))
	e.Auth = stubAuth{fn: cancel}

	result, err := e.RunExtraction(ctx, filters, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(result.SnapshotFile); err != nil {
		t.Fatalf("snapshot should still be written: %v", err)
	}
}

// unsettledBrowser fails every height measurement, as when the page context
// is replaced mid-scroll.
type unsettledBrowser struct {
	*browsertest.Browser
}

func (unsettledBrowser) ScrollHeight(context.Context) (int64, error) {
	return 0, errors.New("execution context destroyed")
}

func TestRunExtractionContinuesWhenPageDoesNotSettle(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(testConfig(dir), unsettledBrowser{resultsBrowser("", alpha, beta)})
	e.Auth = stubAuth{}

	result, err := e.RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CardCount != 2 || result.NewRecords != 2 {
		t.Fatalf("rendered cards should still be extracted: %+v", result)
	}
	if result.ErrorsByType["other"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
}

// uncountableBrowser cannot count elements.
type uncountableBrowser struct {
	*browsertest.Browser
}

func (uncountableBrowser) Count(context.Context, browser.Query) (int, error) {
	return 0, errors.New("node is detached from document")
}

func TestRunExtractionStopsQuietlyOnUnreadablePage(t *testing.T) {
	dir := t.TempDir()
	b := resultsBrowser(nextLink, alpha)
	e := NewEngine(testConfig(dir), uncountableBrowser{b})
	e.Auth = stubAuth{}

	result, err := e.RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 1 || result.CardCount != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.ErrorsByType["other"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
	for _, c := range b.Clicks {
		if c == browser.Q("a.next").String() {
			t.Fatalf("pagination should stop after an unreadable page")
		}
	}
}

func TestRunExtractionSkipsFailedCard(t *testing.T) {
	dir := t.TempDir()
	nameless := browsertest.Card{ID: "150", Location: "Delhi", Current: browsertest.Program{Name: "Diploma"}}
	e := newTestEngine(testConfig(dir), resultsBrowser("", alpha, nameless, beta))

	result, err := e.RunExtraction(context.Background(), filters, Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CardCount != 3 || result.FailedCards != 1 || result.NewRecords != 2 {
		t.Fatalf("result = %+v", result)
	}
	var names []string
	for _, rec := range result.Entities {
		names = append(names, rec.Name)
	}
	if diff := cmp.Diff([]string{"Alpha College", "Beta Institute"}, names); diff != "" {
		t.Fatalf("extracted entities (-want +got):\n%s", diff)
	}
	if result.ErrorsByType["card"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
}

func TestRunExtractionFailedAppendLeavesFormatUnmarked(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	base := filters.BaseFilename()
	both := []models.Format{models.FormatTable, models.FormatStream}
	tablePath := filepath.Join(dir, models.FormatTable.Filename(base))
	// The link target's directory does not exist, so every table append fails.
	if err := os.Symlink(filepath.Join(dir, "missing", "table.csv"), tablePath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	e := newTestEngine(cfg, resultsBrowser("", alpha, beta))
	result, err := e.RunExtraction(context.Background(), filters, Request{Formats: both})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if result.NewRecords != 2 || result.ErrorsByType["persistence"] != 2 {
		t.Fatalf("result = %+v", result)
	}
	if got := testutil.ToFloat64(e.Metrics.PersistTotal.WithLabelValues("table", "failed")); got != 2 {
		t.Fatalf("failed table appends = %v, want 2", got)
	}

	ix, err := resume.Load(dir, base, both)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]models.Format{models.FormatTable}, ix.Missing("Alpha College")); diff != "" {
		t.Fatalf("missing formats (-want +got):\n%s", diff)
	}

	if err := os.Remove(tablePath); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	e = newTestEngine(cfg, resultsBrowser("", alpha, beta))
	result, err = e.RunExtraction(context.Background(), filters, Request{Formats: both, ResumeFromExisting: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.SkippedCount != 0 || result.NewRecords != 2 {
		t.Fatalf("retry result = %+v", result)
	}
	if got := testutil.ToFloat64(e.Metrics.PersistTotal.WithLabelValues("table", "ok")); got != 2 {
		t.Fatalf("table appends = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.Metrics.PersistTotal.WithLabelValues("stream", "ok")); got != 0 {
		t.Fatalf("stream appends = %v, want 0", got)
	}

	ix, err = resume.Load(dir, base, both)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !ix.IsComplete("Alpha College") || !ix.IsComplete("Beta Institute") {
		t.Fatalf("entities should be complete after the retry")
	}
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "auth", err: &session.AuthError{Step: session.StepSubmit, Err: browser.ErrNoElement}, expected: "auth"},
		{name: "drift", err: &navigator.NavigationDriftError{Label: "initial_search"}, expected: "navigation_drift"},
		{name: "item", err: &extractor.ItemInteractionFailure{Err: errors.New("stale")}, expected: "item_interaction"},
		{name: "card", err: &extractor.CardFailure{Err: browser.ErrNoElement}, expected: "card"},
		{name: "persistence", err: &PersistenceFailure{Format: models.FormatStream, Err: os.ErrPermission}, expected: "persistence"},
		{name: "cancelled", err: context.Canceled, expected: "cancelled"},
		{name: "wait timeout", err: browser.ErrWaitTimeout, expected: "timeout"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(tt.err); got != tt.expected {
				t.Fatalf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestFatal(t *testing.T) {
	if !fatal(&session.AuthError{Step: session.StepEntry, Err: errors.New("x")}) {
		t.Fatalf("auth errors end the run")
	}
	if fatal(&extractor.CardFailure{Err: errors.New("x")}) {
		t.Fatalf("card failures do not end the run")
	}
}
