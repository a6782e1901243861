// Package scraper drives one extraction run: authenticate, walk the filtered
// result pages, extract every card and persist each record as it completes.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/extractor"
	"github.com/aluiziolira/go-scrape-colleges/loader"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/navigator"
	"github.com/aluiziolira/go-scrape-colleges/pipeline"
	"github.com/aluiziolira/go-scrape-colleges/resume"
	"github.com/aluiziolira/go-scrape-colleges/session"
)

const tracerName = "github.com/aluiziolira/go-scrape-colleges/scraper"

// Authenticator establishes a logged-in browser session.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Request selects where and how a run persists its records.
type Request struct {
	// OutputDir defaults to the configured output directory.
	OutputDir string
	// BaseFilename defaults to one derived from the filters.
	BaseFilename string
	// Formats defaults to the configured formats.
	Formats            []models.Format
	ResumeFromExisting bool
}

// Engine runs extractions against one browser session.
type Engine struct {
	cfg     *config.Config
	page    browser.Page
	nav     *navigator.Navigator
	loader  *loader.Loader
	cards   *extractor.Extractor
	tracer  trace.Tracer
	Auth    Authenticator
	Sinks   []pipeline.Sink
	Metrics *Metrics

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewEngine wires the navigator, loader and extractor around b. Auth defaults
// to a session manager for b.
func NewEngine(cfg *config.Config, b browser.Browser) *Engine {
	return &Engine{
		cfg:     cfg,
		page:    b,
		nav:     navigator.New(cfg, b),
		loader:  loader.New(cfg),
		cards:   extractor.New(cfg, b),
		tracer:  otel.Tracer(tracerName),
		Auth:    session.New(cfg, b),
		Metrics: NewMetrics(),
	}
}

type run struct {
	req       Request
	index     *resume.Index
	persister *pipeline.Persister
	result    *models.ScraperResult
}

// RunExtraction extracts every entity matching filters. Authentication and
// navigation drift end the run; card-level problems are counted and skipped.
// Cancellation stops between cards. Whatever was persisted is consolidated
// before returning, even when the run ends early.
func (e *Engine) RunExtraction(ctx context.Context, filters models.ScrapeFilters, req Request) (*models.ScraperResult, error) {
	req = e.withDefaults(filters, req)
	ctx, span := e.tracer.Start(ctx, "RunExtraction", trace.WithAttributes(
		attribute.String("filters.category", filters.CourseCategory),
		attribute.String("filters.specialization", filters.Specialization),
		attribute.String("filters.city", filters.City),
		attribute.String("filters.university", filters.University),
		attribute.String("output.base", req.BaseFilename),
	))
	defer span.End()

	e.mu.Lock()
	e.errorsByType = make(map[string]int)
	e.mu.Unlock()

	r := &run{
		req: req,
		result: &models.ScraperResult{
			StartTime:   time.Now(),
			OutputFiles: make(map[models.Format]string),
		},
	}
	slog.Info("starting extraction",
		slog.String("output_dir", req.OutputDir),
		slog.String("base", req.BaseFilename),
		slog.Any("formats", req.Formats),
		slog.Bool("resume", req.ResumeFromExisting),
	)

	if err := e.prepare(ctx, r); err != nil {
		return e.fail(span, r, err)
	}

	runErr := e.crawl(ctx, filters, r)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		e.recordError(runErr)
	}

	r.result.EndTime = time.Now()
	if err := e.finalize(context.WithoutCancel(ctx), r); err != nil {
		runErr = errors.Join(runErr, err)
	}
	r.result.ErrorsByType = e.snapshotErrors()

	span.SetAttributes(
		attribute.Int("pages", r.result.PageCount),
		attribute.Int("cards", r.result.CardCount),
		attribute.Int("new_records", r.result.NewRecords),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return r.result, runErr
	}
	slog.Info("extraction complete",
		slog.Int("pages", r.result.PageCount),
		slog.Int("cards", r.result.CardCount),
		slog.Int("skipped", r.result.SkippedCount),
		slog.Int("failed", r.result.FailedCards),
		slog.Int("new_records", r.result.NewRecords),
		slog.Duration("duration", r.result.EndTime.Sub(r.result.StartTime)),
	)
	return r.result, nil
}

func (e *Engine) withDefaults(filters models.ScrapeFilters, req Request) Request {
	if req.OutputDir == "" {
		req.OutputDir = e.cfg.OutputDir
	}
	if req.BaseFilename == "" {
		req.BaseFilename = filters.BaseFilename()
	}
	if len(req.Formats) == 0 {
		req.Formats = e.cfg.Formats
	}
	return req
}

func (e *Engine) fail(span trace.Span, r *run, err error) (*models.ScraperResult, error) {
	e.recordError(err)
	r.result.EndTime = time.Now()
	r.result.ErrorsByType = e.snapshotErrors()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return r.result, err
}

// prepare authenticates, loads the resume index and opens the persister.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	_, span := e.tracer.Start(ctx, "Authenticate")
	err := e.Auth.Authenticate(ctx)
	span.End()
	if err != nil {
		return err
	}

	r.index = resume.New(r.req.Formats)
	if r.req.ResumeFromExisting {
		r.index, err = resume.Load(r.req.OutputDir, r.req.BaseFilename, r.req.Formats)
		if err != nil {
			return fmt.Errorf("load resume state: %w", err)
		}
		for _, f := range r.req.Formats {
			slog.Info("resuming from existing output",
				slog.String("format", string(f)),
				slog.Int("entities", r.index.Len(f)),
				slog.Int("skipped_rows", r.index.Skipped(f)),
			)
		}
	}

	r.persister, err = pipeline.NewPersister(r.req.OutputDir, r.req.BaseFilename, r.req.Formats)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	return nil
}

func (e *Engine) crawl(ctx context.Context, filters models.ScrapeFilters, r *run) error {
	if err := e.nav.Goto(ctx, e.nav.Address(filters), "initial_search"); err != nil {
		return err
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := e.nav.WaitForCards(ctx, page)
		if err != nil {
			return err
		}
		if !ready {
			slog.Warn("no result cards rendered, stopping", slog.Int("page", page))
			return nil
		}
		r.result.PageCount = page
		e.Metrics.IncPage()

		ok, err := e.processPage(ctx, page, r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if page >= e.cfg.MaxPages {
			slog.Info("reached page limit", slog.Int("max_pages", e.cfg.MaxPages))
			return nil
		}
		more, err := e.nav.NextPage(ctx, page)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// processPage extracts every card on the current page. ok is false when the
// page could not be read and pagination should stop.
func (e *Engine) processPage(ctx context.Context, page int, r *run) (ok bool, err error) {
	ctx, span := e.tracer.Start(ctx, "ProcessPage", trace.WithAttributes(attribute.Int("page", page)))
	defer span.End()

	settled, err := e.loader.Settle(ctx, e.page)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Cards rendered so far are still extracted.
		slog.Warn("page did not settle", slog.Int("page", page), slog.Any("error", err))
		span.RecordError(err)
		e.recordError(err)
	}
	count, err := e.cards.CardCount(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		err = fmt.Errorf("count cards on page %d: %w", page, err)
		slog.Warn("skipping unreadable page, stopping", slog.Any("error", err))
		span.RecordError(err)
		e.recordError(err)
		return false, nil
	}
	slog.Info("processing results page",
		slog.Int("page", page),
		slog.Int("cards", count),
		slog.Int("scrolls", settled.Iterations),
		slog.Bool("converged", settled.Converged),
	)
	span.SetAttributes(attribute.Int("cards", count))

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := e.processCard(ctx, i, r); err != nil {
			return false, err
		}
	}
	return true, nil
}

// processCard returns an error only when the run must stop.
func (e *Engine) processCard(ctx context.Context, i int, r *run) error {
	start := time.Now()
	r.result.CardCount++
	defer func() { e.Metrics.ObserveCard(time.Since(start)) }()

	name, err := e.cards.Name(ctx, i)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.cardFailed(r, &extractor.CardFailure{Card: i, Err: err})
		return nil
	}
	if name != "" && r.index.IsComplete(name) {
		slog.Debug("already captured, skipping", slog.String("college", name))
		r.result.SkippedCount++
		e.Metrics.IncCard("skipped")
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "ExtractCard", trace.WithAttributes(
		attribute.Int("card", i),
		attribute.String("college", name),
	))
	defer span.End()

	rec, report, err := e.cards.ExtractCard(ctx, i)
	for _, miss := range report.Misses {
		e.Metrics.IncMiss(miss)
	}
	for _, f := range report.ItemFailures {
		slog.Warn("skipped dropdown item", slog.Any("error", f))
		e.Metrics.IncItemFailure()
		e.recordError(f)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		e.cardFailed(r, err)
		return nil
	}

	r.result.Entities = append(r.result.Entities, rec)
	r.result.ProgramCount += len(rec.Programs)
	e.Metrics.AddPrograms(len(rec.Programs))
	e.Metrics.IncCard("extracted")

	if e.persist(rec, r) {
		r.result.NewRecords++
	}
	return nil
}

// persist appends rec to each format it is missing from and marks only the
// formats that succeeded.
func (e *Engine) persist(rec *models.EntityRecord, r *run) bool {
	wrote := false
	for _, f := range r.index.Missing(rec.Name) {
		if err := r.persister.AppendOne(rec, f); err != nil {
			failure := &PersistenceFailure{Format: f, Name: rec.Name, Err: err}
			slog.Error("append failed",
				slog.String("path", r.persister.Path(f)),
				slog.Any("error", failure),
			)
			e.Metrics.IncPersist(f, false)
			e.recordError(failure)
			continue
		}
		r.index.Mark(f, rec.Name)
		e.Metrics.IncPersist(f, true)
		wrote = true
	}
	return wrote
}

func (e *Engine) cardFailed(r *run, err error) {
	slog.Error("card extraction failed", slog.Any("error", err))
	r.result.FailedCards++
	e.Metrics.IncCard("failed")
	e.recordError(err)
}

func (e *Engine) finalize(ctx context.Context, r *run) error {
	ctx, span := e.tracer.Start(ctx, "Finalize")
	defer span.End()

	if r.persister != nil {
		slog.Debug("append counters", slog.Any("metrics", r.persister.GetMetrics()))
		if err := r.persister.Validate(); err != nil {
			slog.Warn("output validation failed", slog.Any("error", err))
		}
	}

	consolidated, err := pipeline.Finalize(r.req.OutputDir, r.req.BaseFilename, r.req.Formats, r.result.Entities)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("finalize output: %w", err)
	}
	for f, path := range consolidated.Files {
		r.result.OutputFiles[f] = path
	}
	r.result.SnapshotFile = consolidated.SnapshotPath
	r.result.Consolidated = len(consolidated.Entities)

	if failed := pipeline.Publish(ctx, consolidated.Entities, e.Sinks...); failed > 0 {
		slog.Warn("some sinks failed", slog.Int("failed", failed), slog.Int("sinks", len(e.Sinks)))
	}
	return nil
}

func (e *Engine) recordError(err error) {
	category := errorTypeLabel(err)
	e.mu.Lock()
	e.errorsByType[category]++
	e.mu.Unlock()
	e.Metrics.IncError(category)
	if fatal(err) {
		slog.Error("run aborted", slog.String("category", category), slog.Any("error", err))
	}
}

func (e *Engine) snapshotErrors() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.errorsByType))
	for k, v := range e.errorsByType {
		out[k] = v
	}
	return out
}

// Finalize consolidates existing output without a browser session.
func Finalize(dir, base string, formats []models.Format) (*pipeline.Consolidation, error) {
	return pipeline.Finalize(dir, base, formats, nil)
}
