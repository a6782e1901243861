// Package extractor reads result cards from the live page, including every
// program hidden behind a card's dropdown.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/parser"
)

var (
	errDropdownClosed = errors.New("dropdown menu not visible")
	errUnnamedItem    = errors.New("dropdown item has no readable name")
)

// ItemInteractionFailure is a dropdown item that could not be selected and read.
type ItemInteractionFailure struct {
	Card int
	Item int
	Name string
	Err  error
}

func (e *ItemInteractionFailure) Error() string {
	return fmt.Sprintf("card %d item %d (%s): %v", e.Card, e.Item, e.Name, e.Err)
}

func (e *ItemInteractionFailure) Unwrap() error {
	return e.Err
}

// CardFailure is a card that became unreadable as a whole.
type CardFailure struct {
	Card int
	Err  error
}

func (e *CardFailure) Error() string {
	return fmt.Sprintf("card %d: %v", e.Card, e.Err)
}

func (e *CardFailure) Unwrap() error {
	return e.Err
}

// Report collects the non-fatal problems met while extracting one card.
type Report struct {
	// Misses lists entity fields every strategy failed for.
	Misses       []string
	ItemFailures []*ItemInteractionFailure
}

// Extractor walks the cards of the current results page.
type Extractor struct {
	page             browser.Page
	dropdownAttempts int
	itemAttempts     int
	settle           time.Duration
	poll             time.Duration
}

// New builds an extractor for page.
func New(cfg *config.Config, page browser.Page) *Extractor {
	return &Extractor{
		page:             page,
		dropdownAttempts: cfg.DropdownAttempts,
		itemAttempts:     cfg.ItemAttempts,
		settle:           cfg.SettleInterval,
		poll:             cfg.PollInterval,
	}
}

func cardQuery(i int) browser.Query {
	return browser.Q(parser.CardSelector).Nth(i)
}

// CardCount returns the number of cards currently rendered.
func (x *Extractor) CardCount(ctx context.Context) (int, error) {
	return x.page.Count(ctx, browser.Q(parser.CardSelector))
}

func (x *Extractor) snapshot(ctx context.Context, i int) (*goquery.Selection, error) {
	html, err := x.page.OuterHTML(ctx, cardQuery(i))
	if err != nil {
		return nil, err
	}
	return parser.Snapshot(html)
}

// Name reads only the heading of card i, for resume checks before any interaction.
func (x *Extractor) Name(ctx context.Context, i int) (string, error) {
	card, err := x.snapshot(ctx, i)
	if err != nil {
		return "", err
	}
	return parser.EntityName(card), nil
}

// Entity reads the entity-level fields of card i. Fields that cannot be read
// are left empty and listed in misses.
func (x *Extractor) Entity(ctx context.Context, i int) (*models.EntityRecord, []string, error) {
	card, err := x.snapshot(ctx, i)
	if err != nil {
		return nil, nil, err
	}
	rec, misses := parser.ParseEntity(card)
	return &rec, misses, nil
}

// ExtractCard reads card i and every program its dropdown offers.
func (x *Extractor) ExtractCard(ctx context.Context, i int) (*models.EntityRecord, Report, error) {
	var report Report

	rec, misses, err := x.Entity(ctx, i)
	if err != nil {
		return nil, report, &CardFailure{Card: i, Err: err}
	}
	report.Misses = misses
	if rec.Name == "" {
		return nil, report, &CardFailure{Card: i, Err: errors.New("card has no readable name")}
	}
	if len(misses) > 0 {
		slog.Debug("entity fields missing", slog.String("college", rec.Name), slog.Any("fields", misses))
	}

	programs, failures, err := x.Programs(ctx, i)
	report.ItemFailures = failures
	if err != nil {
		if ctx.Err() != nil {
			return nil, report, ctx.Err()
		}
		return nil, report, &CardFailure{Card: i, Err: err}
	}
	rec.Programs = programs

	slog.Info("extracted college",
		slog.String("college", rec.Name),
		slog.Int("programs", len(programs)),
		slog.Int("item_failures", len(failures)),
	)
	return rec, report, nil
}

// Programs returns the initially rendered program followed by every other
// dropdown item. An item that keeps failing is skipped and reported; the
// error is reserved for the card itself becoming unreadable.
func (x *Extractor) Programs(ctx context.Context, i int) ([]models.ProgramRecord, []*ItemInteractionFailure, error) {
	card, err := x.snapshot(ctx, i)
	if err != nil {
		return nil, nil, err
	}

	var programs []models.ProgramRecord
	seen := make(map[string]struct{})
	if name := parser.CurrentProgramName(card); name != "" {
		programs = append(programs, program(name, parser.ParseProgramDetails(card)))
		seen[strings.ToLower(name)] = struct{}{}
	} else {
		slog.Debug("no current program found", slog.Int("card", i))
	}

	var failures []*ItemInteractionFailure
	err = x.withDropdown(ctx, func() error {
		open, err := x.ensureOpen(ctx, i)
		if err != nil {
			return err
		}
		if !open {
			slog.Warn("dropdown never became visible; keeping current program only", slog.Int("card", i))
			return nil
		}

		count, err := x.page.Count(ctx, cardQuery(i).Find(parser.DropdownItem))
		if err != nil {
			return err
		}
		slog.Debug("enumerating dropdown", slog.Int("card", i), slog.Int("items", count))

		for idx := 0; idx < count; idx++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, ok, failure := x.item(ctx, i, idx, seen)
			if failure != nil {
				slog.Warn("skipping program after repeated failures",
					slog.Int("card", i),
					slog.Int("item", idx),
					slog.Any("error", failure.Err),
				)
				failures = append(failures, failure)
				continue
			}
			if ok {
				programs = append(programs, p)
				seen[strings.ToLower(p.Name)] = struct{}{}
			}
		}
		return nil
	})
	return programs, failures, err
}

// withDropdown runs fn and closes any open dropdown afterwards, so the next
// card starts from a closed menu.
func (x *Extractor) withDropdown(ctx context.Context, fn func() error) error {
	defer func() {
		if err := x.page.PressEscape(context.WithoutCancel(ctx)); err != nil {
			slog.Debug("close dropdown", slog.Any("error", err))
		}
	}()
	return fn()
}

// ensureOpen clicks the toggle until the menu of card i shows, up to dropdownAttempts times.
func (x *Extractor) ensureOpen(ctx context.Context, i int) (bool, error) {
	menu := cardQuery(i).Find(parser.DropdownMenu)
	toggle := cardQuery(i).Find(parser.DropdownToggle)
	for attempt := 0; attempt < x.dropdownAttempts; attempt++ {
		if visible, _ := x.page.Visible(ctx, menu); visible {
			return true, nil
		}
		if visible, _ := x.page.Visible(ctx, toggle); visible {
			if err := x.page.Click(ctx, toggle); err != nil {
				slog.Debug("dropdown toggle click failed", slog.Int("card", i), slog.Any("error", err))
			}
		}
		if err := browser.Sleep(ctx, x.poll); err != nil {
			return false, err
		}
	}
	visible, _ := x.page.Visible(ctx, menu)
	return visible, nil
}

// item selects dropdown item idx of card i and reads the details it renders.
// ok is false when the item names a program already captured.
func (x *Extractor) item(ctx context.Context, i, idx int, seen map[string]struct{}) (models.ProgramRecord, bool, *ItemInteractionFailure) {
	var (
		name    string
		lastErr error
	)
	for attempt := 1; attempt <= x.itemAttempts; attempt++ {
		p, dup, err := x.selectItem(ctx, i, idx, seen)
		if err == nil {
			return p, !dup, nil
		}
		if ctx.Err() != nil {
			return models.ProgramRecord{}, false, &ItemInteractionFailure{Card: i, Item: idx, Name: name, Err: ctx.Err()}
		}
		name, lastErr = p.Name, err
		slog.Debug("dropdown item attempt failed",
			slog.Int("card", i),
			slog.Int("item", idx),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if err := x.page.PressEscape(ctx); err != nil {
			slog.Debug("reset dropdown", slog.Any("error", err))
		}
	}
	return models.ProgramRecord{}, false, &ItemInteractionFailure{Card: i, Item: idx, Name: name, Err: lastErr}
}

func (x *Extractor) selectItem(ctx context.Context, i, idx int, seen map[string]struct{}) (models.ProgramRecord, bool, error) {
	open, err := x.ensureOpen(ctx, i)
	if err != nil {
		return models.ProgramRecord{}, false, err
	}
	if !open {
		return models.ProgramRecord{}, false, errDropdownClosed
	}

	q := cardQuery(i).FindNth(parser.DropdownItem, idx)
	name, err := x.itemName(ctx, q)
	if err != nil {
		return models.ProgramRecord{}, false, err
	}
	if name == "" {
		return models.ProgramRecord{}, false, errUnnamedItem
	}
	if _, dup := seen[strings.ToLower(name)]; dup {
		slog.Debug("program already captured", slog.Int("card", i), slog.String("program", name))
		return models.ProgramRecord{Name: name}, true, nil
	}

	if err := x.page.Click(ctx, q); err != nil {
		return models.ProgramRecord{Name: name}, false, fmt.Errorf("select item: %w", err)
	}
	if err := browser.Sleep(ctx, x.settle); err != nil {
		return models.ProgramRecord{Name: name}, false, err
	}

	card, err := x.snapshot(ctx, i)
	if err != nil {
		return models.ProgramRecord{Name: name}, false, fmt.Errorf("re-read card: %w", err)
	}
	return program(name, parser.ParseProgramDetails(card)), false, nil
}

// itemName prefers the base64 data-of attribute, since visible labels are truncated.
func (x *Extractor) itemName(ctx context.Context, q browser.Query) (string, error) {
	encoded, err := x.page.Attr(ctx, q, "data-of")
	if err != nil {
		return "", err
	}
	if name := parser.DecodeProgramName(encoded); name != "" {
		return name, nil
	}
	if title, err := x.page.Attr(ctx, q, "title"); err == nil {
		if name := parser.CleanText(title); name != "" {
			return name, nil
		}
	}
	text, err := x.page.Text(ctx, q)
	if err != nil {
		return "", err
	}
	return parser.CleanText(text), nil
}

func program(name string, d parser.ProgramDetails) models.ProgramRecord {
	return models.ProgramRecord{
		Name:          name,
		Fees:          d.Fees,
		Duration:      d.Duration,
		DegreeType:    d.DegreeType,
		EntranceExams: d.EntranceExams,
	}
}
