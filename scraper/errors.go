package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/extractor"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/navigator"
	"github.com/aluiziolira/go-scrape-colleges/session"
)

// PersistenceFailure is an append that did not reach disk. The entity stays
// unmarked for that format and is retried on the next run.
type PersistenceFailure struct {
	Format models.Format
	Name   string
	Err    error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist %q as %s: %v", e.Name, e.Format, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var auth *session.AuthError
	if errors.As(err, &auth) {
		return "auth"
	}
	var drift *navigator.NavigationDriftError
	if errors.As(err, &drift) {
		return "navigation_drift"
	}
	var item *extractor.ItemInteractionFailure
	if errors.As(err, &item) {
		return "item_interaction"
	}
	var card *extractor.CardFailure
	if errors.As(err, &card) {
		return "card"
	}
	var persist *PersistenceFailure
	if errors.As(err, &persist) {
		return "persistence"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, browser.ErrWaitTimeout) {
		return "timeout"
	}
	return "other"
}

// fatal reports whether err ends the run rather than one card.
func fatal(err error) bool {
	var auth *session.AuthError
	var drift *navigator.NavigationDriftError
	return errors.As(err, &auth) || errors.As(err, &drift)
}
