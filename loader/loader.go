// Package loader forces lazily rendered result cards onto the page by
// scrolling until the document stops growing.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
)

// Result summarises one Settle call.
type Result struct {
	Iterations int
	Converged  bool
	Height     int64
}

// Loader settles a results page.
type Loader struct {
	maxScrolls   int
	pause        time.Duration
	stableChecks int
	jiggleEvery  int
	jiggleOffset int64
}

// New builds a loader from cfg.
func New(cfg *config.Config) *Loader {
	return &Loader{
		maxScrolls:   cfg.MaxScrolls,
		pause:        cfg.ScrollPause,
		stableChecks: cfg.StableChecks,
		jiggleEvery:  cfg.JiggleEvery,
		jiggleOffset: cfg.JiggleOffset,
	}
}

// Settle scrolls to the bottom until the scroll height has not grown for
// stableChecks consecutive measurements or maxScrolls is reached. Every
// jiggleEvery iterations it scrolls up by jiggleOffset and back down, since
// some observers only fire on an upward then downward delta. The page is
// always left scrolled to the top.
func (l *Loader) Settle(ctx context.Context, page browser.Page) (res Result, err error) {
	defer func() {
		if scrollErr := page.ScrollTo(context.WithoutCancel(ctx), 0); scrollErr != nil && err == nil {
			err = fmt.Errorf("scroll to top: %w", scrollErr)
		}
	}()

	last, err := page.ScrollHeight(ctx)
	if err != nil {
		return res, fmt.Errorf("measure height: %w", err)
	}

	unchanged := 0
	for res.Iterations < l.maxScrolls {
		if err := page.ScrollTo(ctx, last); err != nil {
			return res, fmt.Errorf("scroll to bottom: %w", err)
		}
		if err := browser.Sleep(ctx, l.pause); err != nil {
			return res, err
		}

		height, err := page.ScrollHeight(ctx)
		if err != nil {
			return res, fmt.Errorf("measure height: %w", err)
		}
		res.Iterations++

		if height == last {
			unchanged++
			if unchanged >= l.stableChecks {
				res.Converged = true
				res.Height = height
				break
			}
		} else {
			unchanged = 0
			slog.Debug("loaded more content", slog.Int("scroll", res.Iterations), slog.Int64("height", height))
		}
		last = height
		res.Height = height

		if l.jiggleEvery > 0 && res.Iterations%l.jiggleEvery == 0 {
			if err := l.jiggle(ctx, page, height); err != nil {
				return res, err
			}
		}
	}

	slog.Debug("page settled",
		slog.Int("iterations", res.Iterations),
		slog.Bool("converged", res.Converged),
		slog.Int64("height", res.Height),
	)
	return res, nil
}

func (l *Loader) jiggle(ctx context.Context, page browser.Page, height int64) error {
	up := height - l.jiggleOffset
	if up < 0 {
		up = 0
	}
	if err := page.ScrollTo(ctx, up); err != nil {
		return fmt.Errorf("jiggle up: %w", err)
	}
	if err := browser.Sleep(ctx, l.pause/2); err != nil {
		return err
	}
	if err := page.ScrollTo(ctx, height); err != nil {
		return fmt.Errorf("jiggle down: %w", err)
	}
	return browser.Sleep(ctx, l.pause/2)
}
