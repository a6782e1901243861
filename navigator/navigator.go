// Package navigator moves the browser through the filtered search surface
// and refuses to continue once a navigation lands anywhere else.
package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/parser"
)

// unsetFilter stands in for an empty filter; the surface expects every path segment.
const unsetFilter = "null"

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Pagination controls, most specific first.
var nextCandidates = []browser.Query{
	browser.Q("a.next"),
	browser.Q("li.next a"),
	browser.Q("button.next"),
	browser.Q("a").WithText("Next"),
	browser.Q("button").WithText("Next"),
}

// NavigationDriftError reports a page outside the search surface.
type NavigationDriftError struct {
	Label       string
	Expected    string
	Actual      string
	Diagnostics []string
}

func (e *NavigationDriftError) Error() string {
	return fmt.Sprintf("navigation drift at %s: expected prefix %s, landed on %s", e.Label, e.Expected, e.Actual)
}

// BuildAddress encodes filters into a search-surface address. Every filter
// occupies its own path segment; unset ones become "null".
func BuildAddress(searchURL, token string, f models.ScrapeFilters) string {
	segments := []string{f.CourseCategory, f.Specialization, f.City, f.University}
	for i, s := range segments {
		s = strings.TrimSpace(s)
		if s == "" {
			segments[i] = unsetFilter
			continue
		}
		segments[i] = url.PathEscape(s)
	}
	base := strings.TrimSuffix(searchURL, "/") + "/" + strings.Trim(token, "/")
	return base + "/" + strings.Join(segments, "/")
}

// Navigator drives one page through the search surface.
type Navigator struct {
	page      browser.Page
	searchURL string
	token     string
	diagDir   string

	limiter      *rate.Limiter
	attempts     int
	backoff      browser.Backoff
	navTimeout   time.Duration
	cardsTimeout time.Duration
	poll         time.Duration
	settle       time.Duration

	now func() time.Time
}

// New builds a navigator for page.
func New(cfg *config.Config, page browser.Page) *Navigator {
	limit := rate.Inf
	if cfg.NavigationDelay > 0 {
		limit = rate.Every(cfg.NavigationDelay)
	}
	return &Navigator{
		page:         page,
		searchURL:    cfg.SearchURL,
		token:        cfg.SearchToken,
		diagDir:      cfg.DiagnosticsDir,
		limiter:      rate.NewLimiter(limit, 1),
		attempts:     cfg.MaxRetries + 1,
		backoff:      browser.Backoff{Base: cfg.RetryBackoff, Max: cfg.RetryBackoffMax},
		navTimeout:   cfg.NavigationTimeout,
		cardsTimeout: cfg.CardsTimeout,
		poll:         cfg.PollInterval,
		settle:       cfg.SettleInterval,
		now:          time.Now,
	}
}

// Address returns the search address for filters.
func (n *Navigator) Address(f models.ScrapeFilters) string {
	return BuildAddress(n.searchURL, n.token, f)
}

// Goto loads address, retrying transient failures, then validates the
// landing page.
func (n *Navigator) Goto(ctx context.Context, address, label string) error {
	err := browser.Retry(ctx, n.attempts, n.backoff, func(int) error {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		navCtx, cancel := context.WithTimeout(ctx, n.navTimeout)
		defer cancel()
		return n.page.Navigate(navCtx, address)
	}, func(attempt int, err error) {
		slog.Warn("navigation failed, retrying",
			slog.String("url", address),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", address, err)
	}
	return n.Validate(ctx, label)
}

// Validate checks the current address is still on the search surface. On
// drift it captures diagnostics tagged with label.
func (n *Navigator) Validate(ctx context.Context, label string) error {
	current, err := n.page.Location(ctx)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}
	if strings.HasPrefix(current, n.searchURL) {
		return nil
	}

	slog.Error("landed outside the search surface",
		slog.String("expected_prefix", n.searchURL),
		slog.String("url", current),
		slog.String("label", label),
	)
	return &NavigationDriftError{
		Label:       label,
		Expected:    n.searchURL,
		Actual:      current,
		Diagnostics: n.Capture(ctx, label),
	}
}

// Capture writes the rendered markup and a screenshot to the diagnostics
// directory and returns the files written. Failures are logged only.
func (n *Navigator) Capture(ctx context.Context, label string) []string {
	ctx = context.WithoutCancel(ctx)
	if err := os.MkdirAll(n.diagDir, 0o755); err != nil {
		slog.Error("create diagnostics directory", slog.String("dir", n.diagDir), slog.Any("error", err))
		return nil
	}
	stem := filepath.Join(n.diagDir, fmt.Sprintf("%s_%d", unsafeLabel.ReplaceAllString(label, "_"), n.now().Unix()))

	var written []string
	if html, err := n.page.Content(ctx); err != nil {
		slog.Error("capture page markup", slog.Any("error", err))
	} else if err := os.WriteFile(stem+".html", []byte(html), 0o644); err != nil {
		slog.Error("write page markup", slog.Any("error", err))
	} else {
		written = append(written, stem+".html")
	}
	if png, err := n.page.Screenshot(ctx); err != nil {
		slog.Error("capture screenshot", slog.Any("error", err))
	} else if err := os.WriteFile(stem+".png", png, 0o644); err != nil {
		slog.Error("write screenshot", slog.Any("error", err))
	} else {
		written = append(written, stem+".png")
	}

	if len(written) > 0 {
		slog.Info("saved diagnostics", slog.Any("files", written))
	}
	return written
}

// WaitForCards waits for result cards to render. A timeout captures
// diagnostics and reports false without an error.
func (n *Navigator) WaitForCards(ctx context.Context, pageNumber int) (bool, error) {
	err := browser.WaitVisible(ctx, n.page, browser.Q(parser.CardSelector), n.cardsTimeout, n.poll)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	slog.Warn("timed out waiting for result cards",
		slog.Int("page", pageNumber),
		slog.Any("error", err),
	)
	n.Capture(ctx, fmt.Sprintf("debug_search_page_%d", pageNumber))
	return false, nil
}

// NextPage advances to page current+1. It reports false with a nil error
// when no usable control exists.
func (n *Navigator) NextPage(ctx context.Context, current int) (bool, error) {
	for _, q := range nextCandidates {
		visible, err := n.page.Visible(ctx, q)
		if err != nil || !visible || n.disabled(ctx, q) {
			continue
		}
		if err := n.limiter.Wait(ctx); err != nil {
			return false, err
		}
		if err := n.page.Click(ctx, q); err != nil {
			slog.Debug("pagination control failed", slog.String("control", q.String()), slog.Any("error", err))
			continue
		}
		slog.Info("navigating to next results page",
			slog.Int("page", current+1),
			slog.String("control", q.String()),
		)
		if err := browser.Sleep(ctx, n.settle); err != nil {
			return false, err
		}
		if err := n.Validate(ctx, fmt.Sprintf("pagination_page_%d", current+1)); err != nil {
			return false, err
		}
		return true, nil
	}

	slog.Info("no further pagination controls", slog.Int("page", current))
	return false, nil
}

// disabled reports a disabled attribute or a class naming it.
func (n *Navigator) disabled(ctx context.Context, q browser.Query) bool {
	html, err := n.page.OuterHTML(ctx, q)
	if err != nil {
		return false
	}
	el, err := parser.Snapshot(html)
	if err != nil {
		return false
	}
	if _, ok := el.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(el.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	return strings.Contains(strings.ToLower(el.AttrOr("class", "")), "disabled")
}
