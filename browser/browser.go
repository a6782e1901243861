// Package browser is the narrow surface the scraper drives a live page through.
//
// Elements are never held as handles. A Query addresses an element by
// selector and position and is resolved again on every call, so a re-rendered
// DOM cannot leave the caller with a stale reference.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoElement is returned when a Query matches nothing.
	ErrNoElement = errors.New("browser: element not found")
	// ErrFrameUnavailable is returned when a frame's document cannot be read.
	ErrFrameUnavailable = errors.New("browser: frame document unavailable")
	// ErrWaitTimeout is returned when a bounded wait expires.
	ErrWaitTimeout = errors.New("browser: wait timed out")
)

// Query addresses one element of the live document.
type Query struct {
	// Frame, when set, is a selector for an iframe whose document is searched.
	Frame    string `json:"frame,omitempty"`
	Selector string `json:"selector"`
	Index    int    `json:"index"`
	// Contains keeps only matches whose text contains it, case-insensitively.
	Contains   string `json:"contains,omitempty"`
	Child      string `json:"child,omitempty"`
	ChildIndex int    `json:"childIndex"`
}

// Q returns a Query for the first match of selector.
func Q(selector string) Query {
	return Query{Selector: selector}
}

// Nth selects the i-th match of the top-level selector.
func (q Query) Nth(i int) Query {
	q.Index = i
	return q
}

// Find scopes to the first child matching selector.
func (q Query) Find(selector string) Query {
	q.Child = selector
	q.ChildIndex = 0
	return q
}

// FindNth scopes to the i-th child matching selector.
func (q Query) FindNth(selector string, i int) Query {
	q.Child = selector
	q.ChildIndex = i
	return q
}

// WithText filters matches by contained text.
func (q Query) WithText(text string) Query {
	q.Contains = text
	return q
}

// InFrame resolves the query inside the iframe matched by frame.
func (q Query) InFrame(frame string) Query {
	q.Frame = frame
	return q
}

// Parent drops the child part of the query.
func (q Query) Parent() Query {
	q.Child = ""
	q.ChildIndex = 0
	return q
}

func (q Query) String() string {
	s := fmt.Sprintf("%s[%d]", q.Selector, q.Index)
	if q.Contains != "" {
		s += fmt.Sprintf("(%q)", q.Contains)
	}
	if q.Child != "" {
		s += fmt.Sprintf(" > %s[%d]", q.Child, q.ChildIndex)
	}
	if q.Frame != "" {
		s = q.Frame + " | " + s
	}
	return s
}

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)

	// Count returns the number of matches for the innermost selector of q.
	// With a Child set, it counts children of the resolved parent. Index
	// and ChildIndex are ignored for the counted level.
	Count(ctx context.Context, q Query) (int, error)
	// Visible reports whether the element exists and is rendered. A missing
	// element is not an error.
	Visible(ctx context.Context, q Query) (bool, error)
	Text(ctx context.Context, q Query) (string, error)
	// Attr returns the attribute value, or "" when the attribute is absent.
	Attr(ctx context.Context, q Query, name string) (string, error)
	OuterHTML(ctx context.Context, q Query) (string, error)

	Click(ctx context.Context, q Query) error
	Fill(ctx context.Context, q Query, value string) error
	// SetClasses adds and removes classes on the element. When classes are
	// added, any inline display rule is removed so the element shows.
	SetClasses(ctx context.Context, q Query, add, remove []string) error
	PressEscape(ctx context.Context) error

	ScrollHeight(ctx context.Context) (int64, error)
	ScrollTo(ctx context.Context, y int64) error

	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Tab describes an open page target.
type Tab struct {
	ID    string
	URL   string
	Title string
}

// Browser is a Page bound to the active tab plus tab management.
type Browser interface {
	Page
	Tabs(ctx context.Context) ([]Tab, error)
	ActiveTab() string
	Activate(ctx context.Context, id string) error
	CloseTab(ctx context.Context, id string) error
	Close() error
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitFor polls cond every interval until it reports true or timeout passes.
// Errors from cond are treated as "not yet" and the last one is wrapped into
// the timeout error.
func WaitFor(ctx context.Context, timeout, interval time.Duration, cond func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		ok, err := cond(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrWaitTimeout, lastErr)
			}
			return ErrWaitTimeout
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// WaitVisible waits until q is visible.
func WaitVisible(ctx context.Context, p Page, q Query, timeout, interval time.Duration) error {
	err := WaitFor(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		return p.Visible(ctx, q)
	})
	if err != nil {
		return fmt.Errorf("wait visible %s: %w", q, err)
	}
	return nil
}

// FirstVisible returns the first candidate that is currently visible.
func FirstVisible(ctx context.Context, p Page, candidates ...Query) (Query, bool) {
	for _, q := range candidates {
		visible, err := p.Visible(ctx, q)
		if err == nil && visible {
			return q, true
		}
	}
	return Query{}, false
}
