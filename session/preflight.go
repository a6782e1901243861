package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// DashboardResolver finds the dashboard link on the entry page with a plain
// HTTP fetch, for when the rendered page offers no clickable control.
type DashboardResolver struct {
	userAgent string
	timeout   time.Duration
	// Transport overrides the HTTP transport, e.g. in tests.
	Transport http.RoundTripper
}

// NewDashboardResolver returns a resolver with the given user agent and request timeout.
func NewDashboardResolver(userAgent string, timeout time.Duration) *DashboardResolver {
	return &DashboardResolver{
		userAgent: userAgent,
		timeout:   timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Resolve fetches entryURL and returns the absolute address of its dashboard
// link. A link labelled "Student Dashboard" beats one that only mentions
// the dashboard in its href.
func (r *DashboardResolver) Resolve(ctx context.Context, entryURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	collector := colly.NewCollector(colly.UserAgent(r.userAgent))
	collector.SetRequestTimeout(r.timeout)
	if r.Transport != nil {
		collector.WithTransport(r.Transport)
	}

	var byText, byHref string
	var fetchErr error
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs := e.Request.AbsoluteURL(href)
		if byText == "" && strings.Contains(strings.ToLower(e.Text), "student dashboard") {
			byText = abs
		}
		if byHref == "" && strings.Contains(strings.ToLower(href), "dashboard") {
			byHref = abs
		}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fetchErr = fmt.Errorf("fetch entry page (status %d): %w", status, err)
	})

	if err := collector.Visit(entryURL); err != nil {
		return "", fmt.Errorf("visit entry page: %w", err)
	}
	if fetchErr != nil {
		return "", fetchErr
	}

	switch {
	case byText != "":
		return byText, nil
	case byHref != "":
		return byHref, nil
	}
	slog.Debug("entry page has no dashboard link", slog.String("url", entryURL))
	return "", nil
}
