// Package session establishes one authenticated browser session: it finds
// the dashboard, consolidates tabs, logs in through a possibly framed login
// form and falls back to an operator when automation fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-colleges/browser"
	"github.com/aluiziolira/go-scrape-colleges/config"
)

// Login steps, used as AuthError.Step.
const (
	StepEntry       = "entry"
	StepDashboard   = "dashboard"
	StepTabs        = "tabs"
	StepSurface     = "login_surface"
	StepCredentials = "credentials"
	StepSubmit      = "submit"
	StepVerify      = "verify"
	StepManual      = "manual"
)

const loginFrame = "iframe.loginIframe"

// ErrNoCredentials is returned when automated login has nothing to submit.
var ErrNoCredentials = errors.New("no login credentials configured")

// AuthError reports the step at which session establishment failed.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Field is one way of locating a form input.
type Field struct {
	Attr  string
	Value string
}

func (f Field) query(frame string) browser.Query {
	sel := fmt.Sprintf("input[%s='%s']", f.Attr, f.Value)
	if f.Attr == "id" {
		sel = "#" + f.Value
	}
	return browser.Q(sel).InFrame(frame)
}

var (
	dashboardCandidates = []browser.Query{
		browser.Q("a").WithText("Student Dashboard"),
		browser.Q("a[href*='dashboard']"),
		browser.Q("button").WithText("Student Dashboard"),
	}
	loggedInMarkers = []browser.Query{
		browser.Q("a, button").WithText("Logout"),
		browser.Q("a, button").WithText("Sign Out"),
	}
	emailFields = []Field{
		{Attr: "id", Value: "email"},
		{Attr: "name", Value: "email"},
		{Attr: "type", Value: "email"},
	}
	passwordFields = []Field{
		{Attr: "id", Value: "password"},
		{Attr: "name", Value: "password"},
		{Attr: "type", Value: "password"},
	}
)

func submitCandidates(frame string) []browser.Query {
	return []browser.Query{
		browser.Q("button").WithText("log in").InFrame(frame),
		browser.Q("button[type='submit']").InFrame(frame),
		browser.Q("input[type='submit']").InFrame(frame),
	}
}

// Manager owns the browser's login state.
type Manager struct {
	b            browser.Browser
	entryURL     string
	dashboardURL string
	email        string
	password     string

	manualLogin   bool
	headless      bool
	manualTimeout time.Duration
	navTimeout    time.Duration
	loginTimeout  time.Duration
	waitTimeout   time.Duration
	settle        time.Duration
	poll          time.Duration

	// Resolver, when set, looks up the dashboard link over plain HTTP.
	Resolver *DashboardResolver
	// Prompter, when set, enables the manual fallback.
	Prompter Prompter
}

// New builds a manager for b.
func New(cfg *config.Config, b browser.Browser) *Manager {
	return &Manager{
		b:             b,
		entryURL:      cfg.EntryURL,
		dashboardURL:  cfg.DashboardURL,
		email:         cfg.Email,
		password:      cfg.Password,
		manualLogin:   cfg.ManualLogin,
		headless:      cfg.Headless,
		manualTimeout: cfg.ManualLoginTimeout,
		navTimeout:    cfg.NavigationTimeout,
		loginTimeout:  cfg.LoginTimeout,
		waitTimeout:   cfg.WaitTimeout,
		settle:        cfg.SettleInterval,
		poll:          cfg.PollInterval,
	}
}

// Authenticate leaves the browser with exactly one logged-in tab. When the
// automated flow fails and an operator is available, it waits for a manual
// login instead.
func (m *Manager) Authenticate(ctx context.Context) error {
	err := m.login(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !m.manualAvailable() {
		return err
	}

	slog.Warn("automated login failed; waiting for manual login", slog.Any("error", err))
	if merr := m.manual(ctx); merr != nil {
		return &AuthError{Step: StepManual, Err: errors.Join(err, merr)}
	}
	return nil
}

func (m *Manager) manualAvailable() bool {
	return m.manualLogin && !m.headless && m.Prompter != nil
}

func (m *Manager) login(ctx context.Context) error {
	slog.Info("opening entry page", slog.String("url", m.entryURL))
	if err := m.navigate(ctx, m.entryURL); err != nil {
		return &AuthError{Step: StepEntry, Err: err}
	}

	if err := m.openDashboard(ctx); err != nil {
		return &AuthError{Step: StepDashboard, Err: err}
	}
	if err := m.consolidateTabs(ctx); err != nil {
		return &AuthError{Step: StepTabs, Err: err}
	}

	if m.loggedIn(ctx) {
		slog.Info("session already logged in")
		return nil
	}
	if m.email == "" || m.password == "" {
		return &AuthError{Step: StepCredentials, Err: ErrNoCredentials}
	}

	frame, err := m.loginSurface(ctx)
	if err != nil {
		return &AuthError{Step: StepSurface, Err: err}
	}
	m.activateLoginTab(ctx, frame)

	if err := m.fill(ctx, frame, emailFields, m.email); err != nil {
		return &AuthError{Step: StepCredentials, Err: fmt.Errorf("email: %w", err)}
	}
	if err := m.fill(ctx, frame, passwordFields, m.password); err != nil {
		return &AuthError{Step: StepCredentials, Err: fmt.Errorf("password: %w", err)}
	}

	submit, ok := browser.FirstVisible(ctx, m.b, submitCandidates(frame)...)
	if !ok {
		return &AuthError{Step: StepSubmit, Err: browser.ErrNoElement}
	}
	if err := m.b.Click(ctx, submit); err != nil {
		return &AuthError{Step: StepSubmit, Err: err}
	}

	if err := m.verify(ctx, frame); err != nil {
		return &AuthError{Step: StepVerify, Err: err}
	}
	if err := m.consolidateTabs(ctx); err != nil {
		return &AuthError{Step: StepTabs, Err: err}
	}
	slog.Info("login succeeded")
	return nil
}

func (m *Manager) navigate(ctx context.Context, address string) error {
	navCtx, cancel := context.WithTimeout(ctx, m.navTimeout)
	defer cancel()
	return m.b.Navigate(navCtx, address)
}

// openDashboard clicks the first visible dashboard control and follows a
// newly opened tab. Without a usable control it navigates directly.
func (m *Manager) openDashboard(ctx context.Context) error {
	before, err := m.b.Tabs(ctx)
	if err != nil {
		return err
	}

	if q, ok := browser.FirstVisible(ctx, m.b, dashboardCandidates...); ok {
		slog.Info("opening dashboard", slog.String("control", q.String()))
		err := m.b.Click(ctx, q)
		if err == nil {
			if err := browser.Sleep(ctx, m.settle); err != nil {
				return err
			}
			return m.followNewTab(ctx, before)
		}
		slog.Warn("dashboard control failed; navigating directly", slog.Any("error", err))
	}

	target := m.dashboardURL
	if m.Resolver != nil {
		resolved, err := m.Resolver.Resolve(ctx, m.entryURL)
		if err != nil {
			slog.Warn("dashboard preflight failed", slog.Any("error", err))
		} else if resolved != "" {
			target = resolved
		}
	}
	slog.Info("navigating to dashboard", slog.String("url", target))
	return m.navigate(ctx, target)
}

func (m *Manager) followNewTab(ctx context.Context, before []browser.Tab) error {
	known := make(map[string]bool, len(before))
	for _, t := range before {
		known[t.ID] = true
	}
	after, err := m.b.Tabs(ctx)
	if err != nil {
		return err
	}
	for i := len(after) - 1; i >= 0; i-- {
		if known[after[i].ID] {
			continue
		}
		slog.Info("switching to new tab", slog.String("url", after[i].URL))
		return m.b.Activate(ctx, after[i].ID)
	}
	return nil
}

// consolidateTabs closes every tab but the active one.
func (m *Manager) consolidateTabs(ctx context.Context) error {
	tabs, err := m.b.Tabs(ctx)
	if err != nil {
		return err
	}
	active := m.b.ActiveTab()
	for _, t := range tabs {
		if t.ID == active {
			continue
		}
		if err := m.b.CloseTab(ctx, t.ID); err != nil {
			return fmt.Errorf("close tab %s: %w", t.ID, err)
		}
		slog.Debug("closed stray tab", slog.String("url", t.URL))
	}
	return nil
}

func (m *Manager) loggedIn(ctx context.Context) bool {
	_, ok := browser.FirstVisible(ctx, m.b, loggedInMarkers...)
	return ok
}

// loginSurface waits for the login form and returns the frame holding it,
// or "" for the top document. A frame whose document cannot be read is
// opened directly from its src.
func (m *Manager) loginSurface(ctx context.Context) (string, error) {
	var framed bool
	err := browser.WaitFor(ctx, m.waitTimeout, m.poll, func(ctx context.Context) (bool, error) {
		n, err := m.b.Count(ctx, browser.Q(loginFrame))
		if err != nil {
			return false, err
		}
		if n > 0 {
			framed = true
			return true, nil
		}
		_, ok := browser.FirstVisible(ctx, m.b, emailFields[0].query(""), emailFields[1].query(""), emailFields[2].query(""))
		return ok, nil
	})
	if err != nil {
		return "", fmt.Errorf("no login form or frame: %w", err)
	}
	if !framed {
		return "", nil
	}

	_, err = m.b.Count(ctx, browser.Q("body").InFrame(loginFrame))
	if err == nil {
		return loginFrame, nil
	}
	if !errors.Is(err, browser.ErrFrameUnavailable) {
		return "", err
	}

	src, err := m.b.Attr(ctx, browser.Q(loginFrame), "src")
	if err != nil || src == "" {
		return "", fmt.Errorf("login frame is unreadable and has no src: %w", browser.ErrFrameUnavailable)
	}
	target, err := m.absolute(ctx, src)
	if err != nil {
		return "", err
	}
	slog.Info("login frame unreadable; opening it directly", slog.String("url", target))
	if err := m.navigate(ctx, target); err != nil {
		return "", err
	}
	return "", nil
}

func (m *Manager) absolute(ctx context.Context, ref string) (string, error) {
	base, err := m.b.Location(ctx)
	if err != nil {
		return "", err
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse frame src: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

// activateLoginTab selects the login pane. If clicking its tab does not make
// the pane active, the pane classes are set directly.
func (m *Manager) activateLoginTab(ctx context.Context, frame string) {
	pane := browser.Q("#login").InFrame(frame)
	if n, err := m.b.Count(ctx, pane); err != nil || n == 0 {
		return
	}
	active := func(ctx context.Context) (bool, error) {
		class, err := m.b.Attr(ctx, pane, "class")
		return strings.Contains(" "+class+" ", " active "), err
	}

	tab := browser.Q("a[href='#login']").InFrame(frame)
	if visible, _ := m.b.Visible(ctx, tab); visible {
		if err := m.b.Click(ctx, tab); err != nil {
			slog.Debug("login tab click failed", slog.Any("error", err))
		}
		if browser.WaitFor(ctx, m.settle*4, m.poll, active) == nil {
			return
		}
	}

	slog.Info("forcing login tab active")
	if err := m.b.SetClasses(ctx, browser.Q("#signup").InFrame(frame), nil, []string{"in", "active"}); err != nil && !errors.Is(err, browser.ErrNoElement) {
		slog.Debug("deactivate signup pane", slog.Any("error", err))
	}
	if err := m.b.SetClasses(ctx, pane, []string{"in", "active"}, nil); err != nil {
		slog.Debug("activate login pane", slog.Any("error", err))
	}
}

// fill waits for the first visible candidate field and types value into it.
func (m *Manager) fill(ctx context.Context, frame string, fields []Field, value string) error {
	queries := make([]browser.Query, len(fields))
	for i, f := range fields {
		queries[i] = f.query(frame)
	}
	var target browser.Query
	err := browser.WaitFor(ctx, m.waitTimeout, m.poll, func(ctx context.Context) (bool, error) {
		q, ok := browser.FirstVisible(ctx, m.b, queries...)
		target = q
		return ok, nil
	})
	if err != nil {
		return fmt.Errorf("field not visible: %w", err)
	}
	return m.b.Fill(ctx, target, value)
}

// verify polls until the address has left the login page and the password
// field is gone.
func (m *Manager) verify(ctx context.Context, frame string) error {
	password := passwordFields[0].query(frame)
	return browser.WaitFor(ctx, m.loginTimeout, m.poll, func(ctx context.Context) (bool, error) {
		loc, err := m.b.Location(ctx)
		if err != nil {
			return false, err
		}
		if !AddressLoggedIn(loc) {
			return false, nil
		}
		visible, _ := m.b.Visible(ctx, password)
		return !visible, nil
	})
}

// AddressLoggedIn applies the URL rule for a completed login: no "login"
// segment, or a "dashboard" segment.
func AddressLoggedIn(address string) bool {
	lower := strings.ToLower(address)
	return !strings.Contains(lower, "login") || strings.Contains(lower, "dashboard")
}

func (m *Manager) manual(ctx context.Context) error {
	promptCtx, cancel := context.WithTimeout(ctx, m.manualTimeout)
	defer cancel()

	msg := "Manual login required: complete the login in the browser window, " +
		"wait for the dashboard, then press Enter."
	if err := m.Prompter.Confirm(promptCtx, msg); err != nil {
		return fmt.Errorf("waiting for operator: %w", err)
	}
	if err := m.consolidateTabs(ctx); err != nil {
		return err
	}

	loc, err := m.b.Location(ctx)
	if err != nil {
		return err
	}
	if !AddressLoggedIn(loc) {
		return fmt.Errorf("still on login page %s", loc)
	}
	slog.Info("manual login confirmed", slog.String("url", loc))
	return nil
}
