package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ChromeOptions configures the Chrome process.
type ChromeOptions struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
}

type tabHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Browser = (*Chrome)(nil)

// Chrome drives a local Chrome instance through the DevTools protocol.
type Chrome struct {
	navTimeout time.Duration

	allocCancel   context.CancelFunc
	rootCtx       context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	active string
	tabs   map[string]tabHandle
}

// NewChrome starts Chrome and attaches to its first tab.
func NewChrome(opts ChromeOptions) (*Chrome, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	rootCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(rootCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	id := string(chromedp.FromContext(rootCtx).Target.TargetID)
	return &Chrome{
		navTimeout:    opts.NavigationTimeout,
		allocCancel:   allocCancel,
		rootCtx:       rootCtx,
		browserCancel: browserCancel,
		active:        id,
		tabs:          map[string]tabHandle{id: {ctx: rootCtx}},
	}, nil
}

func (c *Chrome) tabContext() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.tabs[c.active]
	if !ok {
		return nil, fmt.Errorf("browser: no active tab")
	}
	return h.ctx, nil
}

// run executes actions on the active tab, bounded by the caller's ctx.
// Cancelling the derived context never closes the tab itself.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	tab, err := c.tabContext()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Navigate loads url in the active tab and waits for the load event.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	if c.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.navTimeout)
		defer cancel()
	}
	if err := c.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Location returns the active tab's address.
func (c *Chrome) Location(ctx context.Context) (string, error) {
	var loc string
	if err := c.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

type evalResult struct {
	Frame  bool   `json:"frame"`
	Found  bool   `json:"found"`
	Value  string `json:"value"`
	Number int64  `json:"number"`
	Bool   bool   `json:"bool"`
}

func (c *Chrome) eval(ctx context.Context, q Query, body string, args ...any) (evalResult, error) {
	script, err := buildScript(q, body, args...)
	if err != nil {
		return evalResult{}, err
	}
	var res evalResult
	if err := c.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return evalResult{}, err
	}
	return res, nil
}

// element runs body against the resolved element and maps lookup failures.
func (c *Chrome) element(ctx context.Context, q Query, body string, args ...any) (evalResult, error) {
	res, err := c.eval(ctx, q, elementBody(body), args...)
	if err != nil {
		return res, err
	}
	if !res.Frame {
		return res, fmt.Errorf("%s: %w", q, ErrFrameUnavailable)
	}
	if !res.Found {
		return res, fmt.Errorf("%s: %w", q, ErrNoElement)
	}
	return res, nil
}

// Count returns the number of matches for the innermost selector.
func (c *Chrome) Count(ctx context.Context, q Query) (int, error) {
	res, err := c.eval(ctx, q, countBody)
	if err != nil {
		return 0, err
	}
	if !res.Frame {
		return 0, fmt.Errorf("%s: %w", q, ErrFrameUnavailable)
	}
	return int(res.Number), nil
}

// Visible reports whether q resolves to a rendered element.
func (c *Chrome) Visible(ctx context.Context, q Query) (bool, error) {
	res, err := c.eval(ctx, q, elementBody(visibleBody))
	if err != nil {
		return false, err
	}
	if !res.Frame {
		return false, fmt.Errorf("%s: %w", q, ErrFrameUnavailable)
	}
	return res.Found && res.Bool, nil
}

// Text returns the element's rendered text.
func (c *Chrome) Text(ctx context.Context, q Query) (string, error) {
	res, err := c.element(ctx, q, `return {value: el.innerText || el.textContent || ''};`)
	return res.Value, err
}

// Attr returns an attribute value or "" when absent.
func (c *Chrome) Attr(ctx context.Context, q Query, name string) (string, error) {
	res, err := c.element(ctx, q, `return {value: el.getAttribute(__args[0]) || ''};`, name)
	return res.Value, err
}

// OuterHTML returns the element's serialized markup.
func (c *Chrome) OuterHTML(ctx context.Context, q Query) (string, error) {
	res, err := c.element(ctx, q, `return {value: el.outerHTML};`)
	return res.Value, err
}

// Click scrolls the element into view and clicks it.
func (c *Chrome) Click(ctx context.Context, q Query) error {
	_, err := c.element(ctx, q, `el.scrollIntoView({block: 'center'}); el.click(); return {};`)
	return err
}

// Fill sets an input's value and fires input and change events.
func (c *Chrome) Fill(ctx context.Context, q Query, value string) error {
	_, err := c.element(ctx, q, `el.focus();
el.value = __args[0];
el.dispatchEvent(new Event('input', {bubbles: true}));
el.dispatchEvent(new Event('change', {bubbles: true}));
return {};`, value)
	return err
}

// SetClasses edits the element's class list directly.
func (c *Chrome) SetClasses(ctx context.Context, q Query, add, remove []string) error {
	if add == nil {
		add = []string{}
	}
	if remove == nil {
		remove = []string{}
	}
	_, err := c.element(ctx, q, `__args[1].forEach(n => el.classList.remove(n));
__args[0].forEach(n => el.classList.add(n));
if (__args[0].length > 0) { el.style.removeProperty('display'); }
return {};`, add, remove)
	return err
}

// PressEscape sends an Escape key press to the focused element.
func (c *Chrome) PressEscape(ctx context.Context) error {
	return c.run(ctx, chromedp.KeyEvent(kb.Escape))
}

// ScrollHeight returns the document's scrollable height.
func (c *Chrome) ScrollHeight(ctx context.Context) (int64, error) {
	var h int64
	err := c.run(ctx, chromedp.Evaluate(`Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)`, &h))
	return h, err
}

// ScrollTo scrolls the window to vertical offset y.
func (c *Chrome) ScrollTo(ctx context.Context, y int64) error {
	return c.run(ctx, chromedp.Evaluate(fmt.Sprintf(`window.scrollTo(0, %d)`, y), nil))
}

// Content returns the active tab's full HTML.
func (c *Chrome) Content(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot captures the full page as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Tabs lists open page targets.
func (c *Chrome) Tabs(ctx context.Context) ([]Tab, error) {
	tab, err := c.tabContext()
	if err != nil {
		return nil, err
	}
	targets, err := chromedp.Targets(tab)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var out []Tab
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		out = append(out, Tab{ID: string(t.TargetID), URL: t.URL, Title: t.Title})
	}
	return out, nil
}

// ActiveTab returns the ID of the tab commands are sent to.
func (c *Chrome) ActiveTab() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Activate attaches to tab id and makes it the active tab.
func (c *Chrome) Activate(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.tabs[id]
	c.mu.Unlock()

	if !ok {
		tabCtx, cancel := chromedp.NewContext(c.rootCtx, chromedp.WithTargetID(target.ID(id)))
		if err := chromedp.Run(tabCtx); err != nil {
			cancel()
			return fmt.Errorf("attach tab %s: %w", id, err)
		}
		h = tabHandle{ctx: tabCtx, cancel: cancel}
	}

	browser := chromedp.FromContext(h.ctx).Browser
	if err := target.ActivateTarget(target.ID(id)).Do(cdp.WithExecutor(ctx, browser)); err != nil {
		return fmt.Errorf("activate tab %s: %w", id, err)
	}

	c.mu.Lock()
	c.tabs[id] = h
	c.active = id
	c.mu.Unlock()
	return nil
}

// CloseTab closes tab id.
func (c *Chrome) CloseTab(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.tabs[id]
	delete(c.tabs, id)
	if c.active == id {
		c.active = ""
	}
	c.mu.Unlock()

	if ok && h.cancel != nil {
		h.cancel()
		return nil
	}
	browser := chromedp.FromContext(c.rootCtx).Browser
	if err := target.CloseTarget(target.ID(id)).Do(cdp.WithExecutor(ctx, browser)); err != nil {
		return fmt.Errorf("close tab %s: %w", id, err)
	}
	return nil
}

// Close shuts Chrome down.
func (c *Chrome) Close() error {
	c.mu.Lock()
	for id, h := range c.tabs {
		if h.cancel != nil {
			h.cancel()
		}
		delete(c.tabs, id)
	}
	c.mu.Unlock()
	c.browserCancel()
	c.allocCancel()
	return nil
}

const resolverJS = `
function __doc(q) {
  if (!q.frame) return document;
  const f = document.querySelector(q.frame);
  if (!f) return null;
  try { return f.contentDocument; } catch (e) { return null; }
}
function __list(root, q) {
  let l = Array.from(root.querySelectorAll(q.selector));
  if (q.contains) {
    const c = q.contains.toLowerCase();
    l = l.filter(e => (e.textContent || '').toLowerCase().includes(c));
  }
  return l;
}
function __resolve(q) {
  const d = __doc(q);
  if (!d) return {frame: false, el: null};
  const el = __list(d, q)[q.index] || null;
  if (!el || !q.child) return {frame: true, el: el};
  return {frame: true, el: el.querySelectorAll(q.child)[q.childIndex] || null};
}
`

const countBody = `const d = __doc(__q);
if (!d) return {frame: false};
const l = __list(d, __q);
if (!__q.child) return {frame: true, found: true, number: l.length};
const p = l[__q.index];
return {frame: true, found: true, number: p ? p.querySelectorAll(__q.child).length : 0};`

const visibleBody = `const view = el.ownerDocument.defaultView || window;
const style = view.getComputedStyle(el);
return {bool: el.getClientRects().length > 0 && style.visibility !== 'hidden' && style.display !== 'none'};`

func elementBody(body string) string {
	return `const r = __resolve(__q);
if (!r.frame) return {frame: false};
if (!r.el) return {frame: true, found: false};
const el = r.el;
return Object.assign({frame: true, found: true}, (() => {` + body + `})());`
}

func buildScript(q Query, body string, args ...any) (string, error) {
	qJSON, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	if args == nil {
		args = []any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	return fmt.Sprintf("(() => {\n%s\nconst __q = %s;\nconst __args = %s;\n%s\n})()", resolverJS, qJSON, argsJSON, body), nil
}
