// Package browsertest provides an in-memory browser.Browser backed by goquery
// documents, for exercising page-driving code without Chrome.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-colleges/browser"
)

// ClickFunc reacts to a click on el. It may mutate the DOM, navigate or open tabs.
type ClickFunc func(b *Browser, el *goquery.Selection) error

type clickHandler struct {
	selector string
	fn       ClickFunc
}

type tab struct {
	id      string
	url     string
	doc     *goquery.Document
	frames  map[string]*goquery.Document
	blocked map[string]bool
}

// Browser is a fake multi-tab browser.
type Browser struct {
	mu     sync.Mutex
	tabs   []*tab
	active int
	nextID int

	routes      map[string]string
	frameRoutes map[string]map[string]string
	navErrors   map[string]error
	handlers    []clickHandler
	heights     []int64
	heightCalls int

	// Recorded interactions.
	Navigations []string
	Clicks      []string
	Filled      map[string]string
	Scrolls     []int64
	Escapes     int
	Closed      bool
}

var _ browser.Browser = (*Browser)(nil)

// New returns a browser with one blank tab.
func New() *Browser {
	b := &Browser{
		routes:      make(map[string]string),
		frameRoutes: make(map[string]map[string]string),
		navErrors:   make(map[string]error),
		Filled:      make(map[string]string),
	}
	b.tabs = []*tab{b.newTab("about:blank", "<html><body></body></html>")}
	return b
}

func (b *Browser) newTab(url, html string) *tab {
	b.nextID++
	t := &tab{id: fmt.Sprintf("tab-%d", b.nextID)}
	b.render(t, url, html)
	return t
}

// render loads html into t along with any frames routed for url.
func (b *Browser) render(t *tab, url, html string) {
	t.url = url
	t.doc = mustParse(html)
	t.frames = make(map[string]*goquery.Document)
	t.blocked = make(map[string]bool)
	for sel, frameHTML := range b.frameRoutes[url] {
		t.frames[sel] = mustParse(frameHTML)
	}
}

func mustParse(html string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		panic(fmt.Sprintf("browsertest: parse html: %v", err))
	}
	return doc
}

// Route serves html whenever url is navigated to.
func (b *Browser) Route(url, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[url] = html
}

// RouteFrame gives the iframe matched by selector a readable document
// whenever url is loaded.
func (b *Browser) RouteFrame(url, selector, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frameRoutes[url] == nil {
		b.frameRoutes[url] = make(map[string]string)
	}
	b.frameRoutes[url][selector] = html
}

// FailNavigation makes navigation to url return err.
func (b *Browser) FailNavigation(url string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navErrors[url] = err
}

// OnClick registers fn for clicks on elements matching selector. The first
// matching handler wins.
func (b *Browser) OnClick(selector string, fn ClickFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, clickHandler{selector: selector, fn: fn})
}

// SetHeights scripts successive ScrollHeight results. The last value repeats.
func (b *Browser) SetHeights(heights ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heights = heights
	b.heightCalls = 0
}

// Load replaces the active tab's document and address.
func (b *Browser) Load(url, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.render(b.tabs[b.active], url, html)
}

// SetURL changes the active tab's address without touching the document.
func (b *Browser) SetURL(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabs[b.active].url = url
}

// SetFrame gives the iframe matched by selector a readable document.
func (b *Browser) SetFrame(selector, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabs[b.active].frames[selector] = mustParse(html)
}

// BlockFrame makes the iframe's document unreadable, as with cross-origin frames.
func (b *Browser) BlockFrame(selector string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabs[b.active].blocked[selector] = true
}

// OpenTab opens a new background tab and returns its ID.
func (b *Browser) OpenTab(url, html string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.newTab(url, html)
	b.tabs = append(b.tabs, t)
	return t.id
}

// Doc returns the active tab's document for direct inspection or mutation.
func (b *Browser) Doc() *goquery.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[b.active].doc
}

// Navigate loads a routed page into the active tab.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.Navigations = append(b.Navigations, url)
	if err, ok := b.navErrors[url]; ok {
		b.mu.Unlock()
		return err
	}
	html, ok := b.routes[url]
	b.mu.Unlock()
	if !ok {
		html = "<html><body></body></html>"
	}
	b.Load(url, html)
	return nil
}

// Location returns the active tab's address.
func (b *Browser) Location(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[b.active].url, nil
}

// list resolves the top-level selection of q. ok is false when the frame is unavailable.
func (b *Browser) list(q browser.Query) (*goquery.Selection, bool) {
	t := b.tabs[b.active]
	doc := t.doc
	if q.Frame != "" {
		if t.doc.Find(q.Frame).Length() == 0 || t.blocked[q.Frame] {
			return nil, false
		}
		frame, ok := t.frames[q.Frame]
		if !ok {
			return nil, false
		}
		doc = frame
	}
	sel := doc.Find(q.Selector)
	if q.Contains != "" {
		needle := strings.ToLower(q.Contains)
		sel = sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(strings.ToLower(s.Text()), needle)
		})
	}
	return sel, true
}

func (b *Browser) resolve(q browser.Query) (*goquery.Selection, error) {
	sel, ok := b.list(q)
	if !ok {
		return nil, fmt.Errorf("%s: %w", q, browser.ErrFrameUnavailable)
	}
	el := sel.Eq(q.Index)
	if el.Length() > 0 && q.Child != "" {
		el = el.Find(q.Child).Eq(q.ChildIndex)
	}
	if el.Length() == 0 {
		return nil, fmt.Errorf("%s: %w", q, browser.ErrNoElement)
	}
	return el, nil
}

// Count returns the number of matches for the innermost selector.
func (b *Browser) Count(ctx context.Context, q browser.Query) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sel, ok := b.list(q)
	if !ok {
		return 0, fmt.Errorf("%s: %w", q, browser.ErrFrameUnavailable)
	}
	if q.Child == "" {
		return sel.Length(), nil
	}
	return sel.Eq(q.Index).Find(q.Child).Length(), nil
}

// Visible reports whether q resolves to an element that is not hidden.
func (b *Browser) Visible(ctx context.Context, q browser.Query) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		if _, ok := b.list(q); !ok {
			return false, err
		}
		return false, nil
	}
	return IsVisible(el), nil
}

// IsVisible reports whether el and its ancestors lack hidden markers.
func IsVisible(el *goquery.Selection) bool {
	for node := el; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		style, _ := node.Attr("style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") {
			return false
		}
	}
	return true
}

// Text returns the element's text content.
func (b *Browser) Text(ctx context.Context, q browser.Query) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		return "", err
	}
	return el.Text(), nil
}

// Attr returns an attribute value or "".
func (b *Browser) Attr(ctx context.Context, q browser.Query, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		return "", err
	}
	return el.AttrOr(name, ""), nil
}

// OuterHTML returns the element's markup.
func (b *Browser) OuterHTML(ctx context.Context, q browser.Query) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		return "", err
	}
	return goquery.OuterHtml(el)
}

// Click runs the first registered handler matching the element.
func (b *Browser) Click(ctx context.Context, q browser.Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	el, err := b.resolve(q)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.Clicks = append(b.Clicks, q.String())
	var fn ClickFunc
	for _, h := range b.handlers {
		if el.Is(h.selector) {
			fn = h.fn
			break
		}
	}
	b.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(b, el)
}

// Fill sets the element's value attribute.
func (b *Browser) Fill(ctx context.Context, q browser.Query, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		return err
	}
	el.SetAttr("value", value)
	b.Filled[q.Selector] = value
	return nil
}

// SetClasses edits the class list and clears inline display when adding.
func (b *Browser) SetClasses(ctx context.Context, q browser.Query, add, remove []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, err := b.resolve(q)
	if err != nil {
		return err
	}
	if len(remove) > 0 {
		el.RemoveClass(remove...)
	}
	if len(add) > 0 {
		el.AddClass(add...)
		if style, ok := el.Attr("style"); ok {
			var kept []string
			for _, rule := range strings.Split(style, ";") {
				if strings.HasPrefix(strings.TrimSpace(strings.ToLower(rule)), "display") || strings.TrimSpace(rule) == "" {
					continue
				}
				kept = append(kept, strings.TrimSpace(rule))
			}
			el.SetAttr("style", strings.Join(kept, ";"))
		}
	}
	return nil
}

// PressEscape hides every open dropdown menu.
func (b *Browser) PressEscape(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Escapes++
	b.tabs[b.active].doc.Find(".dropdown-menu.show").RemoveClass("show").SetAttr("style", "display: none")
	return nil
}

// ScrollHeight returns the next scripted height.
func (b *Browser) ScrollHeight(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.heights) == 0 {
		return 1000, nil
	}
	i := b.heightCalls
	if i >= len(b.heights) {
		i = len(b.heights) - 1
	}
	b.heightCalls++
	return b.heights[i], nil
}

// ScrollTo records the scroll position.
func (b *Browser) ScrollTo(ctx context.Context, y int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Scrolls = append(b.Scrolls, y)
	return nil
}

// Content returns the active document's HTML.
func (b *Browser) Content(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[b.active].doc.Html()
}

// Screenshot returns placeholder PNG bytes.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

// Tabs lists open tabs.
func (b *Browser) Tabs(ctx context.Context) ([]browser.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]browser.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, browser.Tab{ID: t.id, URL: t.url})
	}
	return out, nil
}

// ActiveTab returns the active tab's ID.
func (b *Browser) ActiveTab() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[b.active].id
}

// Activate switches to tab id.
func (b *Browser) Activate(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.tabs {
		if t.id == id {
			b.active = i
			return nil
		}
	}
	return fmt.Errorf("browsertest: no tab %s", id)
}

// CloseTab removes tab id. Closing the last tab is refused.
func (b *Browser) CloseTab(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	activeID := b.tabs[b.active].id
	for i, t := range b.tabs {
		if t.id != id {
			continue
		}
		if len(b.tabs) == 1 {
			return fmt.Errorf("browsertest: refusing to close the last tab")
		}
		b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
		b.active = 0
		for j, rest := range b.tabs {
			if rest.id == activeID {
				b.active = j
			}
		}
		return nil
	}
	return fmt.Errorf("browsertest: no tab %s", id)
}

// Close marks the browser closed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}
