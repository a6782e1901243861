package browsertest

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Program is one dropdown entry of a fixture card.
type Program struct {
	Name     string
	Fees     string
	Duration string
	Degree   string
	Exams    string
}

// Card describes a result card rendered by ResultsPage.
type Card struct {
	ID       string
	Name     string
	Location string
	Category string
	Type     string
	Total    int
	Website  bool
	// Current is the program rendered before any interaction.
	Current Program
	// Others are the selectable dropdown entries.
	Others []Program
}

// ResultsPage renders cards in the markup of the live results surface. pager
// is appended verbatim after the cards.
func ResultsPage(pager string, cards ...Card) string {
	var sb strings.Builder
	sb.WriteString("<html><body><div class=\"results\">\n")
	for _, c := range cards {
		writeCard(&sb, c)
	}
	sb.WriteString("</div>\n")
	sb.WriteString(pager)
	sb.WriteString("\n</body></html>")
	return sb.String()
}

func writeCard(sb *strings.Builder, c Card) {
	esc := html.EscapeString
	fmt.Fprintf(sb, `<div class="college-box" data-id="%s">`, esc(c.ID))
	sb.WriteString(`<div class="predictor-box-and-logo"><svg><text class="percentage">75%</text></svg><h4>Good Match</h4></div>`)
	fmt.Fprintf(sb, `<div class="college-img-name"><h2>%s</h2><h4 class="location">%s</h4></div>`, esc(c.Name), esc(c.Location))
	fmt.Fprintf(sb, `<div class="scholarship-div"><span>%s</span></div>`, esc(c.Category))
	fmt.Fprintf(sb, `<p class="courses-trending">%d Courses available</p>`, c.Total)
	if c.Website {
		sb.WriteString(`<a class="get-university-website" href="#">Website</a>`)
	}

	sb.WriteString(`<div class="dropdown">`)
	fmt.Fprintf(sb, `<button class="dropdown-toggle" title="%s">%s</button>`, esc(c.Current.Name), esc(truncate(c.Current.Name)))
	sb.WriteString(`<ul class="dropdown-menu courses-dropdown" style="display: none">`)
	sb.WriteString(`<li><input type="text" placeholder="Search"></li>`)
	fmt.Fprintf(sb, `<li style="cursor: not-allowed;">%s</li>`, esc(c.Current.Name))
	for _, p := range c.Others {
		fmt.Fprintf(sb, `<li data-search="%s" data-of="%s" data-fees="%s" data-duration="%s" data-degree="%s" data-exams="%s">%s</li>`,
			esc(strings.ToLower(p.Name)), base64.StdEncoding.EncodeToString([]byte(p.Name)),
			esc(p.Fees), esc(p.Duration), esc(p.Degree), esc(p.Exams), esc(truncate(p.Name)))
	}
	sb.WriteString(`</ul></div>`)

	sb.WriteString(`<ul class="college-basic-details">`)
	fmt.Fprintf(sb, `<li><i class="fa fa-graduation-cap"></i> %s</li>`, esc(c.Type))
	writeDetails(sb, c.Current)
	sb.WriteString("</ul></div>\n")
}

func writeDetails(sb *strings.Builder, p Program) {
	esc := html.EscapeString
	fmt.Fprintf(sb, `<li class="fees"><i class="fa fa-indian-rupee-sign"></i> ₹ %s</li>`, esc(p.Fees))
	fmt.Fprintf(sb, `<li class="duration"><i class="fa fa-calendar-days"></i> %s</li>`, esc(p.Duration))
	fmt.Fprintf(sb, `<li class="degree"><i class="fa fa-chart-simple"></i> %s</li>`, esc(p.Degree))
	fmt.Fprintf(sb, `<li class="exams"><i class="fa fa-pen"></i> Exams: %s</li>`, esc(p.Exams))
}

func truncate(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}

// EmulateDropdowns installs click handlers that behave like the live card
// dropdowns: the toggle opens its menu, and selecting an item re-renders the
// card's details from the item's data attributes and closes the menu.
func (b *Browser) EmulateDropdowns() {
	b.OnClick("button.dropdown-toggle", func(_ *Browser, el *goquery.Selection) error {
		menu := el.Closest(".dropdown").Find("ul.dropdown-menu")
		menu.AddClass("show").RemoveAttr("style")
		return nil
	})
	b.OnClick("ul.dropdown-menu li[data-search]", func(_ *Browser, el *goquery.Selection) error {
		card := el.Closest("div.college-box")
		details := card.Find("ul.college-basic-details")
		details.Find("li.fees, li.duration, li.degree, li.exams").Remove()

		var sb strings.Builder
		writeDetails(&sb, Program{
			Fees:     el.AttrOr("data-fees", ""),
			Duration: el.AttrOr("data-duration", ""),
			Degree:   el.AttrOr("data-degree", ""),
			Exams:    el.AttrOr("data-exams", ""),
		})
		details.AppendHtml(sb.String())

		el.Closest("ul.dropdown-menu").RemoveClass("show").SetAttr("style", "display: none")
		return nil
	})
}
