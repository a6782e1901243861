// Package parser reads entity and program fields out of result card markup.
//
// Every field has its own ordered chain of strategies. The first strategy to
// produce a non-empty value wins; a field whose chain is exhausted is left
// empty and reported as a miss, never as an error.
package parser

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// Live-page selectors shared with the extractor and navigator.
const (
	CardSelector       = "div.college-box"
	DropdownToggle     = "button.dropdown-toggle"
	DropdownMenu       = "ul.dropdown-menu.courses-dropdown"
	DropdownItem       = "ul.dropdown-menu.courses-dropdown li[data-search]"
	detailsScope       = ".college-basic-details"
	selectedItemMarker = "li[style*='cursor: not-allowed']"
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	totalPattern = regexp.MustCompile(`(\d+)\s+Course`)
	typeKeywords = []string{"deemed", "private", "government", "public"}
)

// CleanText collapses runs of whitespace and trims the result.
func CleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Strategy reads one value from a card. An empty result hands over to the next strategy.
type Strategy func(card *goquery.Selection) string

// FirstOf runs strategies in order and returns the first non-empty value.
func FirstOf(card *goquery.Selection, strategies ...Strategy) string {
	for _, s := range strategies {
		if v := CleanText(s(card)); v != "" {
			return v
		}
	}
	return ""
}

// TextOf reads the text of the first element matching selector.
func TextOf(selector string) Strategy {
	return func(card *goquery.Selection) string {
		return card.Find(selector).First().Text()
	}
}

// AttrOf reads an attribute of the first element matching selector. An
// empty selector reads the card itself.
func AttrOf(selector, name string) Strategy {
	return func(card *goquery.Selection) string {
		sel := card
		if selector != "" {
			sel = card.Find(selector).First()
		}
		return sel.AttrOr(name, "")
	}
}

// IconText reads the text of the element wrapping an icon, e.g. "li > i.fa-pen".
func IconText(icon string) Strategy {
	return func(card *goquery.Selection) string {
		return card.Find(detailsScope + " i." + icon).First().Parent().Text()
	}
}

// KeywordItem returns the first li whose text contains any keyword.
func KeywordItem(keywords ...string) Strategy {
	return func(card *goquery.Selection) string {
		var found string
		card.Find("li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
			text := CleanText(li.Text())
			lower := strings.ToLower(text)
			for _, k := range keywords {
				if strings.Contains(lower, k) {
					found = text
					return false
				}
			}
			return true
		})
		return found
	}
}

// Snapshot parses a card's outer HTML and returns the card element.
func Snapshot(html string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse card snapshot: %w", err)
	}
	card := doc.Find(CardSelector).First()
	if card.Length() == 0 {
		card = doc.Find("body").Children().First()
	}
	if card.Length() == 0 {
		return nil, fmt.Errorf("card snapshot is empty")
	}
	return card, nil
}

// EntityName reads the card heading.
func EntityName(card *goquery.Selection) string {
	return FirstOf(card, TextOf("div.college-img-name h2"), TextOf("h2"))
}

// ParseEntity reads the entity-level fields of a card. Programs are not
// touched. misses lists fields every strategy failed for.
func ParseEntity(card *goquery.Selection) (rec models.EntityRecord, misses []string) {
	fields := []struct {
		name       string
		dst        *string
		strategies []Strategy
	}{
		{"name", &rec.Name, []Strategy{TextOf("div.college-img-name h2"), TextOf("h2")}},
		{"location", &rec.Location, []Strategy{TextOf("h4.location")}},
		{"category", &rec.Category, []Strategy{TextOf("div.scholarship-div span")}},
		{"total_programs", &rec.TotalPrograms, []Strategy{totalPrograms}},
		{"type", &rec.Type, []Strategy{IconText("fa-graduation-cap"), KeywordItem(typeKeywords...)}},
		{"match_percentage", &rec.MatchPercentage, []Strategy{TextOf("text.percentage")}},
		{"match_level", &rec.MatchLevel, []Strategy{TextOf("div.predictor-box-and-logo h4")}},
		{"source_id", &rec.SourceID, []Strategy{AttrOf("", "data-id")}},
	}

	for _, f := range fields {
		*f.dst = FirstOf(card, f.strategies...)
		if *f.dst == "" {
			misses = append(misses, f.name)
		}
	}
	rec.HasWebsiteLink = card.Find("a.get-university-website").Length() > 0
	return rec, misses
}

func totalPrograms(card *goquery.Selection) string {
	return ParseTotalPrograms(card.Find("p.courses-trending").First().Text())
}

// ParseTotalPrograms extracts the number from text like "42 Courses".
func ParseTotalPrograms(text string) string {
	m := totalPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ProgramDetails are the program-level fields shown on a card for the selected program.
type ProgramDetails struct {
	Fees          string
	Duration      string
	DegreeType    string
	EntranceExams []string
}

// ParseProgramDetails reads the details block of a card. Icon-anchored lookups
// come first; the li keyword scan only fills fields they left empty.
func ParseProgramDetails(card *goquery.Selection) ProgramDetails {
	fees := FirstOf(card,
		func(c *goquery.Selection) string { return CleanFees(IconText("fa-indian-rupee-sign")(c)) },
		func(c *goquery.Selection) string { return CleanFees(TextOf("li.current-fees")(c)) },
	)
	duration := FirstOf(card, IconText("fa-calendar-days"))
	degree := FirstOf(card, IconText("fa-chart-simple"))
	exams := StripExamsLabel(FirstOf(card, IconText("fa-pen")))

	if duration == "" || degree == "" || exams == "" {
		card.Find("li").Each(func(_ int, li *goquery.Selection) {
			text := CleanText(li.Text())
			lower := strings.ToLower(text)
			switch {
			case duration == "" && strings.Contains(lower, "year"):
				duration = text
			case degree == "" && strings.Contains(lower, "degree"):
				degree = text
			case exams == "" && strings.Contains(lower, "exam"):
				exams = StripExamsLabel(text)
			}
		})
	}

	return ProgramDetails{
		Fees:          fees,
		Duration:      duration,
		DegreeType:    degree,
		EntranceExams: models.SplitExams(exams),
	}
}

// CleanFees strips the currency symbol and the lazy-load placeholder.
func CleanFees(s string) string {
	s = strings.ReplaceAll(s, "₹", "")
	s = strings.ReplaceAll(s, "Fetch fees", "")
	return CleanText(s)
}

// StripExamsLabel removes the "Exams:" prefix.
func StripExamsLabel(s string) string {
	return CleanText(strings.ReplaceAll(s, "Exams:", ""))
}

// CurrentProgramName reads the program shown before any interaction. The
// toggle label is often truncated, so the selected list item is preferred.
func CurrentProgramName(card *goquery.Selection) string {
	menu := card.Find(DropdownMenu).First()
	return FirstOf(card,
		func(*goquery.Selection) string { return menu.Find(selectedItemMarker).First().Text() },
		func(*goquery.Selection) string {
			return menu.Find("li").FilterFunction(func(_ int, li *goquery.Selection) bool {
				_, search := li.Attr("data-search")
				return !search && li.Find("input, [data-search]").Length() == 0
			}).First().Text()
		},
		AttrOf(DropdownToggle, "title"),
		TextOf(DropdownToggle),
	)
}

// DecodeProgramName decodes a base64 data-of attribute.
func DecodeProgramName(encoded string) string {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	return CleanText(string(raw))
}

// CityFromLocation returns the part of a location before the first comma.
func CityFromLocation(location string) string {
	city, _, _ := strings.Cut(location, ",")
	return strings.TrimSpace(city)
}

// ValidateEntity ensures a record carries an identity.
func ValidateEntity(e *models.EntityRecord) error {
	if e == nil {
		return fmt.Errorf("entity is nil")
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity missing name")
	}
	return nil
}
