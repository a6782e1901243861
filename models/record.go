// Package models defines data structures for the scraper.
package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// ScrapeFilters is the search predicate for a run. An empty field is unset.
type ScrapeFilters struct {
	CourseCategory string `json:"course_category,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	City           string `json:"city,omitempty"`
	University     string `json:"university,omitempty"`
}

// BaseFilename derives an output name from the populated filters.
func (f ScrapeFilters) BaseFilename() string {
	var parts []string
	for _, v := range []string{f.CourseCategory, f.Specialization, f.City, f.University} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		parts = append(parts, strings.Join(strings.FieldsFunc(v, separator), "_"))
	}
	if len(parts) == 0 {
		return "colleges_data"
	}
	return strings.Join(parts, "_")
}

// separator splits filter values on whitespace and path separators so a
// value never escapes the output directory.
func separator(r rune) bool {
	return unicode.IsSpace(r) || r == '/' || r == '\\'
}

// ProgramRecord is one program offered by an entity.
type ProgramRecord struct {
	Name          string   `json:"name"`
	Fees          string   `json:"fees"`
	Duration      string   `json:"duration"`
	DegreeType    string   `json:"degree_type"`
	EntranceExams []string `json:"entrance_exams"`
}

// UnmarshalJSON accepts entrance exams either as a list or as a
// comma-delimited string, as older stream files stored them.
func (p *ProgramRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name          string          `json:"name"`
		Fees          string          `json:"fees"`
		Duration      string          `json:"duration"`
		DegreeType    string          `json:"degree_type"`
		EntranceExams json.RawMessage `json:"entrance_exams"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Name = raw.Name
	p.Fees = raw.Fees
	p.Duration = raw.Duration
	p.DegreeType = raw.DegreeType
	p.EntranceExams = nil

	if len(raw.EntranceExams) == 0 || string(raw.EntranceExams) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw.EntranceExams, &list); err == nil {
		p.EntranceExams = SplitExams(strings.Join(list, ","))
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.EntranceExams, &text); err != nil {
		return err
	}
	p.EntranceExams = SplitExams(text)
	return nil
}

// SplitExams turns a comma-delimited exam list into trimmed, non-empty names.
func SplitExams(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EntityRecord is one institution card and every program read from its dropdown.
type EntityRecord struct {
	Name            string          `json:"name"`
	Location        string          `json:"location"`
	Category        string          `json:"category"`
	TotalPrograms   string          `json:"total_programs"`
	Type            string          `json:"type"`
	MatchPercentage string          `json:"match_percentage"`
	MatchLevel      string          `json:"match_level"`
	HasWebsiteLink  bool            `json:"has_website_link"`
	SourceID        string          `json:"source_id"`
	Programs        []ProgramRecord `json:"programs"`
}

// Key is the identity used for resumability and deduplication.
func (e *EntityRecord) Key() string {
	return EntityKey(e.Name)
}

// EntityKey normalizes an entity name for identity comparisons.
func EntityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NonEmptyFields counts populated fields. Programs count as a single field.
func (e *EntityRecord) NonEmptyFields() int {
	n := 0
	for _, v := range []string{e.Name, e.Location, e.Category, e.TotalPrograms, e.Type, e.MatchPercentage, e.MatchLevel, e.SourceID} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	if e.HasWebsiteLink {
		n++
	}
	if len(e.Programs) > 0 {
		n++
	}
	return n
}

// ScraperResult holds the overall result of an extraction run.
type ScraperResult struct {
	Entities     []*EntityRecord
	StartTime    time.Time
	EndTime      time.Time
	PageCount    int
	CardCount    int
	SkippedCount int
	FailedCards  int
	NewRecords   int
	ProgramCount int
	ErrorsByType map[string]int
	OutputFiles  map[Format]string
	SnapshotFile string
	Consolidated int
}
