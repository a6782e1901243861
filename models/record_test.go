package models

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScrapeFiltersBaseFilename(t *testing.T) {
	tests := []struct {
		name    string
		filters ScrapeFilters
		want    string
	}{
		{name: "all unset", filters: ScrapeFilters{}, want: "colleges_data"},
		{name: "single", filters: ScrapeFilters{CourseCategory: "Engineering"}, want: "Engineering"},
		{
			name:    "spaces collapsed",
			filters: ScrapeFilters{CourseCategory: "Medical Sciences", City: " New  Delhi "},
			want:    "Medical_Sciences_New_Delhi",
		},
		{
			name:    "path separators replaced",
			filters: ScrapeFilters{CourseCategory: "IT", Specialization: "Computer/IT", University: `..\Anna / Univ`},
			want:    "IT_Computer_IT_.._Anna_Univ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filters.BaseFilename(); got != tt.want {
				t.Fatalf("BaseFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProgramRecordUnmarshalExams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "string", in: `{"name":"B.Tech","entrance_exams":"JEE Main, , BITSAT"}`, want: []string{"JEE Main", "BITSAT"}},
		{name: "list", in: `{"name":"B.Tech","entrance_exams":[" JEE Main ",""]}`, want: []string{"JEE Main"}},
		{name: "missing", in: `{"name":"B.Tech"}`, want: nil},
		{name: "null", in: `{"name":"B.Tech","entrance_exams":null}`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ProgramRecord
			if err := json.Unmarshal([]byte(tt.in), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.Name != "B.Tech" {
				t.Fatalf("name = %q", p.Name)
			}
			if diff := cmp.Diff(tt.want, p.EntranceExams); diff != "" {
				t.Fatalf("exams mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNonEmptyFields(t *testing.T) {
	sparse := &EntityRecord{Name: "Alpha College"}
	rich := &EntityRecord{
		Name:           "Alpha College",
		Location:       "Pune, Maharashtra",
		HasWebsiteLink: true,
		Programs:       []ProgramRecord{{Name: "B.Tech"}, {Name: "M.Tech"}},
	}

	if got := sparse.NonEmptyFields(); got != 1 {
		t.Fatalf("sparse = %d, want 1", got)
	}
	if got := rich.NonEmptyFields(); got != 4 {
		t.Fatalf("rich = %d, want 4", got)
	}
	if sparse.Key() != "alpha college" {
		t.Fatalf("key = %q", sparse.Key())
	}
}

func TestParseFormats(t *testing.T) {
	tests := []struct {
		in      string
		want    []Format
		wantErr bool
	}{
		{in: "csv", want: []Format{FormatTable}},
		{in: "json", want: []Format{FormatStream}},
		{in: "both", want: []Format{FormatTable, FormatStream}},
		{in: "stream,table,csv", want: []Format{FormatStream, FormatTable}},
		{in: "", wantErr: true},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormats(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormats(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("formats mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if FormatTable.Filename("out") != "out.csv" || FormatStream.Filename("out") != "out.jsonl" {
		t.Fatalf("unexpected filenames")
	}
}
