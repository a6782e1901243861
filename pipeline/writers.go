package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// OutputWriter appends entity records to one durable file.
type OutputWriter interface {
	Append(rec *models.EntityRecord) error
	Path() string
	Validate() error
}

var tableHeader = []string{
	"name", "location", "category", "total_programs", "type",
	"match_percentage", "match_level", "has_website_link", "source_id",
}

// Older table files used display labels as headers.
var legacyTableHeader = map[string]string{
	"College Name":     "name",
	"Location":         "location",
	"Course Category":  "category",
	"Total Courses":    "total_programs",
	"College Type":     "type",
	"Match Percentage": "match_percentage",
	"Match Level":      "match_level",
	"Has Website Link": "has_website_link",
	"College ID":       "source_id",
}

func tableRow(rec *models.EntityRecord) []string {
	website := "No"
	if rec.HasWebsiteLink {
		website = "Yes"
	}
	return []string{
		rec.Name, rec.Location, rec.Category, rec.TotalPrograms, rec.Type,
		rec.MatchPercentage, rec.MatchLevel, website, rec.SourceID,
	}
}

// TableWriter appends one CSV row per entity. The header is written with the
// first row of a new file.
type TableWriter struct {
	path    string
	mu      sync.Mutex
	checked bool
}

// NewTableWriter prepares a table writer for path.
func NewTableWriter(path string) (*TableWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return &TableWriter{path: path}, nil
}

// Append writes rec as a single durable write.
func (tw *TableWriter) Append(rec *models.EntityRecord) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if !tw.checked {
		if err := repairTableHeader(tw.path); err != nil {
			return err
		}
		tw.checked = true
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	return appendDurably(tw.path, func(fresh bool) ([]byte, error) {
		if fresh {
			if err := writer.Write(tableHeader); err != nil {
				return nil, fmt.Errorf("write csv header: %w", err)
			}
		}
		if err := writer.Write(tableRow(rec)); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, fmt.Errorf("flush csv record: %w", err)
		}
		return buf.Bytes(), nil
	})
}

// Path returns the file being appended to.
func (tw *TableWriter) Path() string { return tw.path }

// Validate ensures the file has content besides the header.
func (tw *TableWriter) Validate() error {
	return validateNonEmpty(tw.path, "csv")
}

// repairTableHeader replaces a first line that is torn or not a known header
// with the current header, keeping the rows after it. Appending below a bad
// header would leave every new row unreadable.
func repairTableHeader(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	first, err := bufio.NewReader(f).ReadBytes('\n')
	f.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	if len(first) == 0 || (bytes.HasSuffix(first, []byte{'\n'}) && knownTableHeader(first)) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	_, rest, complete := bytes.Cut(data, []byte{'\n'})

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(tableHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if complete {
		buf.Write(rest)
	}
	slog.Warn("replaced damaged table header",
		slog.String("path", path),
		slog.String("found", strings.TrimSpace(string(first))),
	)
	return writeAtomic(path, buf.Bytes())
}

func knownTableHeader(line []byte) bool {
	fields, err := csv.NewReader(bytes.NewReader(line)).Read()
	if err != nil || len(fields) == 0 {
		return false
	}
	current := len(fields) == len(tableHeader)
	legacy := true
	for i, h := range fields {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if current && h != tableHeader[i] {
			current = false
		}
		if _, ok := legacyTableHeader[h]; !ok {
			legacy = false
		}
	}
	return current || legacy
}

// StreamWriter appends one JSON object per line.
type StreamWriter struct {
	path string
	mu   sync.Mutex
}

// NewStreamWriter prepares a JSONL writer for path.
func NewStreamWriter(path string) (*StreamWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return &StreamWriter{path: path}, nil
}

// Append writes rec as one line in a single durable write.
func (sw *StreamWriter) Append(rec *models.EntityRecord) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	return appendDurably(sw.path, func(bool) ([]byte, error) {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode json record: %w", err)
		}
		return append(line, '\n'), nil
	})
}

// Path returns the file being appended to.
func (sw *StreamWriter) Path() string { return sw.path }

// Validate ensures the JSONL file has data.
func (sw *StreamWriter) Validate() error {
	return validateNonEmpty(sw.path, "jsonl")
}

// appendDurably opens path for append, writes the encoded payload in one
// call and fsyncs before closing. A torn last line from an earlier crash is
// terminated first so the new record starts on its own line.
func appendDurably(path string, encode func(fresh bool) ([]byte, error)) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	payload, err := encode(info.Size() == 0)
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("read tail of %s: %w", path, err)
		}
		if last[0] != '\n' {
			payload = append([]byte{'\n'}, payload...)
		}
	}

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

func validateNonEmpty(path, kind string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s file: %w", kind, err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("%s file is empty", kind)
	}
	return nil
}

// LoadTable reads entity rows from a table file. Rows with the wrong column
// count are skipped. A missing file yields no records.
func LoadTable(path string) ([]*models.EntityRecord, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header of %s: %w", path, err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if mapped, ok := legacyTableHeader[h]; ok {
			h = mapped
		}
		columns[i] = h
	}

	var out []*models.EntityRecord
	skipped := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) || (err == nil && len(row) != len(columns)) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", path, err)
		}

		rec := &models.EntityRecord{}
		for i, col := range columns {
			v := strings.TrimSpace(row[i])
			switch col {
			case "name":
				rec.Name = v
			case "location":
				rec.Location = v
			case "category":
				rec.Category = v
			case "total_programs":
				rec.TotalPrograms = v
			case "type":
				rec.Type = v
			case "match_percentage":
				rec.MatchPercentage = v
			case "match_level":
				rec.MatchLevel = v
			case "has_website_link":
				rec.HasWebsiteLink = strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
			case "source_id":
				rec.SourceID = v
			}
		}
		if rec.Name == "" {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}

type legacyProgram struct {
	Name          string `json:"Course Name"`
	Fees          string `json:"Fees"`
	Duration      string `json:"Duration"`
	DegreeType    string `json:"Degree Type"`
	EntranceExams string `json:"Entrance Exams"`
}

type legacyEntity struct {
	Name            string          `json:"College Name"`
	Location        string          `json:"Location"`
	Category        string          `json:"Course Category"`
	TotalPrograms   string          `json:"Total Courses"`
	Type            string          `json:"College Type"`
	MatchPercentage string          `json:"Match Percentage"`
	MatchLevel      string          `json:"Match Level"`
	HasWebsiteLink  string          `json:"Has Website Link"`
	SourceID        string          `json:"College ID"`
	Programs        []legacyProgram `json:"Courses"`
}

func (l legacyEntity) record() *models.EntityRecord {
	rec := &models.EntityRecord{
		Name:            l.Name,
		Location:        l.Location,
		Category:        l.Category,
		TotalPrograms:   l.TotalPrograms,
		Type:            l.Type,
		MatchPercentage: l.MatchPercentage,
		MatchLevel:      l.MatchLevel,
		HasWebsiteLink:  strings.EqualFold(l.HasWebsiteLink, "yes"),
		SourceID:        l.SourceID,
	}
	for _, p := range l.Programs {
		rec.Programs = append(rec.Programs, models.ProgramRecord{
			Name:          p.Name,
			Fees:          p.Fees,
			Duration:      p.Duration,
			DegreeType:    p.DegreeType,
			EntranceExams: models.SplitExams(p.EntranceExams),
		})
	}
	return rec
}

func decodeStreamLine(line []byte) (*models.EntityRecord, error) {
	var rec models.EntityRecord
	if err := json.Unmarshal(line, &rec); err == nil && rec.Name != "" {
		return &rec, nil
	}
	var legacy legacyEntity
	if err := json.Unmarshal(line, &legacy); err != nil {
		return nil, err
	}
	if legacy.Name == "" {
		return nil, fmt.Errorf("record has no name")
	}
	return legacy.record(), nil
}

// LoadStream reads records from a JSONL file, skipping lines that fail to parse.
func LoadStream(path string) ([]*models.EntityRecord, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []*models.EntityRecord
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decodeStreamLine(line)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return out, skipped, nil
}

// writeAtomic replaces path with data via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
