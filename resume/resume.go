// Package resume tracks which entities are already durable in each output
// format so an interrupted run can pick up where it stopped.
package resume

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// Name columns recognised in table files, current first.
var nameColumns = []string{"name", "College Name"}

type cachedNames struct {
	size    int64
	modTime time.Time
	names   map[string]struct{}
	skipped int
}

var fileCache, _ = lru.New[string, cachedNames](64)

// Index holds entity keys per format for one output base name.
type Index struct {
	formats []models.Format
	names   map[models.Format]map[string]struct{}
	skipped map[models.Format]int
}

// New returns an empty index for formats.
func New(formats []models.Format) *Index {
	ix := &Index{
		formats: append([]models.Format(nil), formats...),
		names:   make(map[models.Format]map[string]struct{}, len(formats)),
		skipped: make(map[models.Format]int, len(formats)),
	}
	for _, f := range formats {
		ix.names[f] = make(map[string]struct{})
	}
	return ix
}

// Load reads the durable files for base in dir. Missing files are empty;
// malformed rows and lines are skipped.
func Load(dir, base string, formats []models.Format) (*Index, error) {
	ix := New(formats)
	for _, f := range formats {
		path := filepath.Join(dir, f.Filename(base))
		names, skipped, err := loadNames(path, f)
		if err != nil {
			return nil, err
		}
		for k := range names {
			ix.names[f][k] = struct{}{}
		}
		ix.skipped[f] = skipped
		if skipped > 0 {
			slog.Warn("skipped malformed rows while loading resume state",
				slog.String("path", path),
				slog.Int("skipped", skipped),
			)
		}
	}
	return ix, nil
}

// IsComplete reports whether name is durable in every requested format.
// An index with no formats never reports completion.
func (ix *Index) IsComplete(name string) bool {
	if len(ix.formats) == 0 {
		return false
	}
	return len(ix.Missing(name)) == 0
}

// Missing returns the requested formats name is not yet durable in.
func (ix *Index) Missing(name string) []models.Format {
	key := models.EntityKey(name)
	var out []models.Format
	for _, f := range ix.formats {
		if _, ok := ix.names[f][key]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Mark records name as durable in format. Call only after a successful append.
func (ix *Index) Mark(format models.Format, name string) {
	set, ok := ix.names[format]
	if !ok {
		set = make(map[string]struct{})
		ix.names[format] = set
	}
	set[models.EntityKey(name)] = struct{}{}
}

// Len returns the number of entities known for format.
func (ix *Index) Len(format models.Format) int {
	return len(ix.names[format])
}

// Skipped returns how many malformed rows were ignored for format at load.
func (ix *Index) Skipped(format models.Format) int {
	return ix.skipped[format]
}

func loadNames(path string, format models.Format) (map[string]struct{}, int, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}

	if cached, ok := fileCache.Get(path); ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.names, cached.skipped, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var names map[string]struct{}
	var skipped int
	switch format {
	case models.FormatTable:
		names, skipped, err = tableNames(f)
	case models.FormatStream:
		names, skipped, err = streamNames(f)
	default:
		return nil, 0, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}

	fileCache.Add(path, cachedNames{size: info.Size(), modTime: info.ModTime(), names: names, skipped: skipped})
	return names, skipped, nil
}

func tableNames(r io.Reader) (map[string]struct{}, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	names := make(map[string]struct{})
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return names, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	col := -1
	for _, want := range nameColumns {
		for i, h := range header {
			if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == want {
				col = i
				break
			}
		}
		if col >= 0 {
			break
		}
	}
	if col < 0 {
		slog.Warn("table header has no name column, treating file as empty", slog.Any("header", header))
		return names, 1, nil
	}

	skipped := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if len(row) != len(header) {
			skipped++
			continue
		}
		if key := models.EntityKey(row[col]); key != "" {
			names[key] = struct{}{}
		}
	}
	return names, skipped, nil
}

func streamNames(r io.Reader) (map[string]struct{}, int, error) {
	names := make(map[string]struct{})
	skipped := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			skipped++
			continue
		}
		for _, k := range nameColumns {
			if name, ok := row[k].(string); ok && strings.TrimSpace(name) != "" {
				names[models.EntityKey(name)] = struct{}{}
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return names, skipped, nil
}
