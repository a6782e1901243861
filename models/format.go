package models

import (
	"fmt"
	"strings"
)

// Format is a persistence format for entity records.
type Format string

const (
	// FormatTable is the flat CSV file with one row per entity.
	FormatTable Format = "table"
	// FormatStream is the JSONL file with one full record per line.
	FormatStream Format = "stream"
)

// AllFormats lists every supported format in write order.
var AllFormats = []Format{FormatTable, FormatStream}

// Filename returns the durable file name for base in this format.
func (f Format) Filename(base string) string {
	switch f {
	case FormatTable:
		return base + ".csv"
	case FormatStream:
		return base + ".jsonl"
	default:
		return base + "." + string(f)
	}
}

// SnapshotFilename is the consolidated, schema-normalized output for base.
func SnapshotFilename(base string) string {
	return base + ".json"
}

// ParseFormats accepts a comma-separated list of format names or aliases.
func ParseFormats(value string) ([]Format, error) {
	seen := make(map[Format]bool)
	var out []Format
	add := func(f Format) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	for _, token := range strings.Split(value, ",") {
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "":
			continue
		case "table", "csv":
			add(FormatTable)
		case "stream", "json", "jsonl":
			add(FormatStream)
		case "both", "dual", "all":
			add(FormatTable)
			add(FormatStream)
		default:
			return nil, fmt.Errorf("unsupported format %q", token)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one output format is required")
	}
	return out, nil
}
