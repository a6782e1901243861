package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/parser"
)

// ConsolidatedProgram is the external shape of a program.
type ConsolidatedProgram struct {
	Name          string   `json:"name"`
	AnnualFees    string   `json:"annual_fees"`
	Duration      string   `json:"duration"`
	DegreeLevel   string   `json:"degree_level"`
	EntranceExams []string `json:"entrance_exams"`
}

// ConsolidatedEntity is the external, schema-normalized shape of an entity.
type ConsolidatedEntity struct {
	City            string                `json:"city"`
	Name            string                `json:"name"`
	Type            string                `json:"type"`
	CourseCategory  string                `json:"course_category"`
	TotalCourses    string                `json:"total_courses"`
	MatchPercentage string                `json:"match_percentage"`
	MatchLevel      string                `json:"match_level"`
	HasWebsiteLink  bool                  `json:"has_website_link"`
	CollegeID       string                `json:"college_id"`
	Courses         []ConsolidatedProgram `json:"courses"`
}

// Snapshot is the consolidated file's top-level document.
type Snapshot struct {
	Colleges []ConsolidatedEntity `json:"colleges"`
}

// Sink receives the consolidated records after a run, e.g. an enrichment
// or database sync step.
type Sink interface {
	Consume(ctx context.Context, entities []ConsolidatedEntity) error
}

// Consolidation describes the files a finalize pass produced.
type Consolidation struct {
	Entities     []*models.EntityRecord
	Files        map[models.Format]string
	SnapshotPath string
	Skipped      int
}

// Dedupe collapses records by case-insensitive name. Among duplicates the
// record with more populated fields wins; ties keep the earlier one. Output
// keeps first-seen order.
func Dedupe(records []*models.EntityRecord) []*models.EntityRecord {
	index := make(map[string]int, len(records))
	out := make([]*models.EntityRecord, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		key := rec.Key()
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			if rec.NonEmptyFields() > out[i].NonEmptyFields() {
				out[i] = rec
			}
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// Transform renames and reshapes records into the external schema.
func Transform(records []*models.EntityRecord) []ConsolidatedEntity {
	out := make([]ConsolidatedEntity, 0, len(records))
	for _, rec := range records {
		entity := ConsolidatedEntity{
			City:            parser.CityFromLocation(rec.Location),
			Name:            rec.Name,
			Type:            rec.Type,
			CourseCategory:  rec.Category,
			TotalCourses:    rec.TotalPrograms,
			MatchPercentage: rec.MatchPercentage,
			MatchLevel:      rec.MatchLevel,
			HasWebsiteLink:  rec.HasWebsiteLink,
			CollegeID:       rec.SourceID,
			Courses:         make([]ConsolidatedProgram, 0, len(rec.Programs)),
		}
		for _, p := range rec.Programs {
			exams := p.EntranceExams
			if exams == nil {
				exams = []string{}
			}
			entity.Courses = append(entity.Courses, ConsolidatedProgram{
				Name:          p.Name,
				AnnualFees:    p.Fees,
				Duration:      p.Duration,
				DegreeLevel:   p.DegreeType,
				EntranceExams: exams,
			})
		}
		out = append(out, entity)
	}
	return out
}

// Finalize compacts the durable files for base and writes the consolidated
// snapshot. Each durable file is rewritten from its own content only, so a
// format never gains entities that were not appended to it. The snapshot
// merges every file with the run's in-memory records.
func Finalize(dir, base string, formats []models.Format, records []*models.EntityRecord) (*Consolidation, error) {
	tablePath := filepath.Join(dir, models.FormatTable.Filename(base))
	streamPath := filepath.Join(dir, models.FormatStream.Filename(base))

	streamRecords, streamSkipped, err := LoadStream(streamPath)
	if err != nil {
		return nil, err
	}
	tableRecords, tableSkipped, err := LoadTable(tablePath)
	if err != nil {
		return nil, err
	}

	result := &Consolidation{
		Files:   make(map[models.Format]string),
		Skipped: streamSkipped + tableSkipped,
	}

	for _, f := range formats {
		switch f {
		case models.FormatTable:
			if len(tableRecords) == 0 {
				continue
			}
			data, err := encodeTable(Dedupe(tableRecords))
			if err != nil {
				return nil, err
			}
			if err := writeAtomic(tablePath, data); err != nil {
				return nil, err
			}
			result.Files[f] = tablePath
		case models.FormatStream:
			if len(streamRecords) == 0 {
				continue
			}
			data, err := encodeStream(Dedupe(streamRecords))
			if err != nil {
				return nil, err
			}
			if err := writeAtomic(streamPath, data); err != nil {
				return nil, err
			}
			result.Files[f] = streamPath
		}
	}

	all := make([]*models.EntityRecord, 0, len(streamRecords)+len(tableRecords)+len(records))
	all = append(all, streamRecords...)
	all = append(all, tableRecords...)
	all = append(all, records...)
	result.Entities = Dedupe(all)

	snapshot, err := json.MarshalIndent(Snapshot{Colleges: Transform(result.Entities)}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	result.SnapshotPath = filepath.Join(dir, models.SnapshotFilename(base))
	if err := writeAtomic(result.SnapshotPath, append(snapshot, '\n')); err != nil {
		return nil, err
	}

	slog.Info("finalized output",
		slog.Int("entities", len(result.Entities)),
		slog.Int("skipped_rows", result.Skipped),
		slog.String("snapshot", result.SnapshotPath),
	)
	return result, nil
}

func encodeTable(records []*models.EntityRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(tableHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		if err := writer.Write(tableRow(rec)); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeStream(records []*models.EntityRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode json record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Publish hands the consolidated records to each sink. Sink failures are
// logged and do not affect the durable output.
func Publish(ctx context.Context, entities []*models.EntityRecord, sinks ...Sink) int {
	if len(sinks) == 0 {
		return 0
	}
	shaped := Transform(entities)
	failed := 0
	for _, s := range sinks {
		if err := s.Consume(ctx, shaped); err != nil {
			failed++
			slog.Error("sink failed", slog.String("sink", fmt.Sprintf("%T", s)), slog.Any("error", err))
		}
	}
	return failed
}
