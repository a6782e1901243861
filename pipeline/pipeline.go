package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-colleges/models"
	"github.com/aluiziolira/go-scrape-colleges/parser"
)

var (
	// ErrUnknownFormat is returned when appending to a format the persister was not opened for.
	ErrUnknownFormat = errors.New("pipeline: format not configured")
)

// Persister appends entity records to the durable file of each requested
// format, one record per call.
type Persister struct {
	dir     string
	base    string
	formats []models.Format
	writers map[models.Format]OutputWriter

	metrics metrics
}

// NewPersister opens writers for base in dir, one per format.
func NewPersister(dir, base string, formats []models.Format) (*Persister, error) {
	if base == "" {
		return nil, fmt.Errorf("base filename cannot be empty")
	}
	p := &Persister{
		dir:     dir,
		base:    base,
		formats: append([]models.Format(nil), formats...),
		writers: make(map[models.Format]OutputWriter, len(formats)),
		metrics: newMetrics(),
	}
	for _, f := range formats {
		w, err := newWriter(filepath.Join(dir, f.Filename(base)), f)
		if err != nil {
			return nil, err
		}
		p.writers[f] = w
	}
	return p, nil
}

func newWriter(path string, f models.Format) (OutputWriter, error) {
	switch f {
	case models.FormatTable:
		return NewTableWriter(path)
	case models.FormatStream:
		return NewStreamWriter(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// AppendOne durably appends rec to the file for format. Nothing is written
// for an invalid record.
func (p *Persister) AppendOne(rec *models.EntityRecord, format models.Format) error {
	w, ok := p.writers[format]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := parser.ValidateEntity(rec); err != nil {
		p.metrics.addFailure("invalid_record")
		return err
	}
	if err := w.Append(rec); err != nil {
		p.metrics.addFailure(string(format))
		return err
	}
	p.metrics.incrementAppended(format)
	return nil
}

// Path returns the durable file for format, or "" when not configured.
func (p *Persister) Path(format models.Format) string {
	if w, ok := p.writers[format]; ok {
		return w.Path()
	}
	return ""
}

// Validate checks every written file has content.
func (p *Persister) Validate() error {
	var errs []error
	for _, f := range p.formats {
		if p.metrics.appendedFor(f) == 0 {
			continue
		}
		if err := p.writers[f].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s validation failed: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Persister) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

type metrics struct {
	mu       sync.Mutex
	appended map[models.Format]int64
	failures map[string]int
}

func newMetrics() metrics {
	return metrics{
		appended: make(map[models.Format]int64),
		failures: make(map[string]int),
	}
}

func (m *metrics) incrementAppended(f models.Format) {
	m.mu.Lock()
	m.appended[f]++
	m.mu.Unlock()
}

func (m *metrics) appendedFor(f models.Format) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appended[f]
}

func (m *metrics) addFailure(kind string) {
	m.mu.Lock()
	m.failures[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	appended := make(map[string]int64, len(m.appended))
	for k, v := range m.appended {
		appended[string(k)] = v
	}
	failures := make(map[string]int, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}

	return map[string]interface{}{
		"appended":        appended,
		"append_failures": failures,
	}
}
