package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// Metrics bundles Prometheus collectors for the extraction engine.
type Metrics struct {
	Registry          *prometheus.Registry
	PagesTotal        prometheus.Counter
	CardsTotal        *prometheus.CounterVec
	ProgramsTotal     prometheus.Counter
	ItemFailuresTotal prometheus.Counter
	FieldMissesTotal  *prometheus.CounterVec
	PersistTotal      *prometheus.CounterVec
	CardDuration      prometheus.Histogram
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Total result pages visited.",
		},
	)
	cards := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_cards_total",
			Help: "Result cards processed by outcome.",
		},
		[]string{"outcome"},
	)
	programs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_programs_total",
			Help: "Total programs extracted across all cards.",
		},
	)
	itemFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_item_failures_total",
			Help: "Dropdown items skipped after exhausting attempts.",
		},
	)
	misses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_field_misses_total",
			Help: "Entity fields no extraction strategy could read.",
		},
		[]string{"field"},
	)
	persist := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_persist_total",
			Help: "Record appends by format and outcome.",
		},
		[]string{"format", "outcome"},
	)
	cardDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_card_duration_seconds",
			Help:    "Time spent extracting and persisting one card.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(pages, cards, programs, itemFailures, misses, persist, cardDuration, errorsTotal)

	return &Metrics{
		Registry:          registry,
		PagesTotal:        pages,
		CardsTotal:        cards,
		ProgramsTotal:     programs,
		ItemFailuresTotal: itemFailures,
		FieldMissesTotal:  misses,
		PersistTotal:      persist,
		CardDuration:      cardDuration,
		ErrorsTotal:       errorsTotal,
	}
}

// IncPage increments the pages counter.
func (m *Metrics) IncPage() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// IncCard counts a card with outcome extracted, skipped or failed.
func (m *Metrics) IncCard(outcome string) {
	if m == nil {
		return
	}
	m.CardsTotal.WithLabelValues(outcome).Inc()
}

// AddPrograms adds n extracted programs.
func (m *Metrics) AddPrograms(n int) {
	if m == nil {
		return
	}
	m.ProgramsTotal.Add(float64(n))
}

// IncItemFailure increments the skipped dropdown items counter.
func (m *Metrics) IncItemFailure() {
	if m == nil {
		return
	}
	m.ItemFailuresTotal.Inc()
}

// IncMiss counts a field that could not be read.
func (m *Metrics) IncMiss(field string) {
	if m == nil {
		return
	}
	m.FieldMissesTotal.WithLabelValues(field).Inc()
}

// IncPersist counts an append attempt.
func (m *Metrics) IncPersist(format models.Format, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.PersistTotal.WithLabelValues(string(format), outcome).Inc()
}

// ObserveCard records how long a card took.
func (m *Metrics) ObserveCard(d time.Duration) {
	if m == nil {
		return
	}
	m.CardDuration.Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
