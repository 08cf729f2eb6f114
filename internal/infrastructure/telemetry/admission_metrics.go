package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/loventure/gateway/internal/domain/ticket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = errors.New("meter cannot be nil")

// Metric names
const (
	MetricAdmissionDecisions    = "gateway_admission_decisions_total"
	MetricTicketCacheLookups    = "gateway_ticket_cache_lookups_total"
	MetricUpstreamFetchDuration = "gateway_couples_fetch_duration_seconds"
	MetricEventDeliveries       = "gateway_ticket_events_total"
	MetricEventDeliveryDuration = "gateway_ticket_event_delivery_duration_seconds"
)

// AdmissionMetrics records admission decisions and ticket event delivery.
type AdmissionMetrics struct {
	decisions      *Counter
	cacheLookups   *Counter
	fetchDuration  *Histogram
	deliveries     *Counter
	deliveryTiming *Histogram
}

// NewAdmissionMetrics creates the admission instruments on meter.
func NewAdmissionMetrics(meter metric.Meter) (*AdmissionMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	var (
		m   AdmissionMetrics
		err error
	)
	if m.decisions, err = NewCounter(meter, MetricAdmissionDecisions,
		"Admission decisions on the ticket-gated route", "{decision}"); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = NewCounter(meter, MetricTicketCacheLookups,
		"Ticket balance cache lookups", "{lookup}"); err != nil {
		return nil, err
	}
	if m.fetchDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        MetricUpstreamFetchDuration,
		Description: "Latency of balance fetches from the couples service, including retries",
		Unit:        "s",
		Boundaries:  UpstreamDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.deliveries, err = NewCounter(meter, MetricEventDeliveries,
		"Ticket change events by delivery outcome", "{event}"); err != nil {
		return nil, err
	}
	if m.deliveryTiming, err = NewHistogram(meter, HistogramOpts{
		Name:        MetricEventDeliveryDuration,
		Description: "Time spent appending a ticket change event to the sink",
		Unit:        "s",
		Boundaries:  EventDeliveryBuckets,
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordDecision counts an allow or deny; reason is empty for allows.
func (m *AdmissionMetrics) RecordDecision(ctx context.Context, outcome string, reason ticket.Reason) {
	attrs := []attribute.KeyValue{AttrOutcome.String(outcome)}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(string(reason)))
	}
	m.decisions.Inc(ctx, attrs...)
}

// RecordCacheLookup counts a cache hit or miss.
func (m *AdmissionMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Inc(ctx, AttrCacheResult.String(result))
}

// RecordFetch observes one upstream balance fetch.
func (m *AdmissionMetrics) RecordFetch(ctx context.Context, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.fetchDuration.RecordDuration(ctx, elapsed, AttrResult.String(result))
}

// RecordEventDelivery observes one change event leaving the async publisher.
// Dropped events never reach the sink and carry no latency.
func (m *AdmissionMetrics) RecordEventDelivery(ctx context.Context, outcome string, elapsed time.Duration) {
	m.deliveries.Inc(ctx, AttrResult.String(outcome))
	if elapsed > 0 {
		m.deliveryTiming.RecordDuration(ctx, elapsed, AttrResult.String(outcome))
	}
}
