package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/brigade"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Onboarding outcomes, attributed by outcome (completed, failed, conflict, ...)
	OnboardingAttemptsTotal metric.Int64Counter
	OnboardingDuration      metric.Float64Histogram

	// Step metrics, attributed by step name
	StepDuration     metric.Float64Histogram
	StepRetriesTotal metric.Int64Counter

	// Compensation
	CompensationsTotal        metric.Int64Counter
	CompensationFailuresTotal metric.Int64Counter

	// Sweeper
	StaleAttemptsSweptTotal metric.Int64Counter
	CompensationFailedOpen  metric.Int64Gauge

	// Plan cache
	PlanCacheHitsTotal   metric.Int64Counter
	PlanCacheMissesTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.OnboardingAttemptsTotal, _ = meter.Int64Counter(
		"brigade.onboarding.attempts.total",
		metric.WithDescription("Total number of onboarding calls by outcome"),
		metric.WithUnit("{attempt}"),
	)

	m.OnboardingDuration, _ = meter.Float64Histogram(
		"brigade.onboarding.duration",
		metric.WithDescription("Duration of onboarding calls"),
		metric.WithUnit("ms"),
	)

	m.StepDuration, _ = meter.Float64Histogram(
		"brigade.onboarding.step.duration",
		metric.WithDescription("Duration of individual onboarding steps"),
		metric.WithUnit("ms"),
	)

	m.StepRetriesTotal, _ = meter.Int64Counter(
		"brigade.onboarding.step.retries.total",
		metric.WithDescription("Total number of retried remote calls"),
		metric.WithUnit("{retry}"),
	)

	m.CompensationsTotal, _ = meter.Int64Counter(
		"brigade.onboarding.compensations.total",
		metric.WithDescription("Total number of compensations run"),
		metric.WithUnit("{compensation}"),
	)

	m.CompensationFailuresTotal, _ = meter.Int64Counter(
		"brigade.onboarding.compensation_failures.total",
		metric.WithDescription("Total number of compensations that failed and need an operator"),
		metric.WithUnit("{compensation}"),
	)

	m.StaleAttemptsSweptTotal, _ = meter.Int64Counter(
		"brigade.sweeper.stale_attempts.total",
		metric.WithDescription("Total number of stale attempts abandoned by the sweeper"),
		metric.WithUnit("{attempt}"),
	)

	m.CompensationFailedOpen, _ = meter.Int64Gauge(
		"brigade.sweeper.compensation_failed.open",
		metric.WithDescription("Number of attempts waiting for operator reconciliation"),
		metric.WithUnit("{attempt}"),
	)

	m.PlanCacheHitsTotal, _ = meter.Int64Counter(
		"brigade.plans.cache.hits.total",
		metric.WithDescription("Total number of plan cache hits"),
		metric.WithUnit("{lookup}"),
	)

	m.PlanCacheMissesTotal, _ = meter.Int64Counter(
		"brigade.plans.cache.misses.total",
		metric.WithDescription("Total number of plan cache misses"),
		metric.WithUnit("{lookup}"),
	)

	return m
}
