package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	interactionCounter     metric.Int64Counter
	interactionErrCounter  metric.Int64Counter
	interactionLatency     metric.Float64Histogram
	accessDeniedCounter    metric.Int64Counter
	dispatcherInitsCounter metric.Int64Counter
)

// InteractionMetrics captures one resolved FHIR interaction.
type InteractionMetrics struct {
	Interaction  string
	ResourceType string
	Class        string
	Success      bool
	Duration     time.Duration
}

// RecordInteraction emits counters and latency for a dispatched interaction.
func RecordInteraction(ctx context.Context, m InteractionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("fhir.interaction", m.Interaction),
		attribute.String("fhir.resource_type", m.ResourceType),
		attribute.String("fhir.outcome", m.Class),
	)

	interactionCounter.Add(ctx, 1, attrs)
	if !m.Success {
		interactionErrCounter.Add(ctx, 1, attrs)
	}
	if m.Duration > 0 {
		interactionLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordDispatcherInit counts dispatcher constructions. A healthy process
// records exactly one.
func RecordDispatcherInit(ctx context.Context, introspection bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	dispatcherInitsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fhir.introspection", introspection)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.fhir")

		interactionCounter, metricsInitErr = meter.Int64Counter(
			"fhir.dispatch.interactions_total",
			metric.WithDescription("FHIR interactions resolved by the generic dispatcher"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		interactionErrCounter, metricsInitErr = meter.Int64Counter(
			"fhir.dispatch.failures_total",
			metric.WithDescription("FHIR interactions that produced a non-success outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		accessDeniedCounter, metricsInitErr = meter.Int64Counter(
			"fhir.access.denied_total",
			metric.WithDescription("Interactions denied by the access policy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		dispatcherInitsCounter, metricsInitErr = meter.Int64Counter(
			"fhir.dispatch.initializations_total",
			metric.WithDescription("Generic dispatcher constructions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		interactionLatency, metricsInitErr = meter.Float64Histogram(
			"fhir.dispatch.duration_ms",
			metric.WithDescription("Observed interaction latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordAccessDecision annotates the span with an access-policy decision and
// counts denials.
func RecordAccessDecision(ctx context.Context, span trace.Span, allowed bool, interaction, resourceType, reason string) {
	if !allowed && ensureMetrics() == nil {
		accessDeniedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("fhir.interaction", interaction),
			attribute.String("fhir.resource_type", resourceType),
		))
	}

	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("access.allowed", allowed),
		attribute.String("fhir.interaction", interaction),
		attribute.String("fhir.resource_type", resourceType),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("access.reason", reason))
	}

	span.AddEvent("access.decision", trace.WithAttributes(attrs...))
}
