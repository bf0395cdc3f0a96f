package retryafter

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName = "github.com/PuerkitoBio/retryafter"

	metricRetries = "http.client.retry_after.retries"       // Counter
	metricWait    = "http.client.retry_after.wait.duration" // Histogram in seconds
	metricSkipped = "http.client.retry_after.skipped"       // Counter
	metricPauses  = "http.client.retry_after.url_pauses"    // Counter

	attrStatusCode = "http.response.status_code"
	attrMethod     = "http.request.method"
	attrReason     = "retry_after.skip_reason"
	attrValue      = "retry_after.value"
	attrWait       = "retry_after.wait_seconds"
	attrRetry      = "retry_after.retry"

	eventWait  = "retry_after.wait"
	eventPause = "retry_after.url_pause"

	headerRequestID = "X-Request-ID"
)

// Reasons for not honoring a Retry-After header on a trigger status.
const (
	skipExhausted     = "retries_exhausted"
	skipMissing       = "missing_header"
	skipMalformed     = "malformed_header"
	skipNotReplayable = "body_not_replayable"
)

type metrics struct {
	retries metric.Int64Counter
	wait    metric.Float64Histogram
	skipped metric.Int64Counter
	pauses  metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, log zerolog.Logger) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{}

	var err error
	m.retries, err = meter.Int64Counter(metricRetries,
		metric.WithDescription("Number of requests sent again after honoring a Retry-After header"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logMetricError(log, metricRetries, err)
		m.retries = noop.Int64Counter{}
	}

	m.wait, err = meter.Float64Histogram(metricWait,
		metric.WithDescription("Time waited before a retry, as requested by Retry-After"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logMetricError(log, metricWait, err)
		m.wait = noop.Float64Histogram{}
	}

	m.skipped, err = meter.Int64Counter(metricSkipped,
		metric.WithDescription("Number of trigger responses returned without a retry"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		logMetricError(log, metricSkipped, err)
		m.skipped = noop.Int64Counter{}
	}

	m.pauses, err = meter.Int64Counter(metricPauses,
		metric.WithDescription("Number of requests held back by a remembered Retry-After deadline"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logMetricError(log, metricPauses, err)
		m.pauses = noop.Int64Counter{}
	}
	return m
}

func logMetricError(log zerolog.Logger, name string, err error) {
	log.Warn().Err(err).Str("metric", name).Msg("failed to create retry-after metric")
}

func (m *metrics) recordRetry(ctx context.Context, method string, status int, wait time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.Int(attrStatusCode, status),
	)
	m.retries.Add(ctx, 1, attrs)
	m.wait.Record(ctx, wait.Seconds(), attrs)
}

func (m *metrics) recordSkip(ctx context.Context, method string, status int, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.Int(attrStatusCode, status),
		attribute.String(attrReason, reason),
	))
}

func (m *metrics) recordPause(ctx context.Context, method string) {
	m.pauses.Add(ctx, 1, metric.WithAttributes(attribute.String(attrMethod, method)))
}

// addWaitEvent notes a retry wait on the span of the request, if any.
func addWaitEvent(ctx context.Context, status int, raw string, wait time.Duration, retry int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(eventWait, trace.WithAttributes(
		attribute.Int(attrStatusCode, status),
		attribute.String(attrValue, raw),
		attribute.Float64(attrWait, wait.Seconds()),
		attribute.Int(attrRetry, retry),
	))
}

func addPauseEvent(ctx context.Context, wait time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(eventPause, trace.WithAttributes(attribute.Float64(attrWait, wait.Seconds())))
}

// requestLogger returns the logger for one call: the one on the request
// context if enabled, the Transport's otherwise, with the request fields.
func (t *Transport) requestLogger(req *http.Request) zerolog.Logger {
	l := t.log
	if cl := zerolog.Ctx(req.Context()); cl.GetLevel() != zerolog.Disabled {
		l = *cl
	}
	if l.GetLevel() == zerolog.Disabled {
		return l
	}

	id := req.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	return l.With().
		Str("request_id", id).
		Str("method", req.Method).
		Str("url", req.URL.Redacted()).
		Logger()
}
