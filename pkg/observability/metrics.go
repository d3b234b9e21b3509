package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records pipeline-level measurements.
type Metrics interface {
	RecordMessage(ctx context.Context, duration float64, tokens int, err error)
	RecordPluginExecution(ctx context.Context, plugin string, duration float64, err error)
	RecordGeneration(ctx context.Context, model string, duration float64, inputTokens, outputTokens int, err error)
	Handler() http.Handler
}

// InitMetrics builds the Prometheus-backed metrics set. A disabled
// config yields a no-op implementation.
func InitMetrics(cfg Config) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("cag")

	messageDuration, err := meter.Float64Histogram(
		"cag_message_duration_seconds",
		metric.WithDescription("End-to-end message processing duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message duration histogram: %w", err)
	}

	messagesTotal, err := meter.Int64Counter(
		"cag_messages_total",
		metric.WithDescription("Total messages processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	messageErrors, err := meter.Int64Counter(
		"cag_message_errors_total",
		metric.WithDescription("Total messages that failed processing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message errors counter: %w", err)
	}

	messageTokens, err := meter.Int64Counter(
		"cag_message_tokens_total",
		metric.WithDescription("Total tokens consumed by message processing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message tokens counter: %w", err)
	}

	pluginDuration, err := meter.Float64Histogram(
		"cag_plugin_execution_duration_seconds",
		metric.WithDescription("Plugin execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin duration histogram: %w", err)
	}

	pluginCalls, err := meter.Int64Counter(
		"cag_plugin_calls_total",
		metric.WithDescription("Total plugin executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin calls counter: %w", err)
	}

	pluginErrors, err := meter.Int64Counter(
		"cag_plugin_errors_total",
		metric.WithDescription("Total plugin execution errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin errors counter: %w", err)
	}

	generationDuration, err := meter.Float64Histogram(
		"cag_generation_duration_seconds",
		metric.WithDescription("Response generation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation duration histogram: %w", err)
	}

	generationInputTokens, err := meter.Int64Counter(
		"cag_generation_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}

	generationOutputTokens, err := meter.Int64Counter(
		"cag_generation_tokens_output_total",
		metric.WithDescription("Total output tokens produced by the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}

	generationErrors, err := meter.Int64Counter(
		"cag_generation_errors_total",
		metric.WithDescription("Total generation errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation errors counter: %w", err)
	}

	return &PrometheusMetrics{
		messageDuration:        messageDuration,
		messagesTotal:          messagesTotal,
		messageErrors:          messageErrors,
		messageTokens:          messageTokens,
		pluginDuration:         pluginDuration,
		pluginCalls:            pluginCalls,
		pluginErrors:           pluginErrors,
		generationDuration:     generationDuration,
		generationInputTokens:  generationInputTokens,
		generationOutputTokens: generationOutputTokens,
		generationErrors:       generationErrors,
	}, nil
}

// PrometheusMetrics is the OpenTelemetry-backed Metrics implementation
// exposed through the Prometheus exporter.
type PrometheusMetrics struct {
	messageDuration metric.Float64Histogram
	messagesTotal   metric.Int64Counter
	messageErrors   metric.Int64Counter
	messageTokens   metric.Int64Counter

	pluginDuration metric.Float64Histogram
	pluginCalls    metric.Int64Counter
	pluginErrors   metric.Int64Counter

	generationDuration     metric.Float64Histogram
	generationInputTokens  metric.Int64Counter
	generationOutputTokens metric.Int64Counter
	generationErrors       metric.Int64Counter
}

func (m *PrometheusMetrics) RecordMessage(ctx context.Context, duration float64, tokens int, err error) {
	if m == nil || m.messageDuration == nil {
		return
	}

	m.messageDuration.Record(ctx, duration)
	m.messagesTotal.Add(ctx, 1)

	if tokens > 0 {
		m.messageTokens.Add(ctx, int64(tokens))
	}
	if err != nil {
		m.messageErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordPluginExecution(ctx context.Context, plugin string, duration float64, err error) {
	if m == nil || m.pluginDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("plugin", plugin))

	m.pluginDuration.Record(ctx, duration, attrs)
	m.pluginCalls.Add(ctx, 1, attrs)

	if err != nil {
		m.pluginErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordGeneration(ctx context.Context, model string, duration float64, inputTokens, outputTokens int, err error) {
	if m == nil || m.generationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))

	m.generationDuration.Record(ctx, duration, attrs)
	m.generationInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.generationOutputTokens.Add(ctx, int64(outputTokens), attrs)

	if err != nil {
		m.generationErrors.Add(ctx, 1, attrs)
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}
