package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/pkg/config"
)

// Providers holds the initialized OpenTelemetry providers
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders installs the global tracer and meter providers. It returns
// nil providers when OpenTelemetry is disabled; Shutdown accepts that.
func InitProviders(ctx context.Context, otelCfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !otelCfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(otelCfg)
	providers := &Providers{logger: logger}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if otelCfg.Traces.Enabled {
		ep := tracesEndpoint(otelCfg)
		tp, err := newTracerProvider(ctx, otelCfg, ep, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		logger.Info("tracer provider initialized",
			zap.String("endpoint", ep.host),
			zap.Float64("sampling_ratio", otelCfg.Traces.SamplingRatio),
		)
	}

	if otelCfg.Metrics.Enabled {
		ep := metricsEndpoint(otelCfg)
		mp, err := newMeterProvider(ctx, otelCfg, ep, res)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)
		logger.Info("meter provider initialized",
			zap.String("endpoint", ep.host),
			zap.Int("interval_ms", otelCfg.Metrics.IntervalMillis),
		)

		if otelCfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Error("failed to shut down OpenTelemetry providers", zap.Error(err))
	}
	return err
}

func newResource(otelCfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(otelCfg.ServiceName),
		semconv.ServiceVersionKey.String(otelCfg.ServiceVersion),
		attribute.String("deployment.environment", otelCfg.Environment),
	}
	for key, value := range otelCfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func newTracerProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, ep endpoint, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep.host)}
	if ep.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(ep.path))
	}
	if ep.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(ep.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(ep.headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	bsp := trace.NewBatchSpanProcessor(exporter,
		trace.WithMaxQueueSize(otelCfg.Traces.Batch.MaxQueueSize),
		trace.WithMaxExportBatchSize(otelCfg.Traces.Batch.MaxExportBatchSize),
		trace.WithBatchTimeout(time.Duration(otelCfg.Traces.Batch.ScheduleDelayMillis)*time.Millisecond),
	)

	return trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(otelCfg.Traces.SamplingRatio))),
		trace.WithResource(res),
		trace.WithSpanProcessor(bsp),
	), nil
}

func newMeterProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, ep endpoint, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(ep.host)}
	if ep.path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(ep.path))
	}
	if ep.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(ep.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(ep.headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	reader := metric.NewPeriodicReader(exporter,
		metric.WithInterval(time.Duration(otelCfg.Metrics.IntervalMillis)*time.Millisecond),
	)
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}

// endpoint is a resolved OTLP destination.
type endpoint struct {
	host     string
	path     string
	insecure bool
	headers  map[string]string
}

func tracesEndpoint(c *config.OpenTelemetryConfig) endpoint {
	return resolveEndpoint(
		firstNonEmpty(c.Traces.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		firstHeaders(c.Traces.Headers, os.Getenv("OTEL_EXPORTER_OTLP_TRACES_HEADERS"), c.Headers, os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	)
}

func metricsEndpoint(c *config.OpenTelemetryConfig) endpoint {
	return resolveEndpoint(
		firstNonEmpty(c.Metrics.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		firstHeaders(c.Metrics.Headers, os.Getenv("OTEL_EXPORTER_OTLP_METRICS_HEADERS"), c.Headers, os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	)
}

// resolveEndpoint accepts either host:port or a full URL. Plain http URLs and
// loopback hosts are exported without TLS.
func resolveEndpoint(raw string, headers map[string]string) endpoint {
	ep := endpoint{host: raw, headers: headers}
	if u, err := url.Parse(raw); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
		ep.host = u.Host
		ep.path = strings.TrimSuffix(u.Path, "/")
		ep.insecure = u.Scheme == "http"
	}
	for _, local := range []string{"localhost:", "127.0.0.1:", "[::1]:"} {
		if strings.HasPrefix(ep.host, local) {
			ep.insecure = true
		}
	}
	return ep
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstHeaders(specific map[string]string, specificEnv string, general map[string]string, generalEnv string) map[string]string {
	switch {
	case len(specific) > 0:
		return specific
	case specificEnv != "":
		return parseHeaders(specificEnv)
	case len(general) > 0:
		return general
	case generalEnv != "":
		return parseHeaders(generalEnv)
	}
	return nil
}

// parseHeaders parses the OTLP header env format "k1=v1,k2=v2". Values are
// URL-decoded.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if decoded, err := url.QueryUnescape(strings.TrimSpace(value)); err == nil {
			value = decoded
		}
		headers[key] = value
	}
	return headers
}
