package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/pkg/buffer"
)

// TimeSeriesBuilder converts buffered samples to Prometheus time series.
type TimeSeriesBuilder[T any] func(ctx context.Context, samples []T) ([]prompb.TimeSeries, error)

// Pusher drains a ring buffer into a Prometheus remote_write endpoint.
type Pusher[T any] struct {
	url       string
	username  string
	password  string
	client    *http.Client
	logger    *zap.Logger
	buffer    *buffer.RingBuffer[T]
	interval  time.Duration
	batchSize int
	attempts  uint
	retryWait time.Duration
	tsBuilder TimeSeriesBuilder[T]

	mu       sync.Mutex
	lastPush time.Time
}

// Config contains configuration for the remote_write pusher.
type Config[T any] struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	BatchSize    int
	// Attempts per batch, 3 when zero.
	Attempts uint
	// RetryInterval is the first backoff step, 1s when zero.
	RetryInterval     time.Duration
	TimeSeriesBuilder TimeSeriesBuilder[T]
}

// New creates a new remote_write pusher with OpenTelemetry instrumentation
func New[T any](cfg Config[T], buf *buffer.RingBuffer[T], logger *zap.Logger) *Pusher[T] {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	return &Pusher[T]{
		url:       cfg.URL,
		username:  cfg.Username,
		password:  cfg.Password,
		client:    httpClient,
		logger:    logger,
		buffer:    buf,
		interval:  cfg.PushInterval,
		batchSize: cfg.BatchSize,
		attempts:  cfg.Attempts,
		retryWait: cfg.RetryInterval,
		tsBuilder: cfg.TimeSeriesBuilder,
	}
}

// Run pushes the buffer every interval until ctx is done, then makes one
// last attempt with a short deadline.
func (p *Pusher[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("remote write pusher started",
		zap.Duration("push_interval", p.interval),
		zap.Int("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			p.logger.Info("remote write pusher stopped")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes everything currently buffered in batches. A failed batch and
// the ones after it go back into the buffer.
func (p *Pusher[T]) Flush(ctx context.Context) {
	samples := p.buffer.Drain()
	if len(samples) == 0 {
		p.logger.Debug("nothing to push")
		return
	}

	for start := 0; start < len(samples); start += p.batchSize {
		end := min(start+p.batchSize, len(samples))
		if err := p.Push(ctx, samples[start:end]); err != nil {
			p.logger.Error("failed to push batch, re-buffering",
				zap.Error(err),
				zap.Int("requeued", len(samples)-start),
			)
			p.buffer.Add(samples[start:]...)
			return
		}
	}
}

// Push sends one batch, retrying transient failures with exponential backoff.
func (p *Pusher[T]) Push(ctx context.Context, samples []T) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.samples", len(samples))),
	)
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "nothing to push")
		return nil
	}

	writeReq, err := p.buildWriteRequest(ctx, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build write request")
		return fmt.Errorf("failed to build write request: %w", err)
	}
	span.AddEvent("write request built", trace.WithAttributes(
		attribute.Int("metrics.time_series_count", len(writeReq.Timeseries)),
	))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var attempt int
	operation := func() (struct{}, error) {
		attempt++
		return struct{}{}, p.pushOnce(ctx, writeReq)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("failed to push samples, will retry",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return fmt.Errorf("failed to push samples after %d attempts: %w", attempt, err)
	}

	p.mu.Lock()
	p.lastPush = time.Now()
	p.mu.Unlock()

	p.logger.Info("pushed samples",
		zap.Int("samples", len(samples)),
		zap.Int("time_series", len(writeReq.Timeseries)),
		zap.Int("attempt", attempt),
	)
	span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
	span.SetStatus(codes.Ok, "pushed")
	return nil
}

func (p *Pusher[T]) buildWriteRequest(ctx context.Context, samples []T) (*prompb.WriteRequest, error) {
	if p.tsBuilder == nil {
		return nil, errors.New("no TimeSeriesBuilder configured")
	}
	ts, err := p.tsBuilder(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("time series builder failed: %w", err)
	}
	return &prompb.WriteRequest{Timeseries: ts}, nil
}

// pushOnce performs a single attempt. Client errors other than 429 are
// permanent.
func (p *Pusher[T]) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.pushOnce")
	defer span.End()

	data, err := proto.Marshal(writeReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal protobuf")
		return backoff.Permanent(fmt.Errorf("failed to marshal protobuf: %w", err))
	}

	compressed := snappy.Encode(nil, data)
	span.SetAttributes(
		attribute.Int("metrics.protobuf_size_bytes", len(data)),
		attribute.Int("metrics.compressed_size_bytes", len(compressed)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("received status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-2xx response")
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	span.SetStatus(codes.Ok, "push successful")
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher[T]) LastPushTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}
