// Package poller fetches telemetry on a fixed cadence while a session is
// authenticated.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/pkg/clock"
	"github.com/mjasion/meterlink/pkg/telemetry"
	"github.com/mjasion/meterlink/reading"
)

// DefaultInterval is the telemetry cadence of the mobile client.
const DefaultInterval = 3 * time.Second

// Source is the session the poller reads from.
type Source interface {
	FetchTelemetry(ctx context.Context) ([]byte, device.Family, error)
	ObserveReading(r reading.Reading)
}

// Normalizer turns raw payloads into readings.
type Normalizer interface {
	Normalize(raw []byte, family device.Family) (reading.Reading, error)
}

// Publisher receives every successful reading.
type Publisher interface {
	Publish(ctx context.Context, r reading.Reading) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, r reading.Reading) error

func (f PublisherFunc) Publish(ctx context.Context, r reading.Reading) error {
	return f(ctx, r)
}

// HealthReporter is told whether the device answered each tick.
type HealthReporter interface {
	ObservePoll(err error)
}

// Poller runs ticks sequentially in a single goroutine between Start and Stop.
type Poller struct {
	source     Source
	normalizer Normalizer
	interval   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram

	mu         sync.Mutex
	publishers []Publisher
	health     HealthReporter
	cancel     context.CancelFunc
	done       chan struct{}

	trigger    chan struct{}
	foreground atomic.Bool
}

// New creates a new Poller. The host application starts in the foreground.
func New(source Source, normalizer Normalizer, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	duration, err := otel.Meter("github.com/mjasion/meterlink/poller").Float64Histogram(
		"meterlink.poll.duration",
		metric.WithDescription("Duration of telemetry polls"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create poll duration histogram", zap.Error(err))
	}

	p := &Poller{
		source:     source,
		normalizer: normalizer,
		interval:   interval,
		clock:      clk,
		logger:     logger,
		tracer:     otel.Tracer("github.com/mjasion/meterlink/poller"),
		duration:   duration,
		trigger:    make(chan struct{}, 1),
	}
	p.foreground.Store(true)
	return p
}

// AddPublisher attaches a publisher for subsequent readings.
func (p *Poller) AddPublisher(pub Publisher) {
	p.mu.Lock()
	p.publishers = append(p.publishers, pub)
	p.mu.Unlock()
}

// SetHealthReporter sets who is told about tick outcomes.
func (p *Poller) SetHealthReporter(h HealthReporter) {
	p.mu.Lock()
	p.health = h
	p.mu.Unlock()
}

// Start begins polling with an immediate first tick. Starting a running
// poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	p.logger.Info("starting telemetry poller", zap.Duration("interval", p.interval))
	go p.run(ctx, done)
}

// Stop ends polling. It does not wait for a running tick, so it is safe to
// call from inside one; use Wait to join the loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.logger.Info("stopping telemetry poller")
}

// Wait blocks until the most recently started loop has exited.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the poller is between Start and Stop.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Trigger requests one immediate tick without resetting the cadence.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// SetForeground gates scheduled ticks. Returning to the foreground triggers
// one immediate tick; requests already in flight are left alone.
func (p *Poller) SetForeground(foreground bool) {
	was := p.foreground.Swap(foreground)
	if foreground && !was {
		p.logger.Debug("foreground resumed, polling now")
		p.Trigger()
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	p.tick(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !p.foreground.Load() {
				p.logger.Debug("in background, skipping scheduled poll")
				continue
			}
			p.tick(ctx, "scheduled")
		case <-p.trigger:
			p.tick(ctx, "trigger")
		}
	}
}

func (p *Poller) tick(ctx context.Context, reason string) {
	ctx, span := p.tracer.Start(ctx, "poller.tick", trace.WithAttributes(
		attribute.String("reason", reason)))
	defer span.End()

	start := time.Now()
	raw, family, err := p.source.FetchTelemetry(ctx)
	fetchErr := err
	var r reading.Reading
	if err == nil {
		r, err = p.normalizer.Normalize(raw, family)
	}
	duration := time.Since(start)

	if ctx.Err() != nil {
		// stopped mid-tick; the outcome says nothing about the link
		return
	}

	p.mu.Lock()
	health := p.health
	publishers := append([]Publisher(nil), p.publishers...)
	p.mu.Unlock()

	if health != nil && (fetchErr == nil || device.KindOf(fetchErr) != "") {
		health.ObservePoll(fetchErr)
	}
	outcome := "ok"
	if err != nil {
		outcome = string(device.KindOf(err))
	}
	if p.duration != nil {
		p.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("outcome", outcome)))
	}
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.WarnWithTrace(ctx, p.logger, "Poll failed",
			zap.String("reason", reason),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	p.source.ObserveReading(r)
	for _, pub := range publishers {
		if err := pub.Publish(ctx, r); err != nil {
			telemetry.WarnWithTrace(ctx, p.logger, "failed to publish reading", zap.Error(err))
		}
	}

	span.SetStatus(codes.Ok, "poll successful")
	telemetry.DebugWithTrace(ctx, p.logger, "Poll successful",
		zap.String("reason", reason),
		zap.Duration("duration", duration),
		zap.Float64("voltage", r.Voltage),
		zap.Float64("activePower", r.ActivePower),
		zap.Bool("output", r.Output))
}
