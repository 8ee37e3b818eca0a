// Package linkhealth detects a silently dead link to the device from two
// signals: OS network state and an active reachability probe.
package linkhealth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultThreshold = 3
)

// Health is the monitor's view of the link. It is healthy only when both
// signals agree.
type Health struct {
	Reachable           bool `json:"reachable"`
	ConsecutiveFailures int  `json:"consecutiveFailures"`
	WiFiUp              bool `json:"wifiUp"`
}

// Healthy reports whether both signals are good.
func (h Health) Healthy() bool {
	return h.Reachable && h.WiFiUp
}

// EventKind identifies a user-facing notification.
type EventKind string

const (
	EventWiFiLost          EventKind = "wifi_lost"
	EventDeviceUnreachable EventKind = "device_unreachable"
)

// Event is raised when the monitor forces a disconnect.
type Event struct {
	Kind   EventKind `json:"kind"`
	Health Health    `json:"health"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

// NetworkType is the kind of network the host is attached to.
type NetworkType string

const (
	NetworkWiFi     NetworkType = "wifi"
	NetworkEthernet NetworkType = "ethernet"
	NetworkCellular NetworkType = "cellular"
	NetworkNone     NetworkType = "none"
)

// NetworkEvent is an OS network state notification.
type NetworkEvent struct {
	Connected bool        `json:"connected"`
	Type      NetworkType `json:"type"`
	Interface string      `json:"interface,omitempty"`
}

// WiFiUp reports whether the event describes a live WiFi link.
func (e NetworkEvent) WiFiUp() bool {
	return e.Connected && e.Type == NetworkWiFi
}

// Listener receives the monitor's notifications.
type Listener func(Event)

// Target is what the monitor watches and, when the link dies, disconnects.
type Target interface {
	Probe(ctx context.Context) error
	ForceDisconnect(ctx context.Context, cause error) error
}

// Config tunes the monitor.
type Config struct {
	Interval  time.Duration
	Threshold int
}

// Monitor counts consecutive probe and poll failures and forces a disconnect
// once per threshold crossing. It never reconnects.
type Monitor struct {
	target   Target
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	failures metric.Int64Counter

	mu        sync.Mutex
	health    Health
	active    bool
	fired     bool
	ctx       context.Context
	cancel    context.CancelFunc
	scheduler *cron.Cron
	stopped   context.Context
	gen       uint64
	listeners []Listener
}

// New creates a new Monitor. WiFi is assumed up until told otherwise.
func New(target Target, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	failures, err := otel.Meter("github.com/mjasion/meterlink/linkhealth").Int64Counter(
		"meterlink.link.failures",
		metric.WithDescription("Failed probes and polls against the device"))
	if err != nil {
		logger.Warn("failed to create link failure counter", zap.Error(err))
	}
	return &Monitor{
		target:   target,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		failures: failures,
		health:   Health{Reachable: true, WiFiUp: true},
	}
}

// OnEvent registers a notification listener.
func (m *Monitor) OnEvent(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Health returns the current link health.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Reset marks the link healthy again and re-arms the threshold. The WiFi
// signal is kept since it reflects the host, not the device.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.health.Reachable = true
	m.health.ConsecutiveFailures = 0
	m.fired = false
	m.mu.Unlock()
}

// Start schedules the active probe. Starting an active monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", m.cfg.Interval), func() {
		m.Probe(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule probe: %w", err)
	}
	scheduler.Start()

	m.ctx = ctx
	m.cancel = cancel
	m.scheduler = scheduler
	m.active = true
	m.gen++
	m.logger.Info("link health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("threshold", m.cfg.Threshold))
	return nil
}

// Stop unschedules the probe without waiting for a running one, so it is
// safe to call from a probe's own forced disconnect.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false
	m.cancel()
	m.stopped = m.scheduler.Stop()
	m.logger.Info("link health monitor stopped")
}

// Wait blocks until probes running at the last Stop have finished.
func (m *Monitor) Wait() {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped != nil {
		<-stopped.Done()
	}
}

// Probe runs one active probe. It is skipped while inactive or while WiFi is
// down, when the passive signal has already acted. A result that lands after
// a Stop and Start is dropped.
func (m *Monitor) Probe(ctx context.Context) {
	m.mu.Lock()
	skip := !m.active || !m.health.WiFiUp
	gen := m.gen
	m.mu.Unlock()
	if skip {
		return
	}
	m.record(ctx, gen, "probe", m.target.Probe(ctx))
}

// ObservePoll feeds a telemetry poll outcome into the same counter.
func (m *Monitor) ObservePoll(err error) {
	m.mu.Lock()
	ctx := m.ctx
	gen := m.gen
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	m.record(ctx, gen, "poll", err)
}

func (m *Monitor) record(ctx context.Context, gen uint64, source string, err error) {
	m.mu.Lock()
	if !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err == nil {
		if m.health.ConsecutiveFailures > 0 {
			m.logger.Info("device reachable again",
				zap.String("source", source),
				zap.Int("after_failures", m.health.ConsecutiveFailures))
		}
		m.health.ConsecutiveFailures = 0
		m.health.Reachable = true
		m.fired = false
		m.mu.Unlock()
		return
	}

	m.health.ConsecutiveFailures++
	failures := m.health.ConsecutiveFailures
	fire := false
	if failures >= m.cfg.Threshold {
		m.health.Reachable = false
		if !m.fired {
			m.fired = true
			fire = true
		}
	}
	health := m.health
	m.mu.Unlock()

	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	m.logger.Warn("device check failed",
		zap.String("source", source),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if fire {
		cause := fmt.Errorf("%d consecutive failures: %w", failures, err)
		m.forceDisconnect(ctx, EventDeviceUnreachable, health, cause)
	}
}

// ObserveNetwork applies an OS network notification. Losing WiFi while
// active disconnects at once, without waiting for a probe.
func (m *Monitor) ObserveNetwork(ev NetworkEvent) {
	up := ev.WiFiUp()

	m.mu.Lock()
	was := m.health.WiFiUp
	m.health.WiFiUp = up
	active := m.active
	ctx := m.ctx
	health := m.health
	m.mu.Unlock()

	if was == up {
		return
	}
	m.logger.Info("network state changed",
		zap.Bool("wifi_up", up),
		zap.String("type", string(ev.Type)),
		zap.String("interface", ev.Interface))

	if was && !up && active {
		cause := fmt.Errorf("wifi lost (network %s)", ev.Type)
		m.forceDisconnect(ctx, EventWiFiLost, health, cause)
	}
}

func (m *Monitor) forceDisconnect(ctx context.Context, kind EventKind, health Health, cause error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// the disconnect stops this monitor, which cancels ctx
	ctx = context.WithoutCancel(ctx)

	m.logger.Warn("link lost, forcing disconnect",
		zap.String("event", string(kind)),
		zap.Error(cause))
	if err := m.target.ForceDisconnect(ctx, cause); err != nil {
		m.logger.Error("forced disconnect failed", zap.Error(err))
	}

	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	ev := Event{Kind: kind, Health: health, Err: cause, At: m.now()}
	for _, fn := range listeners {
		fn(ev)
	}
}
