// Package engine ties the session, poller, link health monitor and
// persistence together and exposes the commands and state the user-facing
// layer works with.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/linkhealth"
	"github.com/mjasion/meterlink/pkg/clock"
	"github.com/mjasion/meterlink/poller"
	"github.com/mjasion/meterlink/reading"
	"github.com/mjasion/meterlink/session"
	"github.com/mjasion/meterlink/store"
)

// ErrNoLastDevice is returned by ReconnectLast when nothing was ever connected.
var ErrNoLastDevice = errors.New("no last device")

// Scanner discovers devices.
type Scanner interface {
	Scan(ctx context.Context) ([]device.Descriptor, error)
}

// Notice is a user-facing notification raised by the link health monitor.
type Notice struct {
	Kind    linkhealth.EventKind `json:"kind"`
	Message string               `json:"message"`
	At      time.Time            `json:"at"`
}

// State is what the user-facing layer renders.
type State struct {
	Session    session.Snapshot    `json:"session"`
	Link       linkhealth.Health   `json:"link"`
	Latest     *reading.Reading    `json:"latest,omitempty"`
	LastError  error               `json:"-"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  device.Kind         `json:"errorKind,omitempty"`
	Notice     *Notice             `json:"notice,omitempty"`
	Devices    []device.Descriptor `json:"devices"`
	Scanning   bool                `json:"scanning"`
	Foreground bool                `json:"foreground"`
}

// ReconnectConfig bounds ReconnectLast.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Options configures an Engine.
type Options struct {
	Session      session.Config
	PollInterval time.Duration
	Health       linkhealth.Config
	Reconnect    ReconnectConfig
	Clock        clock.Clock
}

// Engine is the single entry point of the user-facing layer.
type Engine struct {
	session *session.Session
	poller  *poller.Poller
	monitor *linkhealth.Monitor
	gateway store.Gateway
	scanner Scanner
	opts    Options
	logger  *zap.Logger
	hub     *Hub

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	latest     *reading.Reading
	notice     *Notice
	devices    []device.Descriptor
	scanning   bool
	foreground bool
}

// New creates a new Engine. The session reaches devices through dial.
func New(dial session.Dialer, normalizer poller.Normalizer, gateway store.Gateway, scanner Scanner, opts Options, logger *zap.Logger) *Engine {
	if gateway == nil {
		gateway = store.NewMemory()
	}
	if opts.Reconnect.InitialInterval <= 0 {
		opts.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if opts.Reconnect.MaxInterval <= 0 {
		opts.Reconnect.MaxInterval = 5 * time.Second
	}
	if opts.Reconnect.MaxElapsedTime <= 0 {
		opts.Reconnect.MaxElapsedTime = 30 * time.Second
	}

	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		gateway:    gateway,
		scanner:    scanner,
		opts:       opts,
		logger:     logger,
		hub:        NewHub(),
		base:       base,
		cancel:     cancel,
		foreground: true,
	}

	e.session = session.New(dial, opts.Session, logger.Named("session"))
	e.poller = poller.New(e.session, normalizer, opts.PollInterval, opts.Clock, logger.Named("poller"))
	e.monitor = linkhealth.New(e.session, opts.Health, logger.Named("linkhealth"))

	e.poller.SetHealthReporter(e.monitor)
	e.poller.AddPublisher(poller.PublisherFunc(e.publish))
	e.session.OnTransition(e.onTransition)
	e.monitor.OnEvent(e.onLinkEvent)
	return e
}

// AddPublisher attaches an exporter to every reading.
func (e *Engine) AddPublisher(p poller.Publisher) {
	e.poller.AddPublisher(p)
}

// Monitor exposes the link health monitor so OS network events can be fed in.
func (e *Engine) Monitor() *linkhealth.Monitor {
	return e.monitor
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	snap := e.session.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		Session:    snap,
		Link:       e.monitor.Health(),
		LastError:  snap.LastError,
		Notice:     e.notice,
		Devices:    append([]device.Descriptor(nil), e.devices...),
		Scanning:   e.scanning,
		Foreground: e.foreground,
	}
	if e.latest != nil {
		r := *e.latest
		s.Latest = &r
	}
	if s.LastError != nil {
		s.Error = s.LastError.Error()
		s.ErrorKind = device.KindOf(s.LastError)
	}
	return s
}

// Subscribe streams states, starting with the current one.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch, cancel := e.hub.Subscribe()
	e.hub.Publish(e.Snapshot())
	return ch, cancel
}

func (e *Engine) broadcast() {
	e.hub.Publish(e.Snapshot())
}

// onTransition keeps the poller and the monitor in lockstep with the
// Authenticated state.
func (e *Engine) onTransition(t session.Transition) {
	switch {
	case t.To == session.Authenticated:
		e.monitor.Reset()
		e.poller.Start(e.base)
		if err := e.monitor.Start(e.base); err != nil {
			e.logger.Error("failed to start link health monitor", zap.Error(err))
		}
	case t.From == session.Authenticated:
		e.poller.Stop()
		e.monitor.Stop()
	}

	switch t.To {
	case session.Connecting:
		e.mu.Lock()
		e.notice = nil
		e.mu.Unlock()
	case session.Idle:
		e.mu.Lock()
		e.latest = nil
		e.mu.Unlock()
	}
	e.broadcast()
}

func (e *Engine) onLinkEvent(ev linkhealth.Event) {
	msg := "device unreachable, disconnected"
	if ev.Kind == linkhealth.EventWiFiLost {
		msg = "WiFi connection lost, disconnected"
	}
	e.mu.Lock()
	e.notice = &Notice{Kind: ev.Kind, Message: msg, At: ev.At}
	e.mu.Unlock()
	e.broadcast()
}

// publish is the engine's own poller publisher: it keeps the latest reading
// and caches it for offline display.
func (e *Engine) publish(ctx context.Context, r reading.Reading) error {
	e.mu.Lock()
	e.latest = &r
	e.mu.Unlock()

	if d := e.session.Snapshot().Descriptor; d != nil {
		if err := e.gateway.SaveCachedReading(ctx, d.Address, r); err != nil {
			e.logger.Warn("failed to cache reading", zap.String("address", d.Address), zap.Error(err))
		}
	}
	e.broadcast()
	return nil
}

// Discover scans for devices and keeps the result in the state.
func (e *Engine) Discover(ctx context.Context) ([]device.Descriptor, error) {
	if e.scanner == nil {
		return nil, fmt.Errorf("discovery is not configured")
	}
	e.mu.Lock()
	e.scanning = true
	e.mu.Unlock()
	e.broadcast()

	found, err := e.scanner.Scan(ctx)

	e.mu.Lock()
	e.scanning = false
	if err == nil {
		e.devices = found
	}
	e.mu.Unlock()
	e.broadcast()
	return found, err
}

// Connect opens a session with d. On success the device is remembered and
// its cached reading is shown until the first poll lands.
func (e *Engine) Connect(ctx context.Context, d device.Descriptor) error {
	if err := e.session.Connect(ctx, d); err != nil {
		return err
	}

	if err := e.gateway.SaveLastDevice(ctx, d); err != nil {
		e.logger.Warn("failed to save last device", zap.Error(err))
	}
	if d.SerialNumber != "" {
		if err := e.gateway.AddToHistory(ctx, d); err != nil {
			e.logger.Warn("failed to update device history", zap.Error(err))
		}
	}
	cached, err := e.gateway.CachedReading(ctx, d.Address)
	if err != nil {
		e.logger.Warn("failed to load cached reading", zap.Error(err))
	}
	if cached != nil {
		e.mu.Lock()
		if e.latest == nil {
			e.latest = cached
		}
		e.mu.Unlock()
		e.broadcast()
	}
	return nil
}

// Authenticate sends the password and saves it once accepted.
func (e *Engine) Authenticate(ctx context.Context, password string) error {
	if err := e.session.Authenticate(ctx, password); err != nil {
		e.broadcast()
		return err
	}
	if password != "" {
		if err := e.gateway.SaveCredential(ctx, password); err != nil {
			e.logger.Warn("failed to save credential", zap.Error(err))
		}
	}
	return nil
}

// Disconnect ends the session and forgets the saved password.
func (e *Engine) Disconnect(ctx context.Context) error {
	err := e.session.Disconnect(ctx)
	if cerr := e.gateway.ClearCredential(ctx); cerr != nil {
		e.logger.Warn("failed to clear credential", zap.Error(cerr))
	}
	return err
}

// ToggleOutput switches the relay and polls right away to confirm it.
func (e *Engine) ToggleOutput(ctx context.Context, on bool) error {
	err := e.session.ToggleOutput(ctx, on)
	if err == nil {
		e.poller.Trigger()
	}
	e.broadcast()
	return err
}

// Refresh polls out of band.
func (e *Engine) Refresh() error {
	if state := e.session.State(); state != session.Authenticated {
		return fmt.Errorf("refresh from %s: %w", state, session.ErrInvalidState)
	}
	e.poller.Trigger()
	return nil
}

// SetForeground gates polling while the user-facing layer is hidden.
func (e *Engine) SetForeground(foreground bool) {
	e.mu.Lock()
	e.foreground = foreground
	e.mu.Unlock()
	e.poller.SetForeground(foreground)
	e.broadcast()
}

// DismissNotice clears the current notice.
func (e *Engine) DismissNotice() {
	e.mu.Lock()
	e.notice = nil
	e.mu.Unlock()
	e.broadcast()
}

// History returns previously connected devices.
func (e *Engine) History(ctx context.Context) ([]store.HistoryEntry, error) {
	return e.gateway.DeviceHistory(ctx)
}

// ClearCache drops cached readings and the device history.
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.gateway.ClearCache(ctx)
}

// ReconnectLast silently reconnects to the last device with the saved
// password, retrying connection failures with exponential backoff. Without a
// saved password it stops at Connected.
func (e *Engine) ReconnectLast(ctx context.Context) error {
	last, err := e.gateway.LastDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last device: %w", err)
	}
	if last == nil {
		return ErrNoLastDevice
	}
	password, err := e.gateway.Credential(ctx)
	if err != nil {
		e.logger.Warn("failed to load credential", zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.Reconnect.InitialInterval
	bo.MaxInterval = e.opts.Reconnect.MaxInterval

	operation := func() (struct{}, error) {
		switch state := e.session.State(); state {
		case session.Idle:
			if err := e.Connect(ctx, *last); err != nil {
				return struct{}{}, retryable(err)
			}
			if e.session.State() != session.Connected {
				return struct{}{}, nil
			}
			fallthrough
		case session.Connected:
			if password == "" {
				return struct{}{}, nil
			}
			return struct{}{}, retryable(e.Authenticate(ctx, password))
		case session.Authenticated:
			return struct{}{}, nil
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("reconnect from %s: %w", state, session.ErrInvalidState))
		}
	}

	notify := func(err error, next time.Duration) {
		e.logger.Info("reconnect attempt failed",
			zap.String("address", last.Address),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(e.opts.Reconnect.MaxElapsedTime),
		backoff.WithNotify(notify)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("reconnect to %s: %w", last.Address, err)
	}
	e.logger.Info("reconnected to last device",
		zap.String("address", last.Address),
		zap.String("state", string(e.session.State())))
	return nil
}

// retryable lets connection failures be retried; everything else ends the
// reconnect.
func retryable(err error) error {
	if err == nil || device.KindOf(err) == device.KindConnection {
		return err
	}
	return backoff.Permanent(err)
}

// Close disconnects and stops the background loops.
func (e *Engine) Close(ctx context.Context) error {
	err := e.session.Disconnect(ctx)
	e.cancel()
	e.poller.Stop()
	e.poller.Wait()
	e.monitor.Stop()
	e.monitor.Wait()
	return err
}
