// Package simulator emulates an electric meter over HTTP for every device
// family. It backs the mock API mode and the package tests.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
)

// DefaultPasswords are accepted when none are configured.
var DefaultPasswords = []string{"test123", "admin"}

// Config describes the emulated meter.
type Config struct {
	Family    device.Family
	Serial    string
	Firmware  string
	Passwords []string
	// RelayLag is how many telemetry reads still report the old relay state
	// after a switch.
	RelayLag int
	// AccessTTL expires authentication on the device side; zero never does.
	AccessTTL time.Duration
	// Power is the simulated active load in watts.
	Power float64
	Now   func() time.Time
}

// Meter is one emulated device.
type Meter struct {
	cfg    Config
	logger *zap.Logger
	router *mux.Router

	mu           sync.Mutex
	authAt       time.Time
	authed       bool
	relay        bool
	reported     bool
	lagLeft      int
	tamper       bool
	tamperAt     time.Time
	unresponsive bool
	energy       float64
	lastSample   time.Time
	reads        int
	requests     map[string]int
}

// New creates a new Meter.
func New(cfg Config, logger *zap.Logger) *Meter {
	if cfg.Family == "" {
		cfg.Family = device.FamilyJSON
	}
	if cfg.Serial == "" {
		cfg.Serial = "CM-2024-001"
	}
	if cfg.Firmware == "" {
		cfg.Firmware = device.DefaultFirmwareVersion
	}
	if len(cfg.Passwords) == 0 {
		cfg.Passwords = DefaultPasswords
	}
	if cfg.Power == 0 {
		cfg.Power = 2800
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Meter{
		cfg:        cfg,
		logger:     logger,
		relay:      true,
		reported:   true,
		energy:     1247.5,
		lastSample: cfg.Now(),
		requests:   make(map[string]int),
	}

	r := mux.NewRouter()
	r.Use(m.middleware)
	r.HandleFunc("/", m.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/disconnect", m.handleDisconnect).Methods(http.MethodGet)
	switch cfg.Family {
	case device.FamilyLegacyTag:
		r.HandleFunc("/xml", m.handleTags).Methods(http.MethodGet)
		r.HandleFunc("/genericArgs", m.handleGenericArgs).Methods(http.MethodGet)
	default:
		r.HandleFunc("/data", m.handleData).Methods(http.MethodGet)
		r.HandleFunc("/access", m.handleAccess).Methods(http.MethodGet)
		r.HandleFunc("/relay", m.handleRelay).Methods(http.MethodGet)
	}
	m.router = r
	return m
}

func (m *Meter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// middleware counts requests and, while unresponsive, holds every request
// until the client gives up.
func (m *Meter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		hang := m.unresponsive
		m.mu.Unlock()

		m.logger.Debug("simulator request",
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Bool("hang", hang))
		if hang {
			<-r.Context().Done()
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetUnresponsive makes the meter stop answering without closing connections.
func (m *Meter) SetUnresponsive(v bool) {
	m.mu.Lock()
	m.unresponsive = v
	m.mu.Unlock()
}

// SetTamper raises or clears the tamper alert.
func (m *Meter) SetTamper(v bool) {
	m.mu.Lock()
	m.tamper = v
	if v {
		m.tamperAt = m.cfg.Now()
	}
	m.mu.Unlock()
}

// ExpireAccess drops the device-side authentication.
func (m *Meter) ExpireAccess() {
	m.mu.Lock()
	m.authed = false
	m.mu.Unlock()
}

// Relay returns the actual relay state.
func (m *Meter) Relay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relay
}

// Requests returns how many requests hit path.
func (m *Meter) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

func (m *Meter) authedLocked() bool {
	if m.cfg.Family != device.FamilyJSON {
		return true
	}
	if m.authed && m.cfg.AccessTTL > 0 && m.cfg.Now().Sub(m.authAt) > m.cfg.AccessTTL {
		m.authed = false
	}
	return m.authed
}

func (m *Meter) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch m.cfg.Family {
	case device.FamilyLegacyTag:
		writeText(w, fmt.Sprintf("<Device>ENERGYRIA</Device><Serial>%s</Serial><Version>%s</Version>",
			m.cfg.Serial, m.cfg.Firmware))
	default:
		writeJSON(w, map[string]any{
			"device":  "ENERGYRIA",
			"serial":  m.cfg.Serial,
			"version": m.cfg.Firmware,
			"auth":    m.cfg.Family == device.FamilyJSON,
		})
	}
}

func (m *Meter) handleAccess(w http.ResponseWriter, r *http.Request) {
	password := r.URL.Query().Get("password")
	ok := false
	for _, p := range m.cfg.Passwords {
		if password == p {
			ok = true
			break
		}
	}

	m.mu.Lock()
	if ok {
		m.authed = true
		m.authAt = m.cfg.Now()
	}
	m.mu.Unlock()

	if !ok {
		writeJSON(w, map[string]string{"message": "Incorrecte"})
		return
	}
	writeJSON(w, map[string]string{"message": "OK"})
}

// switchRelay applies a relay command, reporting the new state only after
// the configured lag.
func (m *Meter) switchRelay(state string) error {
	var on bool
	switch strings.ToUpper(state) {
	case "ON":
		on = true
	case "OFF":
	default:
		return fmt.Errorf("invalid relay state %q", state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.authedLocked() {
		return errUnauthorized
	}
	m.relay = on
	m.lagLeft = m.cfg.RelayLag
	if m.lagLeft == 0 {
		m.reported = on
	}
	return nil
}

var errUnauthorized = errors.New("unauthorized")

func (m *Meter) handleRelay(w http.ResponseWriter, r *http.Request) {
	if err := m.switchRelay(r.URL.Query().Get("state")); err != nil {
		msg := "Invalid"
		if errors.Is(err, errUnauthorized) {
			msg = "Unauthorized"
		}
		writeJSON(w, map[string]string{"message": msg})
		return
	}
	writeJSON(w, map[string]string{"message": "OK"})
}

func (m *Meter) handleGenericArgs(w http.ResponseWriter, r *http.Request) {
	if err := m.switchRelay(r.URL.Query().Get("relay")); err != nil {
		writeText(w, "ERROR")
		return
	}
	writeText(w, "relay OK")
}

// handleDisconnect drops authentication and never replies, like the real
// firmware.
func (m *Meter) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	m.ExpireAccess()
	<-r.Context().Done()
}

type sample struct {
	activeEnergy   float64
	reactiveEnergy float64
	voltage        float64
	current        float64
	powerFactor    float64
	frequency      float64
	activePower    float64
	reactivePower  float64
	phase          float64
	relay          bool
	tamper         bool
	access         bool
	now            time.Time
	tamperAt       time.Time
}

// sampleLocked advances the simulated load. Values wander slightly with each
// read but stay deterministic.
func (m *Meter) sampleLocked() sample {
	now := m.cfg.Now()
	m.reads++

	power := 0.0
	if m.relay {
		power = m.cfg.Power * (1 + 0.05*math.Sin(float64(m.reads)/3))
	}
	if elapsed := now.Sub(m.lastSample); elapsed > 0 {
		m.energy += power * elapsed.Hours() / 1000
	}
	m.lastSample = now

	if m.lagLeft > 0 {
		m.lagLeft--
	} else {
		m.reported = m.relay
	}

	voltage := 230 + 2*math.Sin(float64(m.reads)/5)
	pf := 0.95
	return sample{
		activeEnergy:   m.energy,
		reactiveEnergy: m.energy * 0.1,
		voltage:        voltage,
		current:        power / (voltage * pf),
		powerFactor:    pf,
		frequency:      50,
		activePower:    power,
		reactivePower:  power * math.Tan(math.Acos(pf)),
		phase:          math.Acos(pf) * 180 / math.Pi,
		relay:          m.reported,
		tamper:         m.tamper,
		access:         m.authedLocked(),
		now:            now,
		tamperAt:       m.tamperAt,
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (m *Meter) handleData(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	s := m.sampleLocked()
	m.mu.Unlock()

	payload := map[string]any{
		"aEnergy":   s.activeEnergy,
		"rEnergy":   s.reactiveEnergy,
		"voltage":   fmt.Sprintf("%.1f", s.voltage),
		"current":   s.current,
		"powerF":    s.powerFactor,
		"frequency": fmt.Sprintf("%.2f", s.frequency),
		"aPower":    s.activePower,
		"rPower":    s.reactivePower,
		"phase":     s.phase,
		"relay":     onOff(s.relay),
		"fAlert":    bit(s.tamper),
		"num":       m.cfg.Serial,
		"version":   m.cfg.Firmware,
		"DateTime":  s.now.Format("2006-01-02 15:04:05"),
	}
	if s.tamper {
		payload["fAlertDateTime"] = s.tamperAt.Format("2006-01-02 15:04:05")
	}
	if m.cfg.Family == device.FamilyJSON {
		payload["access"] = bit(s.access)
	}
	writeJSON(w, payload)
}

func (m *Meter) handleTags(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	s := m.sampleLocked()
	m.mu.Unlock()

	var b strings.Builder
	tag := func(name, value string) {
		fmt.Fprintf(&b, "<%s>%s</%s>", name, value, name)
	}
	b.WriteString("<Meter>")
	tag("Energy", fmt.Sprintf("%.3f", s.activeEnergy))
	tag("ReactiveEnergy", fmt.Sprintf("%.3f", s.reactiveEnergy))
	tag("Voltage", fmt.Sprintf("%.1f", s.voltage))
	tag("Current", fmt.Sprintf("%.3f", s.current))
	tag("PowerFactor", fmt.Sprintf("%.2f", s.powerFactor))
	tag("Frequency", fmt.Sprintf("%.2f", s.frequency))
	tag("Power", fmt.Sprintf("%.1f", s.activePower))
	tag("ReactivePower", fmt.Sprintf("%.1f", s.reactivePower))
	tag("Phase", fmt.Sprintf("%.1f", s.phase))
	tag("Relay", bit(s.relay))
	tag("Alert", bit(s.tamper))
	tag("Serial", m.cfg.Serial)
	tag("DateTime", s.now.Format("2006-01-02 15:04:05"))
	b.WriteString("</Meter>")
	writeText(w, b.String())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s))
}

// Serve listens on addr and serves h until ctx is done. It returns the bound
// address, so addr may use port 0.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("simulator server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// hanging handlers only end when their connections close
		_ = srv.Close()
	}()

	logger.Info("device simulator listening", zap.String("address", ln.Addr().String()))
	return ln.Addr().String(), nil
}
