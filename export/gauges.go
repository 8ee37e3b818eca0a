package export

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mjasion/meterlink/engine"
	"github.com/mjasion/meterlink/reading"
	"github.com/mjasion/meterlink/session"
)

var sessionStates = []session.State{
	session.Idle, session.Connecting, session.Connected, session.Authenticating,
	session.Authenticated, session.Disconnecting, session.Failed,
}

// Gauges exposes the latest reading and the engine state as Prometheus
// gauges.
type Gauges struct {
	readings     map[string]*prometheus.GaugeVec
	lastReading  *prometheus.GaugeVec
	sessionState *prometheus.GaugeVec
	linkFailures prometheus.Gauge
	linkUp       prometheus.Gauge
	wifiUp       prometheus.Gauge
}

// NewGauges creates the gauges and registers them with reg.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		readings: make(map[string]*prometheus.GaugeVec, len(readingMetrics)),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterlink_last_reading_timestamp_seconds",
			Help: "Capture time of the last reading.",
		}, []string{"serial", "family"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterlink_session_state",
			Help: "Current session state (1 for the active state).",
		}, []string{"state"}),
		linkFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterlink_link_consecutive_failures",
			Help: "Consecutive failed device checks.",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterlink_link_reachable",
			Help: "Whether the device answered recently (1=yes).",
		}),
		wifiUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterlink_wifi_up",
			Help: "Whether the local WiFi link is up (1=yes).",
		}),
	}

	for _, m := range readingMetrics {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: m.name, Help: m.help}, []string{"serial", "family"})
		g.readings[m.name] = vec
		reg.MustRegister(vec)
	}
	reg.MustRegister(g.lastReading, g.sessionState, g.linkFailures, g.linkUp, g.wifiUp)

	g.ObserveState(engine.State{Session: session.Snapshot{State: session.Idle}})
	return g
}

// Publish updates the reading gauges.
func (g *Gauges) Publish(_ context.Context, r reading.Reading) error {
	labels := prometheus.Labels{"serial": r.Serial, "family": string(r.Family)}
	for _, m := range readingMetrics {
		g.readings[m.name].With(labels).Set(m.value(r))
	}
	g.lastReading.With(labels).Set(float64(r.CapturedAt.UnixMilli()) / 1000)
	return nil
}

// ObserveState updates the session and link gauges.
func (g *Gauges) ObserveState(st engine.State) {
	for _, s := range sessionStates {
		v := 0.0
		if s == st.Session.State {
			v = 1
		}
		g.sessionState.WithLabelValues(string(s)).Set(v)
	}
	g.linkFailures.Set(float64(st.Link.ConsecutiveFailures))
	g.linkUp.Set(boolValue(st.Link.Reachable))
	g.wifiUp.Set(boolValue(st.Link.WiFiUp))
}

// Follow applies every state from states until ctx is done or states closes.
func (g *Gauges) Follow(ctx context.Context, states <-chan engine.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			g.ObserveState(st)
		}
	}
}
