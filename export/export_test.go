package export

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/engine"
	"github.com/mjasion/meterlink/linkhealth"
	"github.com/mjasion/meterlink/reading"
	"github.com/mjasion/meterlink/session"
)

var captured = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(voltage float64) reading.Reading {
	return reading.Reading{
		ActiveEnergy: 1247.5,
		Voltage:      voltage,
		Current:      12.17,
		ActivePower:  2800,
		PowerFactor:  0.98,
		Frequency:    50,
		Output:       true,
		Serial:       "CM-2024-001",
		Family:       device.FamilyJSON,
		CapturedAt:   captured,
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := NewGauges(reg)

	require.NoError(t, g.Publish(context.Background(), sample(230)))
	assert.Equal(t, 230.0, testutil.ToFloat64(g.readings["meterlink_voltage_volts"].WithLabelValues("CM-2024-001", string(device.FamilyJSON))))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.readings["meterlink_output_on"].WithLabelValues("CM-2024-001", string(device.FamilyJSON))))
	assert.Equal(t, 0.0, testutil.ToFloat64(g.readings["meterlink_tamper"].WithLabelValues("CM-2024-001", string(device.FamilyJSON))))

	assert.Equal(t, 1.0, testutil.ToFloat64(g.sessionState.WithLabelValues(string(session.Idle))))

	states := make(chan engine.State, 1)
	states <- engine.State{
		Session: session.Snapshot{State: session.Authenticated},
		Link:    linkhealth.Health{Reachable: false, ConsecutiveFailures: 3, WiFiUp: true},
	}
	close(states)
	g.Follow(context.Background(), states)

	assert.Equal(t, 0.0, testutil.ToFloat64(g.sessionState.WithLabelValues(string(session.Idle))))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.sessionState.WithLabelValues(string(session.Authenticated))))
	assert.Equal(t, 3.0, testutil.ToFloat64(g.linkFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(g.linkUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.wifiUp))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, len(readingMetrics))
}

func TestReadingSeriesBuilder(t *testing.T) {
	other := sample(231)
	other.Serial = "CM-2024-002"

	build := ReadingSeriesBuilder(map[string]string{"site": "home"})
	ts, err := build(context.Background(), []reading.Reading{sample(230), other, sample(229)})
	require.NoError(t, err)
	require.Len(t, ts, 2*len(readingMetrics))

	first := ts[0]
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: readingMetrics[0].name},
		{Name: "family", Value: string(device.FamilyJSON)},
		{Name: "serial", Value: "CM-2024-001"},
		{Name: "site", Value: "home"},
	}, first.Labels)
	assert.Len(t, first.Samples, 2)
	assert.Equal(t, captured.UnixMilli(), first.Samples[0].Timestamp)

	var volts []float64
	for _, s := range ts {
		if s.Labels[0].Value == "meterlink_voltage_volts" && s.Labels[2].Value == "CM-2024-001" {
			for _, smp := range s.Samples {
				volts = append(volts, smp.Value)
			}
		}
	}
	assert.Equal(t, []float64{230, 229}, volts)
}

func TestRemoteWrite(t *testing.T) {
	var (
		mu     sync.Mutex
		series []prompb.TimeSeries
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req prompb.WriteRequest
		if err := proto.Unmarshal(data, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		series = append(series, req.Timeseries...)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rw := NewRemoteWrite(RemoteWriteConfig{URL: srv.URL, PushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, rw.Publish(context.Background(), sample(230)))
	require.NoError(t, rw.Publish(context.Background(), sample(231)))
	assert.Equal(t, 2, rw.Pending())

	rw.Flush(context.Background())
	assert.Equal(t, 0, rw.Pending())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, series, len(readingMetrics))
	assert.Len(t, series[0].Samples, 2)
}

func TestInflux(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
		query string
		auth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lines = append(lines, strings.TrimSpace(string(body)))
		query = r.URL.RawQuery
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	in := NewInflux(InfluxConfig{URL: srv.URL, Token: "tok", Org: "home", Bucket: "meters"}, zap.NewNop())
	defer in.Close()

	require.NoError(t, in.Publish(context.Background(), sample(230)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	line := lines[0]
	assert.True(t, strings.HasPrefix(line, "meter_reading,family=json-v5,serial=CM-2024-001 "), line)
	assert.Contains(t, line, "voltage=230")
	assert.Contains(t, line, "output=true")
	assert.Contains(t, line, "tamper=false")
	assert.True(t, strings.HasSuffix(line, " 1772366400000000000"), line)
	assert.Contains(t, query, "org=home")
	assert.Contains(t, query, "bucket=meters")
	assert.Equal(t, "Token tok", auth)
}

func TestInflux_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
	}))
	defer srv.Close()

	in := NewInflux(InfluxConfig{URL: srv.URL, Org: "home", Bucket: "meters"}, zap.NewNop())
	defer in.Close()

	err := in.Publish(context.Background(), sample(230))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write point")
}
