package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/pkg/clock"
	"github.com/mjasion/meterlink/reading"
)

type fakeSource struct {
	mu       sync.Mutex
	fetch    func() ([]byte, error)
	observed []reading.Reading
	calls    chan struct{}
}

func newSource(fetch func() ([]byte, error)) *fakeSource {
	return &fakeSource{fetch: fetch, calls: make(chan struct{}, 16)}
}

func (s *fakeSource) FetchTelemetry(ctx context.Context) ([]byte, device.Family, error) {
	defer func() { s.calls <- struct{}{} }()
	s.mu.Lock()
	fetch := s.fetch
	s.mu.Unlock()
	body, err := fetch()
	return body, device.FamilyJSON, err
}

func (s *fakeSource) ObserveReading(r reading.Reading) {
	s.mu.Lock()
	s.observed = append(s.observed, r)
	s.mu.Unlock()
}

func (s *fakeSource) observedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observed)
}

type fakeHealth struct {
	mu   sync.Mutex
	errs []error
}

func (h *fakeHealth) ObservePoll(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *fakeHealth) reports() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func waitCall(t *testing.T, s *fakeSource) {
	t.Helper()
	select {
	case <-s.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a poll")
	}
}

func assertNoCall(t *testing.T, s *fakeSource) {
	t.Helper()
	select {
	case <-s.calls:
		t.Fatal("unexpected poll")
	case <-time.After(50 * time.Millisecond):
	}
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func payload() ([]byte, error) {
	return []byte(`{"voltage":"230.1","relay":"ON"}`), nil
}

func newPoller(src Source, clk clock.Clock) *Poller {
	return New(src, reading.NewNormalizer(nil, clock.NewFake(fixedNow)), time.Second, clk, zap.NewNop())
}

func TestPoller_TicksAndPublishes(t *testing.T) {
	clk := clock.NewFake(fixedNow)
	src := newSource(payload)
	p := newPoller(src, clk)

	published := make(chan reading.Reading, 8)
	p.AddPublisher(PublisherFunc(func(ctx context.Context, r reading.Reading) error {
		published <- r
		return nil
	}))
	health := &fakeHealth{}
	p.SetHealthReporter(health)

	p.Start(context.Background())
	defer func() { p.Stop(); p.Wait() }()

	waitCall(t, src)
	r := <-published
	assert.Equal(t, 230.1, r.Voltage)
	assert.True(t, r.Output)

	clk.Tick()
	waitCall(t, src)
	<-published

	assert.Equal(t, 2, src.observedCount())
	assert.Equal(t, []error{nil, nil}, health.reports())
	assert.True(t, p.Running())
}

func TestPoller_FailuresAreSwallowedAndReported(t *testing.T) {
	clk := clock.NewFake(fixedNow)
	fail := true
	var mu sync.Mutex
	src := newSource(func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, device.ConnectionError("telemetry", device.ErrTimeout)
		}
		return payload()
	})
	health := &fakeHealth{}
	p := newPoller(src, clk)
	p.SetHealthReporter(health)

	p.Start(context.Background())
	defer func() { p.Stop(); p.Wait() }()

	waitCall(t, src)
	clk.Tick()
	waitCall(t, src)

	mu.Lock()
	fail = false
	mu.Unlock()
	clk.Tick()
	waitCall(t, src)

	require.Eventually(t, func() bool { return len(health.reports()) == 3 }, time.Second, 5*time.Millisecond)
	reports := health.reports()
	assert.ErrorIs(t, reports[0], device.ErrConnection)
	assert.ErrorIs(t, reports[1], device.ErrConnection)
	assert.NoError(t, reports[2])
	assert.Eventually(t, func() bool { return src.observedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoller_MalformedPayloadStillCountsAsReachable(t *testing.T) {
	src := newSource(func() ([]byte, error) { return []byte("<html>"), nil })
	health := &fakeHealth{}
	p := newPoller(src, clock.NewFake(fixedNow))
	p.SetHealthReporter(health)

	p.Start(context.Background())
	defer func() { p.Stop(); p.Wait() }()
	waitCall(t, src)

	require.Eventually(t, func() bool { return len(health.reports()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, health.reports()[0])
	assert.Zero(t, src.observedCount())
}

func TestPoller_UnclassifiedErrorsAreNotReported(t *testing.T) {
	src := newSource(func() ([]byte, error) { return nil, errors.New("invalid session state") })
	health := &fakeHealth{}
	p := newPoller(src, clock.NewFake(fixedNow))
	p.SetHealthReporter(health)

	p.Start(context.Background())
	waitCall(t, src)
	p.Stop()
	p.Wait()

	assert.Empty(t, health.reports())
}

func TestPoller_BackgroundGatesScheduledTicks(t *testing.T) {
	clk := clock.NewFake(fixedNow)
	src := newSource(payload)
	p := newPoller(src, clk)

	p.Start(context.Background())
	defer func() { p.Stop(); p.Wait() }()
	waitCall(t, src)

	p.SetForeground(false)
	clk.Tick()
	assertNoCall(t, src)

	p.SetForeground(true)
	waitCall(t, src)

	p.SetForeground(true)
	assertNoCall(t, src)
}

func TestPoller_Trigger(t *testing.T) {
	src := newSource(payload)
	p := newPoller(src, clock.NewFake(fixedNow))

	p.Start(context.Background())
	defer func() { p.Stop(); p.Wait() }()
	waitCall(t, src)

	p.Trigger()
	waitCall(t, src)
}

func TestPoller_StopFromInsideTick(t *testing.T) {
	src := newSource(payload)
	p := newPoller(src, clock.NewFake(fixedNow))
	p.AddPublisher(PublisherFunc(func(ctx context.Context, r reading.Reading) error {
		p.Stop()
		return nil
	}))

	p.Start(context.Background())
	waitCall(t, src)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not exit after Stop from inside a tick")
	}
	assert.False(t, p.Running())
}

func TestPoller_StartStopLockstep(t *testing.T) {
	clk := clock.NewFake(fixedNow)
	src := newSource(payload)
	p := newPoller(src, clk)

	p.Start(context.Background())
	p.Start(context.Background())
	waitCall(t, src)
	assertNoCall(t, src)

	p.Stop()
	p.Wait()
	clk.Tick()
	assertNoCall(t, src)

	p.Start(context.Background())
	waitCall(t, src)
	p.Stop()
	p.Wait()
}
