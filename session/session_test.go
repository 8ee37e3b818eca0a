package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/reading"
)

type fakeTransport struct {
	mu sync.Mutex

	family       device.Family
	requiresAuth bool

	accessBody    string
	accessErr     error
	accessCalls   int
	outputBody    string
	outputErr     error
	outputs       []bool
	telemetry     []byte
	telemetryErr  error
	disconnectErr error
	disconnects   int
	probeErr      error

	// release, when set, blocks Access and SetOutput until closed.
	release chan struct{}
	started chan struct{}
}

func newFake() *fakeTransport {
	return &fakeTransport{
		family:       device.FamilyJSON,
		requiresAuth: true,
		accessBody:   `{"message":"OK"}`,
		outputBody:   `{"message":"OK"}`,
		telemetry:    []byte(`{"voltage":230}`),
	}
}

func (f *fakeTransport) wait() {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeTransport) Family() device.Family { return f.family }

func (f *fakeTransport) RequiresAuth() bool { return f.requiresAuth }

func (f *fakeTransport) BaseURL() string { return "http://192.168.4.1" }

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }

func (f *fakeTransport) Access(ctx context.Context, password string) (*device.Response, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	if f.accessErr != nil {
		return nil, f.accessErr
	}
	return &device.Response{Status: 200, Body: []byte(f.accessBody)}, nil
}

func (f *fakeTransport) Telemetry(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.telemetry, f.telemetryErr
}

func (f *fakeTransport) SetOutput(ctx context.Context, on bool) (*device.Response, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, on)
	if f.outputErr != nil {
		return nil, f.outputErr
	}
	return &device.Response{Status: 200, Body: []byte(f.outputBody)}, nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakeTransport) Probe(ctx context.Context) error {
	return f.probeErr
}

func dialTo(t device.Transport) Dialer {
	return func(ctx context.Context, d device.Descriptor) (device.Transport, error) {
		return t, nil
	}
}

var meter = device.Descriptor{
	Address:         "192.168.4.1",
	SerialNumber:    "CM-2024-001",
	FirmwareVersion: "2.1.0",
	DeviceType:      device.TypeElectricMeter,
}

func recordStates(s *Session) func() []State {
	var (
		mu     sync.Mutex
		states []State
	)
	s.OnTransition(func(tr Transition) {
		mu.Lock()
		states = append(states, tr.To)
		mu.Unlock()
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}
}

func authenticated(t *testing.T, ft *fakeTransport, cfg Config, logger *zap.Logger) *Session {
	t.Helper()
	s := New(dialTo(ft), cfg, logger)
	require.NoError(t, s.Connect(context.Background(), meter))
	require.NoError(t, s.Authenticate(context.Background(), "test123"))
	require.Equal(t, Authenticated, s.State())
	return s
}

func boolPtr(b bool) *bool { return &b }

func TestConnect_Success(t *testing.T) {
	ft := newFake()
	s := New(dialTo(ft), Config{}, zap.NewNop())
	states := recordStates(s)

	require.NoError(t, s.Connect(context.Background(), meter))

	snap := s.Snapshot()
	assert.Equal(t, Connected, snap.State)
	require.NotNil(t, snap.Descriptor)
	assert.Equal(t, meter, *snap.Descriptor)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, device.FamilyJSON, snap.Family)
	assert.False(t, snap.Authenticated)
	assert.Equal(t, []State{Connecting, Connected}, states())
}

func TestConnect_FailureEndsIdle(t *testing.T) {
	s := New(func(ctx context.Context, d device.Descriptor) (device.Transport, error) {
		return nil, device.ConnectionError("connect", device.ErrTimeout)
	}, Config{}, zap.NewNop())
	states := recordStates(s)

	err := s.Connect(context.Background(), meter)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrConnection))

	snap := s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Nil(t, snap.Descriptor)
	assert.True(t, errors.Is(snap.LastError, device.ErrConnection))
	assert.Equal(t, []State{Connecting, Failed, Idle}, states())
}

func TestConnect_UnclassifiedDialErrorBecomesConnectionError(t *testing.T) {
	s := New(func(ctx context.Context, d device.Descriptor) (device.Transport, error) {
		return nil, errors.New("boom")
	}, Config{}, zap.NewNop())

	err := s.Connect(context.Background(), meter)
	assert.Equal(t, device.KindConnection, device.KindOf(err))
}

func TestConnect_OnlyFromIdle(t *testing.T) {
	s := authenticated(t, newFake(), Config{}, zap.NewNop())
	assert.ErrorIs(t, s.Connect(context.Background(), meter), ErrInvalidState)
}

func TestConnect_SecondConnectWhileConnectingIsBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ft := newFake()
	s := New(func(ctx context.Context, d device.Descriptor) (device.Transport, error) {
		close(started)
		<-release
		return ft, nil
	}, Config{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), meter) }()
	<-started

	assert.ErrorIs(t, s.Connect(context.Background(), meter), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Connected, s.State())
}

func TestConnect_NoAuthFamilyGoesStraightToAuthenticated(t *testing.T) {
	ft := newFake()
	ft.family = device.FamilyOpen
	ft.requiresAuth = false
	s := New(dialTo(ft), Config{}, zap.NewNop())
	states := recordStates(s)

	require.NoError(t, s.Connect(context.Background(), meter))
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, []State{Connecting, Connected, Authenticated}, states())

	require.NoError(t, s.Authenticate(context.Background(), "anything"))
	assert.Zero(t, ft.accessCalls, "no access request for a family without authentication")
}

func TestAuthenticate_Replies(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		wantState State
		wantKind  device.Kind
	}{
		{name: "ok", body: `{"message":"OK"}`, wantState: Authenticated},
		{name: "ok lowercase", body: `{"message":"ok"}`, wantState: Authenticated},
		{name: "incorrect", body: `{"message":"Incorrecte"}`, wantState: Connected, wantKind: device.KindAuth},
		{name: "incorrect english", body: `{"message":"incorrect password"}`, wantState: Connected, wantKind: device.KindAuth},
		{name: "unknown token", body: `{"message":"???"}`, wantState: Connected, wantKind: device.KindProtocol},
		{name: "unparsable", body: `<html>login</html>`, wantState: Connected, wantKind: device.KindProtocol},
		{name: "missing token", body: `{"status":"OK"}`, wantState: Connected, wantKind: device.KindProtocol},
		{name: "network", err: device.ErrTimeout, wantState: Connected, wantKind: device.KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFake()
			ft.accessBody = tt.body
			ft.accessErr = tt.err
			s := New(dialTo(ft), Config{}, zap.NewNop())
			require.NoError(t, s.Connect(context.Background(), meter))

			err := s.Authenticate(context.Background(), "pw")
			assert.Equal(t, tt.wantState, s.State())
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.True(t, s.Snapshot().Authenticated)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, device.KindOf(err))
			assert.Equal(t, tt.wantKind, device.KindOf(s.Snapshot().LastError))
			assert.False(t, s.Snapshot().Authenticated)
		})
	}
}

func TestAuthenticate_RetryAfterWrongPassword(t *testing.T) {
	ft := newFake()
	ft.accessBody = `{"message":"Incorrecte"}`
	s := New(dialTo(ft), Config{}, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), meter))

	assert.ErrorIs(t, s.Authenticate(context.Background(), "wrong"), device.ErrAuth)

	ft.mu.Lock()
	ft.accessBody = `{"message":"OK"}`
	ft.mu.Unlock()
	require.NoError(t, s.Authenticate(context.Background(), "test123"))
	assert.Equal(t, Authenticated, s.State())
	assert.Nil(t, s.Snapshot().LastError)
}

func TestAuthenticate_ProtocolErrorRequiresReconnect(t *testing.T) {
	ft := newFake()
	ft.accessBody = `{"message":"???"}`
	s := New(dialTo(ft), Config{}, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), meter))

	assert.ErrorIs(t, s.Authenticate(context.Background(), "pw"), device.ErrProtocol)

	ft.mu.Lock()
	ft.accessBody = `{"message":"OK"}`
	ft.mu.Unlock()
	assert.ErrorIs(t, s.Authenticate(context.Background(), "pw"), device.ErrProtocol)
	assert.Equal(t, 1, ft.accessCalls, "no request until reconnect")

	require.NoError(t, s.Disconnect(context.Background()))
	require.NoError(t, s.Connect(context.Background(), meter))
	require.NoError(t, s.Authenticate(context.Background(), "pw"))
	assert.Equal(t, Authenticated, s.State())
}

func TestAuthenticate_InvalidStates(t *testing.T) {
	s := New(dialTo(newFake()), Config{}, zap.NewNop())
	assert.ErrorIs(t, s.Authenticate(context.Background(), "pw"), ErrInvalidState)

	s = authenticated(t, newFake(), Config{}, zap.NewNop())
	assert.ErrorIs(t, s.Authenticate(context.Background(), "pw"), ErrInvalidState)
}

func TestDisconnect_TimeoutIsExpected(t *testing.T) {
	ft := newFake()
	ft.disconnectErr = device.ConnectionError("disconnect", device.ErrTimeout)
	s := authenticated(t, ft, Config{}, zap.NewNop())
	states := recordStates(s)

	require.NoError(t, s.Disconnect(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Nil(t, snap.LastError)
	assert.Nil(t, snap.Descriptor)
	assert.False(t, snap.Authenticated)
	assert.Empty(t, snap.ID)
	assert.Equal(t, []State{Disconnecting, Idle}, states())
	assert.Equal(t, 1, ft.disconnects)
}

func TestDisconnect_OtherFailureStillEndsIdle(t *testing.T) {
	ft := newFake()
	ft.disconnectErr = errors.New("connection refused")
	s := authenticated(t, ft, Config{}, zap.NewNop())

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, Idle, s.State())
	assert.Nil(t, s.Snapshot().LastError)
}

func TestDisconnect_IdleIsNoop(t *testing.T) {
	s := New(dialTo(newFake()), Config{}, zap.NewNop())
	states := recordStates(s)
	require.NoError(t, s.Disconnect(context.Background()))
	assert.Empty(t, states())
}

func TestDisconnect_SupersedesInflightAuthenticate(t *testing.T) {
	ft := newFake()
	ft.started = make(chan struct{}, 1)
	ft.release = make(chan struct{})
	s := New(dialTo(ft), Config{}, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), meter))

	done := make(chan error, 1)
	go func() { done <- s.Authenticate(context.Background(), "test123") }()
	<-ft.started

	require.NoError(t, s.Disconnect(context.Background()))
	close(ft.release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, Idle, s.State())
	assert.False(t, s.Snapshot().Authenticated)
}

func TestForceDisconnect_RecordsLinkLost(t *testing.T) {
	s := authenticated(t, newFake(), Config{}, zap.NewNop())

	require.NoError(t, s.ForceDisconnect(context.Background(), errors.New("3 probes failed")))

	snap := s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.True(t, errors.Is(snap.LastError, device.ErrLinkLost))
	assert.Equal(t, "disconnect: link lost: 3 probes failed", snap.LastError.Error())
}

func TestToggleOutput(t *testing.T) {
	ft := newFake()
	s := authenticated(t, ft, Config{}, zap.NewNop())

	require.NoError(t, s.ToggleOutput(context.Background(), true))
	assert.Equal(t, []bool{true}, ft.outputs)
	require.NotNil(t, s.Snapshot().OutputHint)
	assert.True(t, *s.Snapshot().OutputHint)
}

func TestToggleOutput_Replies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		wantErr device.Kind
	}{
		{name: "json ok", body: `{"message":"OK"}`},
		{name: "json success", body: `{"message":"success"}`},
		{name: "plain ok", body: "Relay OK"},
		{name: "plain success", body: "success"},
		{name: "json failure", body: `{"message":"FAIL"}`, wantErr: device.KindProtocol},
		{name: "plain ok after colon", body: "relay:OK."},
		{name: "garbage", body: "nope", wantErr: device.KindProtocol},
		{name: "plain lowercase ok", body: "not ok", wantErr: device.KindProtocol},
		{name: "ok inside a word", body: "Invalid token", wantErr: device.KindProtocol},
		{name: "ok inside broken", body: "relay broken", wantErr: device.KindProtocol},
		{name: "success inside a word", body: "unsuccessful", wantErr: device.KindProtocol},
		{name: "empty", body: "", wantErr: device.KindProtocol},
		{name: "network", err: device.ErrTimeout, wantErr: device.KindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFake()
			ft.outputBody = tt.body
			ft.outputErr = tt.err
			s := authenticated(t, ft, Config{}, zap.NewNop())

			err := s.ToggleOutput(context.Background(), true)
			assert.Equal(t, Authenticated, s.State(), "toggle never leaves Authenticated")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantErr, device.KindOf(err))
			assert.Nil(t, s.Snapshot().OutputHint)
		})
	}
}

func TestToggleOutput_ConcurrentIsBusy(t *testing.T) {
	ft := newFake()
	s := authenticated(t, ft, Config{}, zap.NewNop())
	ft.started = make(chan struct{}, 1)
	ft.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.ToggleOutput(context.Background(), true) }()
	<-ft.started

	assert.ErrorIs(t, s.ToggleOutput(context.Background(), false), ErrBusy)
	close(ft.release)
	require.NoError(t, <-done)

	ft.started = nil
	require.NoError(t, s.ToggleOutput(context.Background(), false))
}

func TestToggleOutput_RequiresAuthenticated(t *testing.T) {
	s := New(dialTo(newFake()), Config{}, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), meter))
	assert.ErrorIs(t, s.ToggleOutput(context.Background(), true), ErrInvalidState)
}

func TestObserveReading_LaggingPollIsNotAFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := authenticated(t, newFake(), Config{}, zap.New(core))

	require.NoError(t, s.ToggleOutput(context.Background(), true))
	for i := 0; i < 3; i++ {
		s.ObserveReading(reading.Reading{Output: true})
	}
	assert.Zero(t, logs.Len())

	require.NoError(t, s.ToggleOutput(context.Background(), false))
	s.ObserveReading(reading.Reading{Output: true})
	assert.Zero(t, logs.Len(), "one lagging poll is tolerated")
	require.NotNil(t, s.Snapshot().OutputHint)
	assert.True(t, *s.Snapshot().OutputHint, "reading overwrites the optimistic hint")

	s.ObserveReading(reading.Reading{Output: true})
	require.Equal(t, 1, logs.FilterMessage("output state not confirmed").Len())

	s.ObserveReading(reading.Reading{Output: true})
	assert.Equal(t, 1, logs.Len(), "pending toggle dropped after the warning")
	assert.Equal(t, Authenticated, s.State())
}

func TestObserveReading_LaggingPollThenConfirmed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := authenticated(t, newFake(), Config{}, zap.New(core))

	require.NoError(t, s.ToggleOutput(context.Background(), false))
	s.ObserveReading(reading.Reading{Output: true})
	s.ObserveReading(reading.Reading{Output: false})
	s.ObserveReading(reading.Reading{Output: true})
	s.ObserveReading(reading.Reading{Output: true})

	assert.Zero(t, logs.Len(), "a confirmed toggle is no longer tracked")
}

func TestObserveReading_AuthLossPolicies(t *testing.T) {
	t.Run("revert", func(t *testing.T) {
		s := authenticated(t, newFake(), Config{AuthLossPolicy: PolicyRevert}, zap.NewNop())
		s.ObserveReading(reading.Reading{Access: boolPtr(false)})

		snap := s.Snapshot()
		assert.Equal(t, Connected, snap.State)
		assert.False(t, snap.Authenticated)
		assert.False(t, snap.AuthRequired)
		assert.Nil(t, snap.LastError)

		require.NoError(t, s.Authenticate(context.Background(), "test123"))
		assert.Equal(t, Authenticated, s.State())
	})

	t.Run("prompt", func(t *testing.T) {
		s := authenticated(t, newFake(), Config{AuthLossPolicy: PolicyPrompt}, zap.NewNop())
		s.ObserveReading(reading.Reading{Access: boolPtr(false)})

		snap := s.Snapshot()
		assert.Equal(t, Connected, snap.State)
		assert.True(t, snap.AuthRequired)
		assert.True(t, errors.Is(snap.LastError, device.ErrAuth))

		require.NoError(t, s.Authenticate(context.Background(), "test123"))
		assert.False(t, s.Snapshot().AuthRequired)
	})

	t.Run("access true keeps session", func(t *testing.T) {
		s := authenticated(t, newFake(), Config{}, zap.NewNop())
		s.ObserveReading(reading.Reading{Access: boolPtr(true)})
		s.ObserveReading(reading.Reading{})
		assert.Equal(t, Authenticated, s.State())
	})

	t.Run("ignored for families without auth", func(t *testing.T) {
		ft := newFake()
		ft.family = device.FamilyOpen
		ft.requiresAuth = false
		s := New(dialTo(ft), Config{}, zap.NewNop())
		require.NoError(t, s.Connect(context.Background(), meter))

		s.ObserveReading(reading.Reading{Access: boolPtr(false)})
		assert.Equal(t, Authenticated, s.State())
	})
}

func TestFetchTelemetry(t *testing.T) {
	ft := newFake()
	s := New(dialTo(ft), Config{}, zap.NewNop())

	_, _, err := s.FetchTelemetry(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Connect(context.Background(), meter))
	require.NoError(t, s.Authenticate(context.Background(), "test123"))

	body, family, err := s.FetchTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"voltage":230}`, string(body))
	assert.Equal(t, device.FamilyJSON, family)

	ft.mu.Lock()
	ft.telemetryErr = device.ErrTimeout
	ft.mu.Unlock()
	_, _, err = s.FetchTelemetry(context.Background())
	assert.ErrorIs(t, err, device.ErrConnection)
	assert.True(t, device.IsTimeout(err))
}

func TestProbe(t *testing.T) {
	ft := newFake()
	s := New(dialTo(ft), Config{}, zap.NewNop())
	assert.ErrorIs(t, s.Probe(context.Background()), ErrInvalidState)

	require.NoError(t, s.Connect(context.Background(), meter))
	assert.NoError(t, s.Probe(context.Background()))

	ft.probeErr = errors.New("refused")
	assert.ErrorIs(t, s.Probe(context.Background()), device.ErrConnection)
}

func TestListeners_InOrderAndReentrant(t *testing.T) {
	s := New(dialTo(newFake()), Config{}, zap.NewNop())

	var order []string
	s.OnTransition(func(tr Transition) {
		order = append(order, "first:"+string(tr.To))
		if tr.To == Authenticated {
			// a listener may drive the session, e.g. a monitor forcing a disconnect
			assert.NoError(t, s.ForceDisconnect(context.Background(), errors.New("wifi lost")))
		}
	})
	s.OnTransition(func(tr Transition) {
		order = append(order, "second:"+string(tr.To))
	})

	require.NoError(t, s.Connect(context.Background(), meter))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Authenticate(context.Background(), "test123")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener calling back into the session deadlocked")
	}

	assert.Equal(t, Idle, s.State())
	assert.Equal(t, []string{
		"first:connecting", "second:connecting",
		"first:connected", "second:connected",
		"first:authenticating", "second:authenticating",
		"first:authenticated", "second:authenticated",
		"first:disconnecting", "second:disconnecting",
		"first:idle", "second:idle",
	}, order)
}
