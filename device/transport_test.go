package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDetectFamily(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Family
	}{
		{name: "json object", body: `{"device":"meter","version":"5.3.0"}`, want: FamilyJSON},
		{name: "json auth disabled", body: `{"auth":false}`, want: FamilyOpen},
		{name: "json access none", body: `{"access":"NONE"}`, want: FamilyOpen},
		{name: "json auth enabled", body: `{"auth":true}`, want: FamilyJSON},
		{name: "tag text", body: "<Voltage>230.1</Voltage>\n<Current>1.2</Current>", want: FamilyLegacyTag},
		{name: "mismatched tags", body: "<Voltage>230.1</Current>", want: FamilyOpen},
		{name: "html page", body: "<!DOCTYPE html><html><title>Meter</title></html>", want: FamilyOpen},
		{name: "empty", body: "   ", want: FamilyOpen},
		{name: "broken json", body: `{"a":`, want: FamilyOpen},
		{name: "plain text", body: "hello", want: FamilyOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFamily([]byte(tt.body), FamilyOpen); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func newDeviceServer(t *testing.T, root string, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(root))
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func dialOptions(server *httptest.Server) DialOptions {
	return DialOptions{
		HTTPClient:    server.Client(),
		Timeouts:      DefaultTimeouts(),
		DefaultFamily: FamilyJSON,
		Logger:        zap.NewNop(),
	}
}

func TestDial_SelectsFamily(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		pinned   Family
		desc     Family
		want     Family
		wantAuth bool
	}{
		{name: "detect json", root: `{"version":"5.3.0"}`, want: FamilyJSON, wantAuth: true},
		{name: "detect open", root: `{"auth":false}`, want: FamilyOpen},
		{name: "detect legacy", root: "<Serial>42</Serial>", want: FamilyLegacyTag},
		{name: "html falls back", root: "<html><body>Energyria</body></html>", want: FamilyJSON, wantAuth: true},
		{name: "config wins", root: `{"auth":false}`, pinned: FamilyLegacyTag, desc: FamilyOpen, want: FamilyLegacyTag},
		{name: "descriptor used", root: `{"version":"5.3.0"}`, desc: FamilyLegacyTag, want: FamilyLegacyTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newDeviceServer(t, tt.root, nil)
			opts := dialOptions(server)
			opts.Family = tt.pinned

			tr, err := Dial(context.Background(), Descriptor{Address: server.URL, Family: tt.desc}, opts)
			if err != nil {
				t.Fatalf("Expected successful dial, got %v", err)
			}
			if tr.Family() != tt.want {
				t.Errorf("Expected family %s, got %s", tt.want, tr.Family())
			}
			if tr.RequiresAuth() != tt.wantAuth {
				t.Errorf("Expected RequiresAuth %v, got %v", tt.wantAuth, tr.RequiresAuth())
			}
		})
	}
}

func TestDial_Failures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := Dial(context.Background(), Descriptor{Address: server.URL}, dialOptions(server))
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("Expected ConnectionError, got %v", err)
		}
		var status *StatusError
		if !errors.As(err, &status) || status.Status != http.StatusServiceUnavailable {
			t.Errorf("Expected StatusError 503, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		opts := dialOptions(server)
		opts.Timeouts.Connect = 50 * time.Millisecond
		_, err := Dial(context.Background(), Descriptor{Address: server.URL}, opts)
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("Expected ConnectionError, got %v", err)
		}
		if !IsTimeout(err) {
			t.Errorf("Expected timeout cause, got %v", err)
		}
	})

	t.Run("network", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		addr := server.URL
		server.Close()

		_, err := Dial(context.Background(), Descriptor{Address: addr}, DialOptions{Timeouts: DefaultTimeouts(), Logger: zap.NewNop()})
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("Expected ConnectionError, got %v", err)
		}
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		_, err := Dial(context.Background(), Descriptor{}, DialOptions{Timeouts: DefaultTimeouts()})
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("Expected ConnectionError, got %v", err)
		}
	})
}

func TestTransport_Endpoints(t *testing.T) {
	var gotRelay, gotProbeCache string
	server := newDeviceServer(t, `{"version":"5.3.0"}`, map[string]http.HandlerFunc{
		"/data": func(w http.ResponseWriter, r *http.Request) {
			gotProbeCache = r.Header.Get("Cache-Control")
			w.Write([]byte(`{"voltage":230}`))
		},
		"/access": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("password") == "test123" {
				w.Write([]byte(`{"message":"OK"}`))
				return
			}
			w.Write([]byte(`{"message":"Incorrecte"}`))
		},
		"/relay": func(w http.ResponseWriter, r *http.Request) {
			gotRelay = r.URL.Query().Get("state")
			w.Write([]byte(`{"message":"OK"}`))
		},
		"/disconnect": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message":"OK"}`))
		},
	})

	tr, err := Dial(context.Background(), Descriptor{Address: server.URL}, dialOptions(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	ctx := context.Background()

	if err := tr.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	resp, err := tr.Access(ctx, "test123")
	if err != nil || string(resp.Body) != `{"message":"OK"}` {
		t.Errorf("Unexpected access reply %v %v", resp, err)
	}

	body, err := tr.Telemetry(ctx)
	if err != nil || string(body) != `{"voltage":230}` {
		t.Errorf("Unexpected telemetry reply %s %v", body, err)
	}

	if _, err := tr.SetOutput(ctx, true); err != nil {
		t.Errorf("SetOutput failed: %v", err)
	}
	if gotRelay != "ON" {
		t.Errorf("Expected relay state ON, got %q", gotRelay)
	}
	if _, err := tr.SetOutput(ctx, false); err != nil {
		t.Errorf("SetOutput failed: %v", err)
	}
	if gotRelay != "OFF" {
		t.Errorf("Expected relay state OFF, got %q", gotRelay)
	}

	if err := tr.Probe(ctx); err != nil {
		t.Errorf("Probe failed: %v", err)
	}
	if gotProbeCache != "no-cache" {
		t.Errorf("Expected probe to disable caching, got %q", gotProbeCache)
	}

	if err := tr.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
}

func TestTransport_Legacy(t *testing.T) {
	var gotRelay string
	server := newDeviceServer(t, "<Serial>LEG-1</Serial>", map[string]http.HandlerFunc{
		"/xml": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<Voltage>229.9</Voltage>"))
		},
		"/genericArgs": func(w http.ResponseWriter, r *http.Request) {
			gotRelay = r.URL.Query().Get("relay")
			w.Write([]byte("OK"))
		},
	})

	tr, err := Dial(context.Background(), Descriptor{Address: server.URL}, dialOptions(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	ctx := context.Background()

	if _, err := tr.Access(ctx, "x"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
	body, err := tr.Telemetry(ctx)
	if err != nil || string(body) != "<Voltage>229.9</Voltage>" {
		t.Errorf("Unexpected telemetry %s %v", body, err)
	}
	if _, err := tr.SetOutput(ctx, true); err != nil || gotRelay != "ON" {
		t.Errorf("Expected relay=ON, got %q %v", gotRelay, err)
	}
	if err := tr.Disconnect(ctx); err != nil {
		t.Errorf("Expected no-op disconnect, got %v", err)
	}
}

func TestTransport_ProbeFailsOnStatus(t *testing.T) {
	server := newDeviceServer(t, `{}`, map[string]http.HandlerFunc{
		"/data": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	tr, err := Dial(context.Background(), Descriptor{Address: server.URL}, dialOptions(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	var status *StatusError
	if err := tr.Probe(context.Background()); !errors.As(err, &status) {
		t.Errorf("Expected StatusError, got %v", err)
	}
	if _, err := tr.Telemetry(context.Background()); !errors.As(err, &status) {
		t.Errorf("Expected StatusError, got %v", err)
	}
}
