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

func TestBaseURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{address: "192.168.4.1", want: "http://192.168.4.1"},
		{address: "192.168.4.1:8080", want: "http://192.168.4.1:8080"},
		{address: "http://192.168.4.1/", want: "http://192.168.4.1"},
		{address: "  http://meter.local/api/ ", want: "http://meter.local/api"},
		{address: "", wantErr: true},
		{address: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			u, err := BaseURL(tt.address)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %v", tt.address, u)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if u.String() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, u.String())
			}
		})
	}
}

func TestClientGet_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/access" {
			t.Errorf("Expected path /access, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("password"); got != "test123" {
			t.Errorf("Expected password query test123, got %q", got)
		}
		if got := r.Header.Get("X-Test"); got != "1" {
			t.Errorf("Expected extra header to be forwarded, got %q", got)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message":"OK"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, server.Client(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	header := http.Header{}
	header.Set("X-Test", "1")
	resp, err := client.Get(context.Background(), "/access", map[string][]string{"password": {"test123"}}, time.Second, header)
	if err != nil {
		t.Fatalf("Expected successful request, got error: %v", err)
	}
	if resp.Status != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", resp.Status)
	}
	if !resp.OK() {
		t.Error("Expected 202 to be OK")
	}
	if string(resp.Body) != `{"message":"OK"}` {
		t.Errorf("Unexpected body: %s", resp.Body)
	}
}

func TestClientGet_NonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, server.Client(), zap.NewNop())
	resp, err := client.Get(context.Background(), "/data", nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if resp.OK() {
		t.Error("Expected 500 not to be OK")
	}
}

func TestClientGet_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, server.Client(), zap.NewNop())
	_, err := client.Get(context.Background(), "/data", nil, 50*time.Millisecond, nil)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !IsTimeout(err) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestClientGet_ParentCancelIsNotTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, server.Client(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, "/data", nil, time.Second, nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if IsTimeout(err) {
		t.Errorf("Expected cancellation, not timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ConnectionError("connect", cause)

	if !errors.Is(err, ErrConnection) {
		t.Error("Expected errors.Is to match ErrConnection")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("Did not expect errors.Is to match ErrAuth")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected error to unwrap to its cause")
	}
	if KindOf(err) != KindConnection {
		t.Errorf("Expected kind %s, got %s", KindConnection, KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Errorf("Expected empty kind for plain error, got %s", KindOf(cause))
	}

	timeout := ConnectionError("connect", ErrTimeout)
	if !IsTimeout(timeout) {
		t.Error("Expected wrapped ErrTimeout to be detected")
	}
}
