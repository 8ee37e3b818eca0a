package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// maxBodySize caps how much of a device reply is read. Meter pages are tiny.
const maxBodySize = 64 << 10

// Timeouts bounds every request the engine sends to a device.
type Timeouts struct {
	Connect    time.Duration
	Access     time.Duration
	Telemetry  time.Duration
	OutputOn   time.Duration
	OutputOff  time.Duration
	Disconnect time.Duration
	Probe      time.Duration
	Scan       time.Duration
}

// DefaultTimeouts returns the timeouts of the current firmware. Switching the
// relay on takes longer because the hardware has to settle.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    5 * time.Second,
		Access:     5 * time.Second,
		Telemetry:  5 * time.Second,
		OutputOn:   8 * time.Second,
		OutputOff:  5 * time.Second,
		Disconnect: time.Second,
		Probe:      3 * time.Second,
		Scan:       5 * time.Second,
	}
}

// Response is a device reply. Status is informative only: firmware does not
// use status codes consistently, callers inspect Body.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// NewHTTPClient builds the instrumented HTTP client shared by all device
// requests. Deadlines come from each request's context, not from the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "device " + r.URL.Path
			}),
		),
	}
}

// Client issues bounded-timeout GET requests against one device base address.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	logger     *zap.Logger
}

// NewClient creates a Client for the given device address.
func NewClient(address string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := BaseURL(address)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{
		httpClient: httpClient,
		base:       base,
		logger:     logger,
	}, nil
}

// BaseURL returns the device base address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Get performs a single GET with its own timeout. The returned error is
// either wrapping ErrTimeout, a network error, or the parent context error.
func (c *Client) Get(ctx context.Context, path string, query url.Values, timeout time.Duration, header http.Header) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/html, */*")
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	c.logger.Debug("device request",
		zap.String("path", path),
		zap.Duration("timeout", timeout))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, reqCtx, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.classify(ctx, reqCtx, path, err)
	}

	c.logger.Debug("device response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)))

	return &Response{Status: resp.StatusCode, Body: body}, nil
}

func (c *Client) classify(parent, reqCtx context.Context, path string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("GET %s: %w", path, parent.Err())
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("GET %s: %w", path, ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("GET %s: %w", path, ErrTimeout)
	}
	return fmt.Errorf("GET %s: %w", path, err)
}
