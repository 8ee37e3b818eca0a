package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// ErrNotSupported is returned for endpoints a family does not have.
var ErrNotSupported = errors.New("not supported by device family")

// StatusError is returned when an endpoint that must succeed answers non-2xx.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status code: %d", e.Path, e.Status)
}

// Transport is the wire contract of one device family. Implementations hold
// no state beyond the device base address.
type Transport interface {
	Family() Family
	RequiresAuth() bool
	BaseURL() string
	// Ping is the liveness request against the device root.
	Ping(ctx context.Context) error
	// Access sends the password and returns the raw reply for interpretation.
	Access(ctx context.Context, password string) (*Response, error)
	// Telemetry fetches the raw telemetry payload.
	Telemetry(ctx context.Context) ([]byte, error)
	// SetOutput sends the relay command and returns the raw reply.
	SetOutput(ctx context.Context, on bool) (*Response, error)
	// Disconnect sends the best-effort disconnect notification.
	Disconnect(ctx context.Context) error
	// Probe is the short reachability request used by health monitoring.
	Probe(ctx context.Context) error
}

type endpoints struct {
	root         string
	telemetry    string
	access       string
	control      string
	controlParam string
	disconnect   string
}

type base struct {
	client   *Client
	timeouts Timeouts
	paths    endpoints
}

func (b *base) BaseURL() string {
	return b.client.BaseURL()
}

func (b *base) Ping(ctx context.Context) error {
	resp, err := b.client.Get(ctx, b.paths.root, nil, b.timeouts.Connect, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Path: b.paths.root, Status: resp.Status}
	}
	return nil
}

func (b *base) Telemetry(ctx context.Context) ([]byte, error) {
	resp, err := b.client.Get(ctx, b.paths.telemetry, nil, b.timeouts.Telemetry, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Path: b.paths.telemetry, Status: resp.Status}
	}
	return resp.Body, nil
}

func (b *base) SetOutput(ctx context.Context, on bool) (*Response, error) {
	command, timeout := "OFF", b.timeouts.OutputOff
	if on {
		command, timeout = "ON", b.timeouts.OutputOn
	}
	query := url.Values{}
	query.Set(b.paths.controlParam, command)
	return b.client.Get(ctx, b.paths.control, query, timeout, nil)
}

func (b *base) Probe(ctx context.Context) error {
	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")
	resp, err := b.client.Get(ctx, b.paths.telemetry, nil, b.timeouts.Probe, header)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Path: b.paths.telemetry, Status: resp.Status}
	}
	return nil
}

// jsonTransport talks to firmware serving flat JSON on /data.
type jsonTransport struct {
	base
	requiresAuth bool
}

func (t *jsonTransport) Family() Family {
	if t.requiresAuth {
		return FamilyJSON
	}
	return FamilyOpen
}

func (t *jsonTransport) RequiresAuth() bool {
	return t.requiresAuth
}

func (t *jsonTransport) Access(ctx context.Context, password string) (*Response, error) {
	query := url.Values{}
	query.Set("password", password)
	return t.client.Get(ctx, t.paths.access, query, t.timeouts.Access, nil)
}

func (t *jsonTransport) Disconnect(ctx context.Context) error {
	_, err := t.client.Get(ctx, t.paths.disconnect, nil, t.timeouts.Disconnect, nil)
	return err
}

// tagTransport talks to legacy firmware serving tag-delimited text on /xml.
// It has neither an access nor a disconnect endpoint.
type tagTransport struct {
	base
}

func (t *tagTransport) Family() Family {
	return FamilyLegacyTag
}

func (t *tagTransport) RequiresAuth() bool {
	return false
}

func (t *tagTransport) Access(context.Context, string) (*Response, error) {
	return nil, ErrNotSupported
}

func (t *tagTransport) Disconnect(context.Context) error {
	return nil
}

var familyEndpoints = map[Family]endpoints{
	FamilyJSON: {
		root:         "/",
		telemetry:    "/data",
		access:       "/access",
		control:      "/relay",
		controlParam: "state",
		disconnect:   "/disconnect",
	},
	FamilyOpen: {
		root:         "/",
		telemetry:    "/data",
		access:       "/access",
		control:      "/relay",
		controlParam: "state",
		disconnect:   "/disconnect",
	},
	FamilyLegacyTag: {
		root:         "/",
		telemetry:    "/xml",
		control:      "/genericArgs",
		controlParam: "relay",
	},
}

// TelemetryPath returns the telemetry endpoint of a family.
func TelemetryPath(f Family) string {
	return familyEndpoints[f].telemetry
}

// NewTransport builds the variant for family f on top of client.
func NewTransport(f Family, client *Client, timeouts Timeouts) (Transport, error) {
	paths, ok := familyEndpoints[f]
	if !ok {
		return nil, fmt.Errorf("unknown device family %q", f)
	}
	b := base{client: client, timeouts: timeouts, paths: paths}
	switch f {
	case FamilyLegacyTag:
		return &tagTransport{base: b}, nil
	case FamilyOpen:
		return &jsonTransport{base: b, requiresAuth: false}, nil
	default:
		return &jsonTransport{base: b, requiresAuth: true}, nil
	}
}

// DialOptions configures Dial.
type DialOptions struct {
	HTTPClient *http.Client
	Timeouts   Timeouts
	// Family pins the variant (build or config time); empty means detect.
	Family Family
	// DefaultFamily is used when detection is inconclusive.
	DefaultFamily Family
	Logger        *zap.Logger
}

// Dial issues the liveness request to the device root and selects the
// transport variant. Every failure is a ConnectionError.
func Dial(ctx context.Context, d Descriptor, opts DialOptions) (Transport, error) {
	const op = "connect"
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := d.Validate(); err != nil {
		return nil, ConnectionError(op, err)
	}

	client, err := NewClient(d.Address, opts.HTTPClient, logger)
	if err != nil {
		return nil, ConnectionError(op, err)
	}

	resp, err := client.Get(ctx, "/", nil, opts.Timeouts.Connect, nil)
	if err != nil {
		return nil, ConnectionError(op, err)
	}
	if !resp.OK() {
		return nil, ConnectionError(op, &StatusError{Path: "/", Status: resp.Status})
	}

	family := opts.Family
	source := "config"
	if family == "" && d.Family != "" {
		family, source = d.Family, "descriptor"
	}
	if family == "" {
		fallback := opts.DefaultFamily
		if fallback == "" {
			fallback = FamilyJSON
		}
		family, source = DetectFamily(resp.Body, fallback), "probe"
	}

	transport, err := NewTransport(family, client, opts.Timeouts)
	if err != nil {
		return nil, ConnectionError(op, err)
	}

	logger.Info("device reachable",
		zap.String("address", client.BaseURL()),
		zap.String("family", string(family)),
		zap.String("familySource", source),
		zap.Bool("requiresAuth", transport.RequiresAuth()))

	return transport, nil
}

// tagPair matches <Name>value</Name>. RE2 has no backreferences, so callers
// compare the opening and closing names themselves.
var tagPair = regexp.MustCompile(`<([A-Za-z_][\w.-]*)>([^<]*)</([A-Za-z_][\w.-]*)>`)

// DetectFamily inspects the body of the root endpoint. JSON objects announce
// the current firmware (and whether it wants a password), tag-delimited text
// announces the legacy firmware, anything else falls back.
func DetectFamily(body []byte, fallback Family) Family {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fallback
	}

	if trimmed[0] == '{' {
		var info map[string]any
		if err := json.Unmarshal(trimmed, &info); err != nil {
			return fallback
		}
		if v, ok := info["auth"].(bool); ok && !v {
			return FamilyOpen
		}
		if v, ok := info["access"].(string); ok && strings.EqualFold(v, "none") {
			return FamilyOpen
		}
		return FamilyJSON
	}

	lower := bytes.ToLower(trimmed)
	if bytes.Contains(lower, []byte("<html")) || bytes.HasPrefix(lower, []byte("<!doctype")) {
		return fallback
	}
	for _, m := range tagPair.FindAllSubmatch(trimmed, -1) {
		if bytes.Equal(m[1], m[3]) {
			return FamilyLegacyTag
		}
	}
	return fallback
}
