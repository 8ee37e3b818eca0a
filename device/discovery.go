package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFirmwareVersion is reported for devices that do not announce one.
const DefaultFirmwareVersion = "5.3.0"

// ScanOptions configures a Scanner.
type ScanOptions struct {
	// Candidates are the addresses probed on every scan (the meter's access
	// point address by default).
	Candidates []string
	// MDNSHostname, when set, is resolved and added to the candidates.
	MDNSHostname    string
	MDNSTimeout     time.Duration
	Timeout         time.Duration
	FirmwareVersion string
}

// Scanner finds meters answering on the local network.
type Scanner struct {
	opts       ScanOptions
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	resolve    func(ctx context.Context, hostname string) (string, error)
}

// NewScanner creates a new Scanner.
func NewScanner(opts ScanOptions, httpClient *http.Client, logger *zap.Logger) *Scanner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeouts().Scan
	}
	if opts.MDNSTimeout <= 0 {
		opts.MDNSTimeout = 3 * time.Second
	}
	if opts.FirmwareVersion == "" {
		opts.FirmwareVersion = DefaultFirmwareVersion
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Scanner{
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		resolve:    ResolveMDNS,
	}
}

// scanPaths are tried in order; the legacy path also pins the family.
var scanPaths = []struct {
	path   string
	family Family
}{
	{path: "/data"},
	{path: "/xml", family: FamilyLegacyTag},
}

// Scan probes every candidate concurrently. Unreachable candidates are
// logged and skipped; finding nothing is not an error.
func (s *Scanner) Scan(ctx context.Context) ([]Descriptor, error) {
	candidates := append([]string(nil), s.opts.Candidates...)
	if s.opts.MDNSHostname != "" {
		mctx, cancel := context.WithTimeout(ctx, s.opts.MDNSTimeout)
		ip, err := s.resolve(mctx, s.opts.MDNSHostname)
		cancel()
		if err != nil {
			s.logger.Debug("mDNS lookup failed",
				zap.String("hostname", s.opts.MDNSHostname),
				zap.Error(err))
		} else {
			candidates = append(candidates, ip)
		}
	}

	var (
		mu    sync.Mutex
		found = make(map[string]Descriptor)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, candidate := range candidates {
		g.Go(func() error {
			d, ok := s.probe(gctx, candidate)
			if ok {
				mu.Lock()
				found[d.Address] = d
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan cancelled: %w", err)
	}

	devices := make([]Descriptor, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })

	s.logger.Info("scan finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("found", len(devices)))
	return devices, nil
}

func (s *Scanner) probe(ctx context.Context, address string) (Descriptor, bool) {
	client, err := NewClient(address, s.httpClient, s.logger)
	if err != nil {
		s.logger.Warn("skipping invalid scan candidate", zap.String("address", address), zap.Error(err))
		return Descriptor{}, false
	}

	for _, p := range scanPaths {
		resp, err := client.Get(ctx, p.path, nil, s.opts.Timeout, nil)
		if err != nil {
			s.logger.Debug("scan candidate unreachable",
				zap.String("address", address),
				zap.String("path", p.path),
				zap.Error(err))
			return Descriptor{}, false
		}
		if resp.Status != http.StatusOK {
			continue
		}
		return Descriptor{
			Address:         strings.TrimSpace(address),
			SerialNumber:    s.serialFrom(resp.Body),
			FirmwareVersion: s.firmwareFrom(resp.Body),
			DeviceType:      TypeElectricMeter,
			Family:          p.family,
		}, true
	}
	return Descriptor{}, false
}

func (s *Scanner) serialFrom(body []byte) string {
	if v := lookupText(body, "num", "Serial", "serialNumber"); v != "" {
		return v
	}
	return fmt.Sprintf("ENERGYRIA_%06d", s.now().UnixMilli()%1_000_000)
}

func (s *Scanner) firmwareFrom(body []byte) string {
	if v := lookupText(body, "version", "firmware"); v != "" {
		return v
	}
	return s.opts.FirmwareVersion
}

// lookupText returns the first non-empty value among keys, read either from a
// JSON object or from tag-delimited text.
func lookupText(body []byte, keys ...string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return ""
		}
		for _, key := range keys {
			switch v := obj[key].(type) {
			case string:
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		return ""
	}

	values := make(map[string]string)
	for _, m := range tagPair.FindAllSubmatch(trimmed, -1) {
		if !bytes.Equal(m[1], m[3]) {
			continue
		}
		if _, seen := values[string(m[1])]; !seen {
			values[string(m[1])] = strings.TrimSpace(string(m[2]))
		}
	}
	for _, key := range keys {
		if v := values[key]; v != "" {
			return v
		}
	}
	return ""
}
