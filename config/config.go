// Package config loads the meterlink daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/device"
	pkgconfig "github.com/mjasion/meterlink/pkg/config"
	"github.com/mjasion/meterlink/session"
)

// Device modes.
const (
	ModeLive = "live"
	ModeMock = "mock"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration parameters for the meterlink daemon
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`
	Poll      PollConfig      `yaml:"poll"`
	Health    HealthConfig    `yaml:"health"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Export    ExportConfig    `yaml:"export"`

	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// DeviceConfig selects how the meter is reached.
type DeviceConfig struct {
	// Mode is live or mock. Mock serves a simulated meter on loopback.
	Mode string `yaml:"mode" env:"DEVICE_MODE" env-default:"live"`
	// Family pins the protocol variant, empty means detect on connect.
	Family        string          `yaml:"family" env:"DEVICE_FAMILY"`
	DefaultFamily string          `yaml:"defaultFamily" env:"DEVICE_DEFAULT_FAMILY" env-default:"json-v5"`
	TablesPath    string          `yaml:"tablesPath" env:"DEVICE_TABLES_PATH"`
	Timeouts      TimeoutsConfig  `yaml:"timeouts"`
	Simulator     SimulatorConfig `yaml:"simulator"`
}

// TimeoutsConfig holds per-operation device timeouts.
type TimeoutsConfig struct {
	Connect    time.Duration `yaml:"connect" env:"DEVICE_TIMEOUT_CONNECT" env-default:"5s"`
	Access     time.Duration `yaml:"access" env:"DEVICE_TIMEOUT_ACCESS" env-default:"5s"`
	Telemetry  time.Duration `yaml:"telemetry" env:"DEVICE_TIMEOUT_TELEMETRY" env-default:"5s"`
	OutputOn   time.Duration `yaml:"outputOn" env:"DEVICE_TIMEOUT_OUTPUT_ON" env-default:"8s"`
	OutputOff  time.Duration `yaml:"outputOff" env:"DEVICE_TIMEOUT_OUTPUT_OFF" env-default:"5s"`
	Disconnect time.Duration `yaml:"disconnect" env:"DEVICE_TIMEOUT_DISCONNECT" env-default:"1s"`
	Probe      time.Duration `yaml:"probe" env:"DEVICE_TIMEOUT_PROBE" env-default:"3s"`
	Scan       time.Duration `yaml:"scan" env:"DEVICE_TIMEOUT_SCAN" env-default:"5s"`
}

// Timeouts converts to device timeouts.
func (t TimeoutsConfig) Timeouts() device.Timeouts {
	return device.Timeouts{
		Connect:    t.Connect,
		Access:     t.Access,
		Telemetry:  t.Telemetry,
		OutputOn:   t.OutputOn,
		OutputOff:  t.OutputOff,
		Disconnect: t.Disconnect,
		Probe:      t.Probe,
		Scan:       t.Scan,
	}
}

// SimulatorConfig tunes the meter served in mock mode.
type SimulatorConfig struct {
	Family    string        `yaml:"family" env:"SIMULATOR_FAMILY" env-default:"json-v5"`
	Addr      string        `yaml:"addr" env:"SIMULATOR_ADDR" env-default:"127.0.0.1:0"`
	Serial    string        `yaml:"serial" env:"SIMULATOR_SERIAL" env-default:"CM-2024-001"`
	Passwords []string      `yaml:"passwords" env:"SIMULATOR_PASSWORDS" env-default:"test123,admin"`
	RelayLag  int           `yaml:"relayLag" env:"SIMULATOR_RELAY_LAG"`
	AccessTTL time.Duration `yaml:"accessTTL" env:"SIMULATOR_ACCESS_TTL"`
}

// DiscoveryConfig lists where meters are looked for.
type DiscoveryConfig struct {
	Candidates      []string `yaml:"candidates" env:"DISCOVERY_CANDIDATES" env-default:"192.168.4.1"`
	MDNSHostname    string   `yaml:"mdnsHostname" env:"DISCOVERY_MDNS_HOSTNAME"`
	FirmwareVersion string   `yaml:"firmwareVersion" env:"DISCOVERY_FIRMWARE_VERSION" env-default:"5.3.0"`
}

// SessionConfig tunes the session and the silent reconnect.
type SessionConfig struct {
	AuthLossPolicy string `yaml:"authLossPolicy" env:"SESSION_AUTH_LOSS_POLICY" env-default:"revert"`
	MismatchLimit  int    `yaml:"mismatchLimit" env:"SESSION_MISMATCH_LIMIT" env-default:"2"`
	// ReconnectOnStart reconnects to the last device when the daemon starts.
	ReconnectOnStart bool          `yaml:"reconnectOnStart" env:"SESSION_RECONNECT_ON_START"`
	ReconnectInitial time.Duration `yaml:"reconnectInitial" env:"SESSION_RECONNECT_INITIAL" env-default:"500ms"`
	ReconnectMax     time.Duration `yaml:"reconnectMax" env:"SESSION_RECONNECT_MAX" env-default:"5s"`
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout" env:"SESSION_RECONNECT_TIMEOUT" env-default:"30s"`
}

// PollConfig configures the telemetry poller.
type PollConfig struct {
	Interval time.Duration `yaml:"interval" env:"POLL_INTERVAL" env-default:"3s"`
}

// HealthConfig configures the link health monitor.
type HealthConfig struct {
	Interval  time.Duration `yaml:"interval" env:"HEALTH_INTERVAL" env-default:"5s"`
	Threshold int           `yaml:"threshold" env:"HEALTH_THRESHOLD" env-default:"3"`
	// WatchInterfaces samples OS interfaces to detect WiFi loss.
	WatchInterfaces bool          `yaml:"watchInterfaces" env:"HEALTH_WATCH_INTERFACES"`
	WatchInterval   time.Duration `yaml:"watchInterval" env:"HEALTH_WATCH_INTERVAL" env-default:"1s"`
	WiFiPrefixes    []string      `yaml:"wifiPrefixes" env:"HEALTH_WIFI_PREFIXES" env-default:"wlan,wlp,wl,en0"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"STORE_DRIVER" env-default:"sqlite"`
	Path   string `yaml:"path" env:"STORE_PATH" env-default:"meterlink.db"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Addr           string   `yaml:"addr" env:"API_ADDR" env-default:":8080"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"API_ALLOWED_ORIGINS"`
}

// ExportConfig configures the reading exporters. Prometheus gauges are
// always served on /metrics.
type ExportConfig struct {
	RemoteWrite RemoteWriteConfig `yaml:"remoteWrite"`
	Influx      InfluxConfig      `yaml:"influx"`
}

// RemoteWriteConfig configures the Prometheus remote_write exporter.
type RemoteWriteConfig struct {
	Enabled      bool              `yaml:"enabled" env:"REMOTE_WRITE_ENABLED"`
	URL          string            `yaml:"url" env:"REMOTE_WRITE_URL"`
	Username     string            `yaml:"username" env:"REMOTE_WRITE_USERNAME"`
	Password     string            `yaml:"password" env:"REMOTE_WRITE_PASSWORD"`
	PushInterval time.Duration     `yaml:"pushInterval" env:"REMOTE_WRITE_PUSH_INTERVAL" env-default:"15s"`
	BatchSize    int               `yaml:"batchSize" env:"REMOTE_WRITE_BATCH_SIZE" env-default:"500"`
	BufferSize   int               `yaml:"bufferSize" env:"REMOTE_WRITE_BUFFER_SIZE" env-default:"3600"`
	Labels       map[string]string `yaml:"labels"`
}

// InfluxConfig configures the InfluxDB exporter.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled" env:"INFLUX_ENABLED"`
	URL         string `yaml:"url" env:"INFLUX_URL"`
	Token       string `yaml:"token" env:"INFLUX_TOKEN"`
	Org         string `yaml:"org" env:"INFLUX_ORG"`
	Bucket      string `yaml:"bucket" env:"INFLUX_BUCKET"`
	Measurement string `yaml:"measurement" env:"INFLUX_MEASUREMENT" env-default:"meter_reading"`
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	c.Device.Mode = strings.ToLower(c.Device.Mode)
	if c.Device.Mode != ModeLive && c.Device.Mode != ModeMock {
		return fmt.Errorf("device.mode must be '%s' or '%s', got '%s'", ModeLive, ModeMock, c.Device.Mode)
	}
	if c.Device.Family != "" && !device.Family(c.Device.Family).Valid() {
		return fmt.Errorf("unknown device.family %q", c.Device.Family)
	}
	if !device.Family(c.Device.DefaultFamily).Valid() {
		return fmt.Errorf("unknown device.defaultFamily %q", c.Device.DefaultFamily)
	}
	if !device.Family(c.Device.Simulator.Family).Valid() {
		return fmt.Errorf("unknown device.simulator.family %q", c.Device.Simulator.Family)
	}
	if err := c.Device.Timeouts.validate(); err != nil {
		return err
	}

	if c.Device.Mode == ModeLive && len(c.Discovery.Candidates) == 0 && c.Discovery.MDNSHostname == "" {
		return errors.New("discovery needs at least one candidate or an mdnsHostname")
	}
	for _, addr := range c.Discovery.Candidates {
		if strings.TrimSpace(addr) == "" {
			return errors.New("discovery.candidates contains an empty address")
		}
	}

	if !session.AuthLossPolicy(c.Session.AuthLossPolicy).Valid() {
		return fmt.Errorf("session.authLossPolicy must be 'revert' or 'prompt', got '%s'", c.Session.AuthLossPolicy)
	}
	if c.Session.MismatchLimit <= 0 {
		return fmt.Errorf("session.mismatchLimit must be positive, got %d", c.Session.MismatchLimit)
	}
	if c.Session.ReconnectInitial <= 0 || c.Session.ReconnectMax < c.Session.ReconnectInitial {
		return fmt.Errorf("session reconnect intervals are invalid: initial %s, max %s",
			c.Session.ReconnectInitial, c.Session.ReconnectMax)
	}
	if c.Session.ReconnectTimeout <= 0 {
		return fmt.Errorf("session.reconnectTimeout must be positive, got %s", c.Session.ReconnectTimeout)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Health.Interval < time.Second {
		return fmt.Errorf("health.interval must be at least 1s, got %s", c.Health.Interval)
	}
	if c.Health.Threshold <= 0 {
		return fmt.Errorf("health.threshold must be positive, got %d", c.Health.Threshold)
	}
	if c.Health.WatchInterfaces && c.Health.WatchInterval <= 0 {
		return fmt.Errorf("health.watchInterval must be positive, got %s", c.Health.WatchInterval)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be '%s' or '%s', got '%s'", StoreSQLite, StoreMemory, c.Store.Driver)
	}

	if strings.TrimSpace(c.API.Addr) == "" {
		return errors.New("api.addr cannot be empty")
	}

	if rw := c.Export.RemoteWrite; rw.Enabled {
		if _, err := url.ParseRequestURI(rw.URL); err != nil {
			return fmt.Errorf("invalid export.remoteWrite.url: %w", err)
		}
		if rw.PushInterval <= 0 || rw.BatchSize <= 0 || rw.BufferSize <= 0 {
			return errors.New("export.remoteWrite pushInterval, batchSize and bufferSize must be positive")
		}
	}
	if in := c.Export.Influx; in.Enabled {
		if _, err := url.ParseRequestURI(in.URL); err != nil {
			return fmt.Errorf("invalid export.influx.url: %w", err)
		}
		if in.Org == "" || in.Bucket == "" {
			return errors.New("export.influx org and bucket are required")
		}
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

func (t TimeoutsConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"connect": t.Connect, "access": t.Access, "telemetry": t.Telemetry,
		"outputOn": t.OutputOn, "outputOff": t.OutputOff, "disconnect": t.Disconnect,
		"probe": t.Probe, "scan": t.Scan,
	} {
		if d <= 0 {
			return fmt.Errorf("device.timeouts.%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"device": map[string]interface{}{
			"mode":          c.Device.Mode,
			"family":        c.Device.Family,
			"defaultFamily": c.Device.DefaultFamily,
			"tablesPath":    c.Device.TablesPath,
			"timeouts":      c.Device.Timeouts,
		},
		"discovery": map[string]interface{}{
			"candidates":   c.Discovery.Candidates,
			"mdnsHostname": c.Discovery.MDNSHostname,
		},
		"session": map[string]interface{}{
			"authLossPolicy":   c.Session.AuthLossPolicy,
			"reconnectOnStart": c.Session.ReconnectOnStart,
		},
		"pollInterval": c.Poll.Interval.String(),
		"health": map[string]interface{}{
			"interval":        c.Health.Interval.String(),
			"threshold":       c.Health.Threshold,
			"watchInterfaces": c.Health.WatchInterfaces,
		},
		"store": map[string]interface{}{
			"driver": c.Store.Driver,
			"path":   c.Store.Path,
		},
		"api": map[string]interface{}{
			"addr":           c.API.Addr,
			"allowedOrigins": c.API.AllowedOrigins,
		},
		"remoteWrite": map[string]interface{}{
			"enabled":     c.Export.RemoteWrite.Enabled,
			"url":         redactURL(c.Export.RemoteWrite.URL),
			"username":    c.Export.RemoteWrite.Username,
			"passwordSet": c.Export.RemoteWrite.Password != "",
		},
		"influx": map[string]interface{}{
			"enabled":  c.Export.Influx.Enabled,
			"url":      redactURL(c.Export.Influx.URL),
			"org":      c.Export.Influx.Org,
			"bucket":   c.Export.Influx.Bucket,
			"tokenSet": c.Export.Influx.Token != "",
		},
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":       c.OpenTelemetry.Enabled,
			"serviceName":   c.OpenTelemetry.ServiceName,
			"tracesEnabled": c.OpenTelemetry.Traces.Enabled,
			"endpointSet":   c.OpenTelemetry.Endpoint != "",
		},
		"profiling": map[string]interface{}{
			"enabled":       c.Profiling.Enabled,
			"serverAddress": c.Profiling.ServerAddress,
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
