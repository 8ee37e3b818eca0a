package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mjasion/meterlink/api"
	"github.com/mjasion/meterlink/config"
	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/engine"
	"github.com/mjasion/meterlink/export"
	"github.com/mjasion/meterlink/linkhealth"
	"github.com/mjasion/meterlink/pkg/profiling"
	"github.com/mjasion/meterlink/pkg/telemetry"
	"github.com/mjasion/meterlink/reading"
	"github.com/mjasion/meterlink/session"
	"github.com/mjasion/meterlink/simulator"
	"github.com/mjasion/meterlink/store"
)

var _ api.Engine = (*engine.Engine)(nil)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Configuration loaded", zap.String("path", *configPath), zap.Any("config", cfg.Redacted()))

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Fatal("Failed to initialize profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Error shutting down profiler", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OpenTelemetry providers", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down OpenTelemetry providers", zap.Error(err))
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("meterlink stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// run wires the daemon and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	gateway, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	candidates := cfg.Discovery.Candidates
	if cfg.Device.Mode == config.ModeMock {
		addr, err := startSimulator(ctx, cfg.Device.Simulator, logger.Named("simulator"))
		if err != nil {
			return err
		}
		candidates = []string{addr}
	}

	tables := reading.DefaultTables()
	if cfg.Device.TablesPath != "" {
		if tables, err = reading.LoadTables(cfg.Device.TablesPath); err != nil {
			return err
		}
	}

	httpClient := device.NewHTTPClient()
	timeouts := cfg.Device.Timeouts.Timeouts()
	dial := func(ctx context.Context, d device.Descriptor) (device.Transport, error) {
		return device.Dial(ctx, d, device.DialOptions{
			HTTPClient:    httpClient,
			Timeouts:      timeouts,
			Family:        device.Family(cfg.Device.Family),
			DefaultFamily: device.Family(cfg.Device.DefaultFamily),
			Logger:        logger.Named("device"),
		})
	}
	scanner := device.NewScanner(device.ScanOptions{
		Candidates:      candidates,
		MDNSHostname:    cfg.Discovery.MDNSHostname,
		Timeout:         timeouts.Scan,
		FirmwareVersion: cfg.Discovery.FirmwareVersion,
	}, httpClient, logger.Named("discovery"))

	eng := engine.New(dial, reading.NewNormalizer(tables, nil), gateway, scanner, engine.Options{
		Session: session.Config{
			AuthLossPolicy: session.AuthLossPolicy(cfg.Session.AuthLossPolicy),
			MismatchLimit:  cfg.Session.MismatchLimit,
		},
		PollInterval: cfg.Poll.Interval,
		Health: linkhealth.Config{
			Interval:  cfg.Health.Interval,
			Threshold: cfg.Health.Threshold,
		},
		Reconnect: engine.ReconnectConfig{
			InitialInterval: cfg.Session.ReconnectInitial,
			MaxInterval:     cfg.Session.ReconnectMax,
			MaxElapsedTime:  cfg.Session.ReconnectTimeout,
		},
	}, logger.Named("engine"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gauges := export.NewGauges(registry)
	eng.AddPublisher(gauges)
	states, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		gauges.Follow(ctx, states)
		return nil
	})

	if rwCfg := cfg.Export.RemoteWrite; rwCfg.Enabled {
		rw := export.NewRemoteWrite(export.RemoteWriteConfig{
			URL:          rwCfg.URL,
			Username:     rwCfg.Username,
			Password:     rwCfg.Password,
			PushInterval: rwCfg.PushInterval,
			BatchSize:    rwCfg.BatchSize,
			BufferSize:   rwCfg.BufferSize,
			Labels:       rwCfg.Labels,
		}, logger.Named("remotewrite"))
		eng.AddPublisher(rw)
		g.Go(func() error {
			rw.Run(ctx)
			return nil
		})
	}

	if inCfg := cfg.Export.Influx; inCfg.Enabled {
		influx := export.NewInflux(export.InfluxConfig{
			URL:         inCfg.URL,
			Token:       inCfg.Token,
			Org:         inCfg.Org,
			Bucket:      inCfg.Bucket,
			Measurement: inCfg.Measurement,
		}, logger.Named("influx"))
		defer influx.Close()
		eng.AddPublisher(influx)
	}

	if cfg.Health.WatchInterfaces {
		watcher := linkhealth.NewInterfaceWatcher(cfg.Health.WiFiPrefixes, cfg.Health.WatchInterval, logger.Named("ifwatch"))
		g.Go(func() error {
			watcher.Run(ctx, eng.Monitor().ObserveNetwork)
			return nil
		})
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, eng, registry, logger.Named("api"))
	g.Go(server.Start)

	if cfg.Session.ReconnectOnStart {
		g.Go(func() error {
			err := eng.ReconnectLast(ctx)
			switch {
			case err == nil:
				logger.Info("reconnected to last device")
			case errors.Is(err, engine.ErrNoLastDevice), errors.Is(err, context.Canceled):
			default:
				logger.Warn("reconnect to last device failed", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("meterlink started",
		zap.String("mode", cfg.Device.Mode),
		zap.Strings("candidates", candidates),
		zap.String("api_addr", cfg.API.Addr),
	)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("failed to stop API server", zap.Error(err))
		}
		return eng.Close(shutdownCtx)
	})

	return g.Wait()
}

func openStore(cfg config.StoreConfig) (*store.Store, error) {
	if cfg.Driver == config.StoreMemory {
		return store.NewMemory(), nil
	}
	s, err := store.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func startSimulator(ctx context.Context, cfg config.SimulatorConfig, logger *zap.Logger) (string, error) {
	meter := simulator.New(simulator.Config{
		Family:    device.Family(cfg.Family),
		Serial:    cfg.Serial,
		Passwords: cfg.Passwords,
		RelayLag:  cfg.RelayLag,
		AccessTTL: cfg.AccessTTL,
	}, logger)
	addr, err := simulator.Serve(ctx, cfg.Addr, meter, logger)
	if err != nil {
		return "", fmt.Errorf("failed to start simulator: %w", err)
	}
	logger.Info("simulated meter listening", zap.String("addr", addr), zap.String("family", cfg.Family))
	return addr, nil
}
