// Package profiling runs the optional Pyroscope push-mode profiler.
package profiling

import (
	"fmt"
	"maps"
	"runtime"
	"slices"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/meterlink/pkg/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

// Start starts the profiler, or returns nil when profiling is disabled.
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	types := profileTypes(cfg)
	if cfg.Has(config.ProfileMutex) {
		runtime.SetMutexProfileFraction(cfg.MutexProfileRate)
	}
	if cfg.Has(config.ProfileBlock) {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}

	tags := map[string]string{"app": "meterlink"}
	maps.Copy(tags, cfg.Tags)

	pyroConfig := pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            tags,
		ProfileTypes:    types,
		DisableGCRuns:   cfg.DisableGCRuns,
		TenantID:        cfg.TenantID,
	}
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPassword != "" {
		pyroConfig.BasicAuthUser = cfg.BasicAuthUser
		pyroConfig.BasicAuthPassword = cfg.BasicAuthPassword
	}

	profiler, err := pyroscope.Start(pyroConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Int("profile_types", len(types)),
	)
	return &Profiler{profiler: profiler, logger: logger}, nil
}

var profileTable = map[string][]pyroscope.ProfileType{
	config.ProfileCPU:          {pyroscope.ProfileCPU},
	config.ProfileAllocObjects: {pyroscope.ProfileAllocObjects},
	config.ProfileAllocSpace:   {pyroscope.ProfileAllocSpace},
	config.ProfileInuseObjects: {pyroscope.ProfileInuseObjects},
	config.ProfileInuseSpace:   {pyroscope.ProfileInuseSpace},
	config.ProfileGoroutines:   {pyroscope.ProfileGoroutines},
	config.ProfileMutex:        {pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration},
	config.ProfileBlock:        {pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration},
}

// profileTypes expands the configured names in order, skipping duplicates.
func profileTypes(cfg *config.ProfilingConfig) []pyroscope.ProfileType {
	var out []pyroscope.ProfileType
	for _, name := range cfg.Profiles {
		for _, pt := range profileTable[name] {
			if !slices.Contains(out, pt) {
				out = append(out, pt)
			}
		}
	}
	return out
}

// Stop flushes and stops the profiler. Safe on nil.
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}
	if err := p.profiler.Stop(); err != nil {
		p.logger.Error("failed to stop profiler", zap.Error(err))
		return fmt.Errorf("profiler stop: %w", err)
	}
	p.logger.Info("Pyroscope profiler stopped")
	return nil
}
