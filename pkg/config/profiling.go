package config

import (
	"fmt"
	"slices"
)

// Profile names accepted in ProfilingConfig.Profiles. mutex and block each
// enable both the count and the duration profile.
const (
	ProfileCPU          = "cpu"
	ProfileAllocObjects = "alloc_objects"
	ProfileAllocSpace   = "alloc_space"
	ProfileInuseObjects = "inuse_objects"
	ProfileInuseSpace   = "inuse_space"
	ProfileGoroutines   = "goroutines"
	ProfileMutex        = "mutex"
	ProfileBlock        = "block"
)

var knownProfiles = []string{
	ProfileCPU, ProfileAllocObjects, ProfileAllocSpace, ProfileInuseObjects,
	ProfileInuseSpace, ProfileGoroutines, ProfileMutex, ProfileBlock,
}

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"meterlink"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	// Profiles lists the profile types to collect.
	Profiles []string `yaml:"profiles" env:"PYROSCOPE_PROFILES" env-separator:"," env-default:"cpu,alloc_objects,alloc_space,inuse_objects,inuse_space"`

	MutexProfileRate int  `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
	BlockProfileRate int  `yaml:"blockProfileRate" env:"PYROSCOPE_BLOCK_PROFILE_RATE" env-default:"5"`
	DisableGCRuns    bool `yaml:"disableGCRuns" env:"PYROSCOPE_DISABLE_GC_RUNS"`
}

// Has reports whether the named profile is enabled.
func (c *ProfilingConfig) Has(name string) bool {
	return slices.Contains(c.Profiles, name)
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}
	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}
	if len(cfg.Profiles) == 0 {
		return fmt.Errorf("at least one profile type must be enabled")
	}
	for _, name := range cfg.Profiles {
		if !slices.Contains(knownProfiles, name) {
			return fmt.Errorf("unknown profile type %q, must be one of %v", name, knownProfiles)
		}
	}
	if cfg.Has(ProfileMutex) && cfg.MutexProfileRate < 0 {
		return fmt.Errorf("profiling mutex profile rate must be >= 0")
	}
	if cfg.Has(ProfileBlock) && cfg.BlockProfileRate < 0 {
		return fmt.Errorf("profiling block profile rate must be >= 0")
	}
	return nil
}
