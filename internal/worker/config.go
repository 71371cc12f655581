package worker

import (
	"encoding/json"
	"os"
)

// ResourceLimits bounds local admission of new SubJobs (spec §4.3
// "Startup: load config").
type ResourceLimits struct {
	MaxMemoryPercent float64 `json:"max_memory_percent"`
	MaxCPUPercent    float64 `json:"max_cpu_percent"`
	MinFreeDiskGB    float64 `json:"min_free_disk_gb"`
}

// Config is the worker's on-disk configuration (default
// `worker_config.json`, spec §6 "Environment / CLI"). LoadConfig starts
// from DefaultConfig, so fields the file omits keep their defaults.
type Config struct {
	MaxConcurrentJobs     int                `json:"max_concurrent_jobs"`
	HeartbeatInterval     int                `json:"heartbeat_interval_seconds"`
	TimeoutPerFrame       float64            `json:"timeout_per_frame_seconds"`
	RendererMultipliers   map[string]float64 `json:"renderer_timeout_multipliers"`
	ResourceLimits        ResourceLimits     `json:"resource_limits"`
	RetryAttempts         int                `json:"retry_attempts"`
	MemPerJobGB           float64            `json:"mem_per_job_gb"`
}

// DefaultConfig mirrors spec §4.3's defaults: 10s heartbeat, per-renderer
// timeout multipliers of 1.0 for A and C and 1.2 for B, conservative
// resource limits.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10,
		TimeoutPerFrame:   30,
		RendererMultipliers: map[string]float64{
			"A": 1.0,
			"B": 1.2,
			"C": 1.0,
		},
		ResourceLimits: ResourceLimits{
			MaxMemoryPercent: 90,
			MaxCPUPercent:    90,
			MinFreeDiskGB:    5,
		},
		RetryAttempts: 3,
		MemPerJobGB:   4,
	}
}

// LoadConfig reads a JSON config file, falling back to defaults for any
// field the file omits or if the file does not exist (spec §4.3
// "Startup: load config"). A missing file is not an error: a worker
// should be usable out of the box.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if cfg.RendererMultipliers == nil {
		cfg.RendererMultipliers = DefaultConfig().RendererMultipliers
	}
	return cfg, nil
}

// RendererMultiplier returns the per-renderer timeout multiplier,
// defaulting to 1.0 for an unlisted kind.
func (c Config) RendererMultiplier(kind string) float64 {
	if m, ok := c.RendererMultipliers[kind]; ok {
		return m
	}
	return 1.0
}
