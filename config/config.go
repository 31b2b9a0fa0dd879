// Package config loads the oddswatch configuration from YAML with
// environment-variable feature toggles and optional hot reload of the
// selector-engine tunables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/oddswatch/stealth"
)

// Config is the top-level oddswatch configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Gates      GatesConfig      `yaml:"quality_gates"`
	Stealth    stealth.Config   `yaml:"stealth"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Storage    StorageConfig    `yaml:"storage"`
	Ops        OpsConfig        `yaml:"ops"`
	Features   Features         `yaml:"-"`
}

// EngineConfig tunes the selector resolver. These are the fields hot
// reload may swap at runtime.
type EngineConfig struct {
	DefaultConfidenceThreshold float64 `yaml:"default_confidence_threshold"`
	PerStrategyTimeoutMS       int     `yaml:"per_strategy_timeout_ms"`
	BatchWorkerCap             int     `yaml:"batch_worker_cap"`
}

// GatesConfig sets the per-environment minimum confidence.
type GatesConfig struct {
	Production  float64 `yaml:"production"`
	Staging     float64 `yaml:"staging"`
	Testing     float64 `yaml:"testing"`
	Development float64 `yaml:"development"`
}

// ProxyConfig configures the proxy manager and its provider.
type ProxyConfig struct {
	Provider        string `yaml:"provider"` // brightdata | oxylabs | mock
	Customer        string `yaml:"customer"`
	Password        string `yaml:"password"`
	Zone            string `yaml:"zone"`
	Rotation        string `yaml:"rotation"` // per_match | per_session | per_timeout
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
	PersistPath     string `yaml:"persist_path"`
}

// ResilienceConfig tunes the supervision subsystems.
type ResilienceConfig struct {
	HealthCheckIntervalS    int     `yaml:"health_check_interval_s"`
	CrashDetectionTimeoutS  int     `yaml:"crash_detection_timeout_s"`
	MaxRecoveryAttempts     int     `yaml:"max_recovery_attempts"`
	TabConcurrency          int     `yaml:"tab_concurrency"`
	TabMaxRetries           int     `yaml:"tab_max_retries"`
	AbortFailureRate        float64 `yaml:"abort_failure_rate"`
	AbortWindowSeconds      int     `yaml:"abort_window_seconds"`
	AbortCooldownSeconds    int     `yaml:"abort_cooldown_seconds"`
	AbortMaxPerHour         int     `yaml:"abort_max_per_hour"`
	CheckpointIntervalS     int     `yaml:"checkpoint_interval_s"`
	DegradeEmergencyAtCount int     `yaml:"degrade_emergency_at_count"`
}

// StorageConfig locates the databases and blob directories.
type StorageConfig struct {
	DatabasePath         string `yaml:"database_path"`
	SnapshotRoot         string `yaml:"snapshot_root"`
	SnapshotMaxAgeDays   int    `yaml:"snapshot_max_age_days"`
	SnapshotMaxMB        int64  `yaml:"snapshot_max_mb"`
	SnapshotKeepFailures int    `yaml:"snapshot_keep_failures"`
	SnapshotCompress     bool   `yaml:"snapshot_compress"`
	MetricsRetentionDays int    `yaml:"metrics_retention_days"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Features are the boolean toggles read from the environment.
type Features struct {
	UseCentralizedRetry           bool
	BrowserUseCentralizedRetry    bool
	NavigationUseCentralizedRetry bool
	TelemetryUseCentralizedRetry  bool
	EnableHotReload               bool
	EnableRetryTests              bool
	EnableMigrationMode           bool
	EnableRetryMetrics            bool
}

// Load reads the YAML file, applies defaults, and merges environment
// toggles.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.Features = featuresFromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.DefaultConfidenceThreshold <= 0 {
		c.Engine.DefaultConfidenceThreshold = 0.8
	}
	if c.Engine.PerStrategyTimeoutMS <= 0 {
		c.Engine.PerStrategyTimeoutMS = 2000
	}
	if c.Engine.BatchWorkerCap <= 0 {
		c.Engine.BatchWorkerCap = 32
	}
	if c.Gates.Production <= 0 {
		c.Gates.Production = 0.90
	}
	if c.Gates.Staging <= 0 {
		c.Gates.Staging = 0.80
	}
	if c.Gates.Development <= 0 {
		c.Gates.Development = 0.70
	}
	if c.Gates.Testing <= 0 {
		c.Gates.Testing = 0.60
	}
	if c.Proxy.Provider == "" {
		c.Proxy.Provider = "mock"
	}
	if c.Proxy.Rotation == "" {
		c.Proxy.Rotation = "per_match"
	}
	if c.Proxy.CooldownSeconds <= 0 {
		c.Proxy.CooldownSeconds = 600
	}
	if c.Resilience.HealthCheckIntervalS <= 0 {
		c.Resilience.HealthCheckIntervalS = 30
	}
	if c.Resilience.CrashDetectionTimeoutS <= 0 {
		c.Resilience.CrashDetectionTimeoutS = 60
	}
	if c.Resilience.MaxRecoveryAttempts <= 0 {
		c.Resilience.MaxRecoveryAttempts = 3
	}
	if c.Resilience.TabConcurrency <= 0 {
		c.Resilience.TabConcurrency = 5
	}
	if c.Resilience.TabMaxRetries <= 0 {
		c.Resilience.TabMaxRetries = 2
	}
	if c.Resilience.AbortFailureRate <= 0 {
		c.Resilience.AbortFailureRate = 0.5
	}
	if c.Resilience.AbortWindowSeconds <= 0 {
		c.Resilience.AbortWindowSeconds = 600
	}
	if c.Resilience.AbortCooldownSeconds <= 0 {
		c.Resilience.AbortCooldownSeconds = 600
	}
	if c.Resilience.AbortMaxPerHour <= 0 {
		c.Resilience.AbortMaxPerHour = 3
	}
	if c.Resilience.CheckpointIntervalS <= 0 {
		c.Resilience.CheckpointIntervalS = 60
	}
	if c.Resilience.DegradeEmergencyAtCount <= 0 {
		c.Resilience.DegradeEmergencyAtCount = 10
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "data/oddswatch.db"
	}
	if c.Storage.SnapshotRoot == "" {
		c.Storage.SnapshotRoot = "data/snapshots"
	}
	if c.Storage.SnapshotMaxAgeDays <= 0 {
		c.Storage.SnapshotMaxAgeDays = 7
	}
	if c.Storage.SnapshotMaxMB <= 0 {
		c.Storage.SnapshotMaxMB = 512
	}
	if c.Storage.SnapshotKeepFailures <= 0 {
		c.Storage.SnapshotKeepFailures = 100
	}
	if c.Storage.MetricsRetentionDays <= 0 {
		c.Storage.MetricsRetentionDays = 30
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = ":8744"
	}
}

func (c *Config) validate() error {
	if c.Engine.DefaultConfidenceThreshold > 1 {
		return fmt.Errorf("config: default_confidence_threshold %v out of [0,1]",
			c.Engine.DefaultConfidenceThreshold)
	}
	switch c.Proxy.Provider {
	case "brightdata", "oxylabs", "mock":
	default:
		return fmt.Errorf("config: unknown proxy provider %q", c.Proxy.Provider)
	}
	switch c.Proxy.Rotation {
	case "per_match", "per_session", "per_timeout":
	default:
		return fmt.Errorf("config: unknown proxy rotation %q", c.Proxy.Rotation)
	}
	return nil
}

// PerStrategyTimeout converts the millisecond tunable.
func (c *EngineConfig) PerStrategyTimeout() time.Duration {
	return time.Duration(c.PerStrategyTimeoutMS) * time.Millisecond
}

func featuresFromEnv() Features {
	return Features{
		UseCentralizedRetry:           envBool("USE_CENTRALIZED_RETRY"),
		BrowserUseCentralizedRetry:    envBool("BROWSER_USE_CENTRALIZED_RETRY"),
		NavigationUseCentralizedRetry: envBool("NAVIGATION_USE_CENTRALIZED_RETRY"),
		TelemetryUseCentralizedRetry:  envBool("TELEMETRY_USE_CENTRALIZED_RETRY"),
		EnableHotReload:               envBool("ENABLE_HOT_RELOAD"),
		EnableRetryTests:              envBool("ENABLE_RETRY_TESTS"),
		EnableMigrationMode:           envBool("ENABLE_MIGRATION_MODE"),
		EnableRetryMetrics:            envBool("ENABLE_RETRY_METRICS"),
	}
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
