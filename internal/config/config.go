// Package config loads the orchestrator's runtime configuration (spec
// §6 "Environment-driven configuration"): a YAML file for the base
// values, overridden field-by-field by environment variables so
// deployments can tune a single knob without forking the whole file.
// yaml struct tags follow the pack's workflow-config convention
// (other_examples' domain/config package); env var names follow the
// spec's own enumerated option names, upper-cased with an MAHAVISHNU_
// prefix.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lesleslie/mahavishnu/internal/errs"
)

// Concurrency holds admission and per-pool worker caps (§6).
type Concurrency struct {
	MaxConcurrentWorkflows      int `yaml:"max_concurrent_workflows"`
	MaxConcurrentWorkersPerPool int `yaml:"max_concurrent_workers_per_pool"`
	AdmissionWaitMS             int `yaml:"admission_wait_ms"`
}

// Deadlines holds the wall-clock budgets §6 enumerates.
type Deadlines struct {
	DefaultTaskTimeoutS     int `yaml:"default_task_timeout_s"`
	WorkerHeartbeatTimeoutS int `yaml:"worker_heartbeat_timeout_s"`
	CancelGracePeriodS      int `yaml:"cancel_grace_period_s"`
}

// BreakerTuning holds the per-breaker resilience knobs (§6, §4.2).
type BreakerTuning struct {
	Threshold            int `yaml:"threshold"`
	ConsecutiveThreshold int `yaml:"consecutive_threshold"`
	CooldownS            int `yaml:"cooldown_s"`
	MaxCooldownS         int `yaml:"max_cooldown_s"`
}

// RetryTuning holds the per-retry resilience knobs (§6, §4.3).
type RetryTuning struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
}

// Storage holds the checkpoint store's and audit log's tunables (§6, §4.4).
type Storage struct {
	CheckpointStorePath              string `yaml:"checkpoint_store_path"`
	CheckpointMaxSizeBytes           int    `yaml:"checkpoint_max_size_bytes"`
	CheckpointRetentionOnFailureDays int    `yaml:"checkpoint_retention_on_failure_days"`
	AuditLogPath                     string `yaml:"audit_log_path"`
}

// Health holds the HealthSupervisor's tunables (§6, §4.10).
type Health struct {
	MemoryThresholdPercent    float64 `yaml:"memory_threshold_percent"`
	StuckWorkflowThresholdCnt int     `yaml:"stuck_workflow_threshold_count"`
	DegradedCooldownS         int     `yaml:"degraded_cooldown_s"`
}

// Config is the orchestrator's full runtime configuration (§6).
// Auth material is deliberately absent: authentication is treated as authentication
// as an external collaborator, out of this core's scope.
type Config struct {
	Concurrency Concurrency   `yaml:"concurrency"`
	Deadlines   Deadlines     `yaml:"deadlines"`
	Breaker     BreakerTuning `yaml:"breaker"`
	Retry       RetryTuning   `yaml:"retry"`
	Storage     Storage       `yaml:"storage"`
	Health      Health        `yaml:"health"`
}

// Default returns the stated defaults (§4.2, §4.3, §4.4, §4.10,
// §6) for every option.
func Default() Config {
	return Config{
		Concurrency: Concurrency{
			MaxConcurrentWorkflows:      100,
			MaxConcurrentWorkersPerPool: 16,
			AdmissionWaitMS:             2000,
		},
		Deadlines: Deadlines{
			DefaultTaskTimeoutS:     30,
			WorkerHeartbeatTimeoutS: 300,
			CancelGracePeriodS:      5,
		},
		Breaker: BreakerTuning{
			Threshold:            5,
			ConsecutiveThreshold: 3,
			CooldownS:            30,
			MaxCooldownS:         300,
		},
		Retry: RetryTuning{
			MaxAttempts: 5,
			BaseDelayMS: 100,
			MaxDelayMS:  10000,
			Multiplier:  2,
		},
		Storage: Storage{
			CheckpointStorePath:              "mahavishnu-checkpoints.db",
			CheckpointMaxSizeBytes:           4 << 20,
			CheckpointRetentionOnFailureDays: 7,
			AuditLogPath:                     "mahavishnu-audit.wal",
		},
		Health: Health{
			MemoryThresholdPercent:    90,
			StuckWorkflowThresholdCnt: 10,
			DegradedCooldownS:         30,
		},
	}
}

// Load reads path (if non-empty and present) as YAML over Default(),
// then applies any recognised MAHAVISHNU_* environment variable
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, errs.Wrap(errs.Internal, err, "read config file %q", path)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errs.Wrap(errs.Invalid, err, "parse config file %q", path)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt(&cfg.Concurrency.MaxConcurrentWorkflows, "MAHAVISHNU_MAX_CONCURRENT_WORKFLOWS")
	envInt(&cfg.Concurrency.MaxConcurrentWorkersPerPool, "MAHAVISHNU_MAX_CONCURRENT_WORKERS_PER_POOL")
	envInt(&cfg.Concurrency.AdmissionWaitMS, "MAHAVISHNU_ADMISSION_WAIT_MS")

	envInt(&cfg.Deadlines.DefaultTaskTimeoutS, "MAHAVISHNU_DEFAULT_TASK_TIMEOUT_S")
	envInt(&cfg.Deadlines.WorkerHeartbeatTimeoutS, "MAHAVISHNU_WORKER_HEARTBEAT_TIMEOUT_S")
	envInt(&cfg.Deadlines.CancelGracePeriodS, "MAHAVISHNU_CANCEL_GRACE_PERIOD_S")

	envInt(&cfg.Breaker.Threshold, "MAHAVISHNU_BREAKER_THRESHOLD")
	envInt(&cfg.Breaker.ConsecutiveThreshold, "MAHAVISHNU_BREAKER_CONSECUTIVE_THRESHOLD")
	envInt(&cfg.Breaker.CooldownS, "MAHAVISHNU_BREAKER_COOLDOWN_S")
	envInt(&cfg.Breaker.MaxCooldownS, "MAHAVISHNU_BREAKER_MAX_COOLDOWN_S")

	envInt(&cfg.Retry.MaxAttempts, "MAHAVISHNU_RETRY_MAX_ATTEMPTS")
	envInt(&cfg.Retry.BaseDelayMS, "MAHAVISHNU_RETRY_BASE_DELAY_MS")
	envInt(&cfg.Retry.MaxDelayMS, "MAHAVISHNU_RETRY_MAX_DELAY_MS")
	envFloat(&cfg.Retry.Multiplier, "MAHAVISHNU_RETRY_MULTIPLIER")

	envString(&cfg.Storage.CheckpointStorePath, "MAHAVISHNU_CHECKPOINT_STORE_PATH")
	envInt(&cfg.Storage.CheckpointMaxSizeBytes, "MAHAVISHNU_CHECKPOINT_MAX_SIZE_BYTES")
	envInt(&cfg.Storage.CheckpointRetentionOnFailureDays, "MAHAVISHNU_CHECKPOINT_RETENTION_ON_FAILURE_DAYS")
	envString(&cfg.Storage.AuditLogPath, "MAHAVISHNU_AUDIT_LOG_PATH")

	envFloat(&cfg.Health.MemoryThresholdPercent, "MAHAVISHNU_MEMORY_THRESHOLD_PERCENT")
	envInt(&cfg.Health.StuckWorkflowThresholdCnt, "MAHAVISHNU_STUCK_WORKFLOW_THRESHOLD_COUNT")
	envInt(&cfg.Health.DegradedCooldownS, "MAHAVISHNU_DEGRADED_COOLDOWN_S")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Seconds is a convenience converter for the *_s duration fields.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis is a convenience converter for the *_ms duration fields.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
