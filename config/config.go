// Package config loads the migrator's configuration from environment
// variables and optionally layers a YAML file supplied via the CLI on
// top of it.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds everything the migrator needs to run.
type Config struct {
	Paths     PathsConfig
	Copy      CopyConfig
	Backup    BackupConfig
	Recovery  RecoveryConfig
	Timeouts  TimeoutsConfig
	Vector    VectorConfig
	Logging   LoggingConfig
	DryRun    bool
}

// PathsConfig locates the user-data root and the well-known subdirectories
// under it.
type PathsConfig struct {
	UserDataRoot string
	RowStoreDir  string // "<root>/app_db"
	VectorDir    string // "<root>/knowledge"
	BackupRoot   string // "<root>/backups"
	UnifiedFile  string // "<root>/unified.db"
}

// CopyConfig controls the Copy Engine (C4).
type CopyConfig struct {
	BatchSize int
}

// BackupConfig controls the Backup Manager (C2).
type BackupConfig struct {
	Verify           bool
	IncludeTimestamp bool
	MaxFileSizeBytes int64
	SoftWarnBytes    int64
}

// RecoveryConfig carries the recovery-point settings for the Rollback
// Engine (C7). The engine does not read them: it keeps at most 10 points
// and flags points older than 30 days, whatever these fields hold.
type RecoveryConfig struct {
	MaxRecoveryPoints int
	StaleAfter        time.Duration
}

// TimeoutsConfig carries the per-phase soft deadlines.
type TimeoutsConfig struct {
	Copy     time.Duration
	Validate time.Duration
	Backup   time.Duration
}

// VectorConfig carries the unified schema's vector dimension.
type VectorConfig struct {
	Dimension int
}

// LoggingConfig controls the structured logger and its on-disk rotation.
type LoggingConfig struct {
	Level      string
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load builds a Config from environment variables.
func Load() *Config {
	root := getEnv("MIGRATOR_USER_DATA_ROOT", ".")

	return &Config{
		Paths: PathsConfig{
			UserDataRoot: root,
			RowStoreDir:  getEnv("MIGRATOR_ROW_STORE_DIR", root+"/app_db"),
			VectorDir:    getEnv("MIGRATOR_VECTOR_DIR", root+"/knowledge"),
			BackupRoot:   getEnv("MIGRATOR_BACKUP_ROOT", root+"/backups"),
			UnifiedFile:  getEnv("MIGRATOR_UNIFIED_FILE", root+"/unified.db"),
		},
		Copy: CopyConfig{
			BatchSize: getIntEnv("MIGRATOR_BATCH_SIZE", 1000),
		},
		Backup: BackupConfig{
			Verify:           getBoolEnv("MIGRATOR_BACKUP_VERIFY", true),
			IncludeTimestamp: getBoolEnv("MIGRATOR_BACKUP_TIMESTAMP", true),
			MaxFileSizeBytes: getInt64Env("MIGRATOR_MAX_FILE_SIZE", 10*1024*1024*1024),
			SoftWarnBytes:    getInt64Env("MIGRATOR_SOFT_WARN_SIZE", 2*1024*1024*1024),
		},
		Recovery: RecoveryConfig{
			MaxRecoveryPoints: getIntEnv("MIGRATOR_MAX_RECOVERY_POINTS", 10),
			StaleAfter:        getDurationEnv("MIGRATOR_RECOVERY_STALE_AFTER", 30*24*time.Hour),
		},
		Timeouts: TimeoutsConfig{
			Copy:     getDurationEnv("MIGRATOR_TIMEOUT_COPY", 30*time.Minute),
			Validate: getDurationEnv("MIGRATOR_TIMEOUT_VALIDATE", 10*time.Minute),
			Backup:   getDurationEnv("MIGRATOR_TIMEOUT_BACKUP", 10*time.Minute),
		},
		Vector: VectorConfig{
			Dimension: getIntEnv("MIGRATOR_VECTOR_DIMENSION", 1536),
		},
		Logging: LoggingConfig{
			Level:      getEnv("MIGRATOR_LOG_LEVEL", "info"),
			LogFile:    getEnv("MIGRATOR_LOG_FILE", ""),
			MaxSizeMB:  getIntEnv("MIGRATOR_LOG_MAX_SIZE_MB", 50),
			MaxBackups: getIntEnv("MIGRATOR_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getIntEnv("MIGRATOR_LOG_MAX_AGE_DAYS", 28),
		},
		DryRun: getBoolEnv("MIGRATOR_DRY_RUN", false),
	}
}

// FileOverrides is the subset of Config a YAML file on disk may override.
// The CLI loads the file; library code reads only the environment.
type FileOverrides struct {
	UserDataRoot string `yaml:"user_data_root"`
	BatchSize    int    `yaml:"batch_size"`
	DryRun       bool   `yaml:"dry_run"`
	VectorDim    int    `yaml:"vector_dimension"`
	LogLevel     string `yaml:"log_level"`
}

// ApplyYAMLFile layers a YAML config file's overrides onto cfg in place.
// Missing fields in the file leave the env-derived defaults untouched.
func (c *Config) ApplyYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overrides FileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}

	if overrides.UserDataRoot != "" {
		c.Paths.UserDataRoot = overrides.UserDataRoot
	}
	if overrides.BatchSize != 0 {
		c.Copy.BatchSize = overrides.BatchSize
	}
	if overrides.VectorDim != 0 {
		c.Vector.Dimension = overrides.VectorDim
	}
	if overrides.LogLevel != "" {
		c.Logging.Level = overrides.LogLevel
	}
	c.DryRun = c.DryRun || overrides.DryRun

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Validate checks the configuration is coherent enough to run a migration.
func (c *Config) Validate() error {
	if c.Paths.UserDataRoot == "" {
		return &ValidationError{Field: "user_data_root", Message: "user data root is required"}
	}
	if c.Copy.BatchSize <= 0 {
		return &ValidationError{Field: "batch_size", Message: "batch size must be positive"}
	}
	if c.Vector.Dimension <= 0 {
		return &ValidationError{Field: "vector_dimension", Message: "vector dimension must be positive"}
	}
	if c.Recovery.MaxRecoveryPoints <= 0 {
		return &ValidationError{Field: "max_recovery_points", Message: "max recovery points must be positive"}
	}
	return nil
}

// ValidationError reports a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
