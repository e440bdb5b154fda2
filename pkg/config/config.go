// Package config loads the Privacy Witness Kernel's configuration from
// environment variables, matching the closed set of options named by the
// kernel's external interface — no other env var is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the kernel's runtime configuration.
type Config struct {
	// DeviceKeySeed derives the log-signing and vault keys. Required, no
	// default — a missing or weak seed must fail startup, never silently
	// fall back to a placeholder.
	DeviceKeySeed string
	// VaultKeySeed, if set, is used instead of DeviceKeySeed for the
	// vault subkey (spec §4.2's "operators may supply a separate vault
	// seed").
	VaultKeySeed string

	RetentionBuckets      int64
	BucketSizeS           int64
	CheckpointEveryN      uint64
	QuorumMOfN            int
	ApprovalWindowS       int64
	VaultRetentionBuckets int64

	// RulesetID and KernelVersion identify the device's provisioning
	// record (device_metadata); changing either after first provisioning
	// requires re-provisioning, not a silent config edit.
	RulesetID     string
	KernelVersion string

	DataDir  string
	LogLevel string
}

// Load reads configuration from environment variables. Call Validate()
// before using the result.
func Load() (*Config, error) {
	cfg := &Config{
		DeviceKeySeed: getEnv("PWK_DEVICE_KEY_SEED", ""),
		VaultKeySeed:  getEnv("PWK_VAULT_KEY_SEED", ""),

		RetentionBuckets:      getEnvInt64("PWK_RETENTION_BUCKETS", 2160), // ~90 days at hourly buckets
		BucketSizeS:           getEnvInt64("PWK_BUCKET_SIZE_S", 3600),
		CheckpointEveryN:      getEnvUint64("PWK_CHECKPOINT_EVERY_N", 100),
		QuorumMOfN:            getEnvInt("PWK_QUORUM_M_OF_N", 2),
		ApprovalWindowS:       getEnvInt64("PWK_APPROVAL_WINDOW_S", 3600),
		VaultRetentionBuckets: getEnvInt64("PWK_VAULT_RETENTION_BUCKETS", 720),

		RulesetID:     getEnv("PWK_RULESET_ID", "ruleset:v1"),
		KernelVersion: getEnv("PWK_KERNEL_VERSION", "0.3.0"),

		DataDir:  getEnv("PWK_DATA_DIR", "./data"),
		LogLevel: getEnv("PWK_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// weakSeeds mirrors pkg/crypto's deny-list so a bad seed is caught at
// config validation time, before any key derivation is attempted.
var weakSeeds = map[string]struct{}{
	"":            {},
	"changeme":    {},
	"change-me":   {},
	"default":     {},
	"defaultseed": {},
	"test":        {},
	"testseed":    {},
	"password":    {},
	"secret":      {},
	"00000000000000000000000000000000": {},
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	var errs []string

	if len(c.DeviceKeySeed) < 32 {
		errs = append(errs, "PWK_DEVICE_KEY_SEED must be at least 32 bytes")
	} else if _, weak := weakSeeds[strings.ToLower(c.DeviceKeySeed)]; weak {
		errs = append(errs, "PWK_DEVICE_KEY_SEED contains a known placeholder value")
	}

	if c.VaultKeySeed != "" {
		if len(c.VaultKeySeed) < 32 {
			errs = append(errs, "PWK_VAULT_KEY_SEED must be at least 32 bytes when set")
		} else if _, weak := weakSeeds[strings.ToLower(c.VaultKeySeed)]; weak {
			errs = append(errs, "PWK_VAULT_KEY_SEED contains a known placeholder value")
		}
	}

	if c.BucketSizeS <= 0 {
		errs = append(errs, "PWK_BUCKET_SIZE_S must be positive")
	}
	if c.RetentionBuckets <= 0 {
		errs = append(errs, "PWK_RETENTION_BUCKETS must be positive")
	}
	if c.CheckpointEveryN == 0 {
		errs = append(errs, "PWK_CHECKPOINT_EVERY_N must be positive")
	}
	if c.QuorumMOfN < 1 {
		errs = append(errs, "PWK_QUORUM_M_OF_N must be at least 1")
	}
	if c.ApprovalWindowS <= 0 {
		errs = append(errs, "PWK_APPROVAL_WINDOW_S must be positive")
	}
	if c.RulesetID == "" {
		errs = append(errs, "PWK_RULESET_ID must not be empty")
	}
	if c.KernelVersion == "" {
		errs = append(errs, "PWK_KERNEL_VERSION must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
