// Package daemon loads the router configuration and wires the core
// subsystems together for the atpd process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config is the atpd configuration, loaded from TOML.
type Config struct {
	API           APIConfig           `toml:"api"`
	Log           LogConfig           `toml:"log"`
	Storage       StorageConfig       `toml:"storage"`
	Fragmentation FragmentationConfig `toml:"fragmentation"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Policy        PolicyConfig        `toml:"policy"`
	Federation    FederationConfig    `toml:"federation"`
	RowCrypt      RowCryptConfig      `toml:"rowcrypt"`
}

// APIConfig configures the ops HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `toml:"path"`
}

// FragmentationConfig configures fragmentation and reassembly.
type FragmentationConfig struct {
	BaseMaxSize      int  `toml:"base_max_size"`
	BinaryMaxSize    int  `toml:"binary_max_size"`
	EnableMerkle     bool `toml:"enable_merkle"`
	GapTTLMS         int  `toml:"gap_ttl_ms"`
	ReassemblyTTLS   int  `toml:"reassembly_ttl_s"`
	BufferStoreTTLS  int  `toml:"buffer_store_ttl_s"`
	UseExternalStore bool `toml:"use_external_store"`
}

// SchedulerConfig configures the fair scheduler. The FAIR_SCHED_*
// environment variables override these at startup.
type SchedulerConfig struct {
	StarvationQuantile float64 `toml:"starvation_quantile"`
	BoostFactor        float64 `toml:"boost_factor"`
	BoostDecay         float64 `toml:"boost_decay"`
	BoostDurationS     int     `toml:"boost_duration_s"`
}

// PolicyConfig configures the ABAC engine and escalation policy.
type PolicyConfig struct {
	CacheTTLS              int     `toml:"cache_ttl_s"`
	LowConfThreshold       float64 `toml:"low_conf_threshold"`
	EscalateOnDisagreement bool    `toml:"escalate_on_disagreement"`
}

// FederationConfig configures federated reward aggregation.
type FederationConfig struct {
	ClusterID       string `toml:"cluster_id"`
	ClusterSalt     string `toml:"cluster_salt"`
	MinParticipants int    `toml:"min_participants"`
	MaxParticipants int    `toml:"max_participants"`
	SweepIntervalS  int    `toml:"sweep_interval_s"`
}

// RowCryptConfig configures row-level encryption.
type RowCryptConfig struct {
	KeyVersion string `toml:"key_version"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			MetricsEnabled: true,
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Path: defaultStoragePath()},
		Fragmentation: FragmentationConfig{
			BaseMaxSize:     256,
			BinaryMaxSize:   1024,
			GapTTLMS:        500,
			ReassemblyTTLS:  300,
			BufferStoreTTLS: 600,
		},
		Scheduler: SchedulerConfig{
			StarvationQuantile: 0.95,
			BoostFactor:        2.0,
			BoostDecay:         0.9,
			BoostDurationS:     60,
		},
		Policy: PolicyConfig{
			CacheTTLS:              300,
			LowConfThreshold:       0.6,
			EscalateOnDisagreement: true,
		},
		Federation: FederationConfig{
			ClusterID:       "local",
			MinParticipants: 2,
			MaxParticipants: 100,
			SweepIntervalS:  3600,
		},
		RowCrypt: RowCryptConfig{KeyVersion: "v1"},
	}
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// GapTTL returns the gap TTL as a duration.
func (c FragmentationConfig) GapTTL() time.Duration {
	return time.Duration(c.GapTTLMS) * time.Millisecond
}

// ReassemblyTTL returns the reassembly GC TTL as a duration.
func (c FragmentationConfig) ReassemblyTTL() time.Duration {
	return time.Duration(c.ReassemblyTTLS) * time.Second
}

// BufferStoreTTL returns the buffer store TTL as a duration.
func (c FragmentationConfig) BufferStoreTTL() time.Duration {
	return time.Duration(c.BufferStoreTTLS) * time.Second
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "atp.db"
	}
	return filepath.Join(home, ".atp", "atp.db")
}
