// Package config loads the broker configuration from a file and ZEEBE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ZEEBE"

// Engines supported by the state store.
const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
)

type Config struct {
	NodeID      uint64 `mapstructure:"node-id"`
	PartitionID int    `mapstructure:"partition-id"`
	// Listen is the HTTP address serving raft messages, appends and metrics.
	Listen string `mapstructure:"listen"`
	// Peers lists the raft cluster as id=url pairs, separated by commas. Empty means a single node.
	Peers   string `mapstructure:"peers"`
	DataDir string `mapstructure:"data-dir"`
	Engine  string `mapstructure:"engine"`

	SnapshotPeriod        time.Duration `mapstructure:"snapshot-period"`
	MinimumSnapshotPeriod time.Duration `mapstructure:"minimum-snapshot-period"`
	MetricsInterval       time.Duration `mapstructure:"metrics-interval"`
	TickInterval          time.Duration `mapstructure:"tick-interval"`
	LogLevel              string        `mapstructure:"log-level"`
}

func DefaultConfig() *Config {
	return &Config{
		NodeID:                1,
		PartitionID:           1,
		Listen:                ":9001",
		DataDir:               "data",
		Engine:                EngineMemory,
		SnapshotPeriod:        5 * time.Minute,
		MinimumSnapshotPeriod: time.Minute,
		MetricsInterval:       15 * time.Second,
		TickInterval:          100 * time.Millisecond,
		LogLevel:              "info",
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply. ZEEBE_SNAPSHOT_PERIOD overrides
// snapshot-period, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node-id", d.NodeID)
	v.SetDefault("partition-id", d.PartitionID)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("peers", d.Peers)
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("engine", d.Engine)
	v.SetDefault("snapshot-period", d.SnapshotPeriod)
	v.SetDefault("minimum-snapshot-period", d.MinimumSnapshotPeriod)
	v.SetDefault("metrics-interval", d.MetricsInterval)
	v.SetDefault("tick-interval", d.TickInterval)
	v.SetDefault("log-level", d.LogLevel)
}

func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == 0 {
		errs = append(errs, errors.New("node-id must be positive"))
	}
	if c.PartitionID <= 0 {
		errs = append(errs, errors.New("partition-id must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data-dir is required"))
	}
	if c.Engine != EngineMemory && c.Engine != EngineBolt {
		errs = append(errs, fmt.Errorf("engine must be %q or %q, got %q", EngineMemory, EngineBolt, c.Engine))
	}
	if c.SnapshotPeriod <= 0 {
		errs = append(errs, errors.New("snapshot-period must be positive"))
	}
	if c.MinimumSnapshotPeriod <= 0 {
		errs = append(errs, errors.New("minimum-snapshot-period must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick-interval must be positive"))
	}
	if _, _, err := ParsePeers(c.Peers); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PartitionDir holds everything the partition stores on disk.
func (c *Config) PartitionDir() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("partition-%d", c.PartitionID))
}

// RuntimeDir is where the live state store is opened.
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.PartitionDir(), "runtime")
}

// SnapshotDir is the root of the snapshot store.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.PartitionDir(), "snapshots")
}

// WALDir holds the raft log.
func (c *Config) WALDir() string {
	return filepath.Join(c.PartitionDir(), "raft")
}

// ParsePeers parses "1=http://a:9001,2=http://b:9001" into an address map and
// the sorted peer ids.
func ParsePeers(s string) (map[uint64]string, []uint64, error) {
	addrs := make(map[uint64]string)
	if strings.TrimSpace(s) == "" {
		return addrs, nil, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || addr == "" {
			return nil, nil, fmt.Errorf("peer %q: want id=url", part)
		}
		pid, err := strconv.ParseUint(id, 10, 64)
		if err != nil || pid == 0 {
			return nil, nil, fmt.Errorf("peer %q: invalid id", part)
		}
		if _, dup := addrs[pid]; dup {
			return nil, nil, fmt.Errorf("peer %d listed twice", pid)
		}
		addrs[pid] = addr
	}
	ids := make([]uint64, 0, len(addrs))
	for id := range addrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return addrs, ids, nil
}
