// Package daemon manages the immunet daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/dispatch"
	"github.com/tutu-network/immunet/internal/infra/selection"
)

// MaxTreeDepth bounds the k-d tree build depth.
const MaxTreeDepth = 16

// Config holds all daemon configuration. Values are read once at startup
// and never change while the daemon runs.
type Config struct {
	Node        NodeConfig        `toml:"node"`
	API         APIConfig         `toml:"api"`
	Algorithm   AlgorithmConfig   `toml:"algorithm"`
	Tree        TreeConfig        `toml:"tree"`
	Analyzer    AnalyzerConfig    `toml:"analyzer"`
	Sniffer     SnifferConfig     `toml:"sniffer"`
	Persistence PersistenceConfig `toml:"persistence"`
	Logging     LoggingConfig     `toml:"logging"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID string `toml:"id"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// AlgorithmConfig sizes the negative selection engine and statistics memory.
type AlgorithmConfig struct {
	PatternLength  int      `toml:"pattern_length"`
	PatternShift   int      `toml:"pattern_shift"`
	Affinity       int      `toml:"affinity"`
	PatternCount   int      `toml:"pattern_count"`
	DetectorCount  int      `toml:"detector_count"`
	StatisticCount int      `toml:"statistic_count"`
	MaxAttempts    int      `toml:"max_attempts"`
	Seed           []uint32 `toml:"seed"`
}

// TreeConfig controls the statistics k-d tree.
type TreeConfig struct {
	Depth int `toml:"depth"`
}

// AnalyzerConfig controls the dispatch pool and the periodic tasks.
type AnalyzerConfig struct {
	MinAnalyzerCount    int      `toml:"min_analyzer_count"`
	MaxAnalyzerCount    int      `toml:"max_analyzer_count"`
	MaxPacketInAnalyzer int      `toml:"max_packet_in_analyzer"`
	Mode                string   `toml:"mode"`
	PayloadWindow       int      `toml:"payload_window"`
	StatColPeriod       int      `toml:"stat_col_period"`       // seconds
	DetectorRegenPeriod int      `toml:"detector_regen_period"` // seconds
	DetectorSavePeriods []int    `toml:"detector_save_periods"` // minutes
	AllowedTCPPorts     []uint16 `toml:"allowed_tcp_ports"`
	AllowedUDPPorts     []uint16 `toml:"allowed_udp_ports"`
}

// SnifferConfig selects the capture interfaces.
type SnifferConfig struct {
	Interfaces  []string `toml:"interfaces"`
	Promiscuous bool     `toml:"promiscuous"`
}

// PersistenceConfig controls detector snapshots.
type PersistenceConfig struct {
	Dir      string `toml:"dir"`
	LoadFile string `toml:"load_file"`
	Keep     int    `toml:"keep"` // snapshots retained in the store; 0 keeps all
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := immunetHome()
	return Config{
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9470,
		},
		Algorithm: AlgorithmConfig{
			PatternLength:  16,
			PatternShift:   8,
			Affinity:       6,
			PatternCount:   4096,
			DetectorCount:  1024,
			StatisticCount: 60,
			MaxAttempts:    selection.DefaultMaxAttempts,
		},
		Tree: TreeConfig{Depth: 8},
		Analyzer: AnalyzerConfig{
			MinAnalyzerCount:    1,
			MaxAnalyzerCount:    4,
			MaxPacketInAnalyzer: 16,
			Mode:                string(domain.ModeHybrid),
			StatColPeriod:       60,
			DetectorRegenPeriod: 300,
			DetectorSavePeriods: []int{5, 25, 30, 60, 120},
			AllowedTCPPorts:     []uint16{22, 53, 80, 443},
			AllowedUDPPorts:     []uint16{53, 67, 68, 123},
		},
		Sniffer: SnifferConfig{
			Promiscuous: true,
		},
		Persistence: PersistenceConfig{
			Dir:  filepath.Join(homeDir, "detectors"),
			Keep: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "immunet.log"),
		},
		Telemetry: TelemetryConfig{Prometheus: true},
	}
}

// Validate rejects configurations the engines cannot start with.
func (c Config) Validate() error {
	if err := c.SelectionConfig().Validate(); err != nil {
		return err
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return err
	}
	a := c.Algorithm
	switch {
	case a.StatisticCount < 1:
		return fmt.Errorf("%w: statistic_count must be positive", domain.ErrInvalidConfig)
	case len(a.Seed) != 0 && len(a.Seed) != 4:
		return fmt.Errorf("%w: seed needs 4 values, got %d", domain.ErrInvalidConfig, len(a.Seed))
	case c.Tree.Depth < 0 || c.Tree.Depth > MaxTreeDepth:
		return fmt.Errorf("%w: tree depth must be in [0, %d], got %d", domain.ErrInvalidConfig, MaxTreeDepth, c.Tree.Depth)
	case !domain.Mode(c.Analyzer.Mode).Valid():
		return fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidConfig, c.Analyzer.Mode)
	case c.Analyzer.MaxPacketInAnalyzer < 1:
		return fmt.Errorf("%w: max_packet_in_analyzer must be positive", domain.ErrInvalidConfig)
	case c.Analyzer.PayloadWindow < 0:
		return fmt.Errorf("%w: payload_window must not be negative", domain.ErrInvalidConfig)
	case c.Analyzer.StatColPeriod < 1:
		return fmt.Errorf("%w: stat_col_period must be positive", domain.ErrInvalidConfig)
	case c.Analyzer.DetectorRegenPeriod < 1:
		return fmt.Errorf("%w: detector_regen_period must be positive", domain.ErrInvalidConfig)
	case c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535):
		return fmt.Errorf("%w: api port %d", domain.ErrInvalidConfig, c.API.Port)
	case c.Persistence.Dir == "":
		return fmt.Errorf("%w: persistence dir is empty", domain.ErrInvalidConfig)
	}
	return nil
}

// SelectionConfig derives the negative selection engine settings.
func (c Config) SelectionConfig() selection.Config {
	a := c.Algorithm
	cfg := selection.Config{
		PatternLength:    a.PatternLength,
		PatternShift:     a.PatternShift,
		Affinity:         a.Affinity,
		PatternCapacity:  a.PatternCount,
		DetectorCapacity: a.DetectorCount,
		MaxAttempts:      a.MaxAttempts,
	}
	if len(a.Seed) == 4 {
		copy(cfg.Seed[:], a.Seed)
	}
	return cfg
}

// PoolConfig derives the dispatch pool settings.
func (c Config) PoolConfig() dispatch.Config {
	return dispatch.Config{
		MinAnalyzers: c.Analyzer.MinAnalyzerCount,
		MaxAnalyzers: c.Analyzer.MaxAnalyzerCount,
		BufferSize:   dispatch.BufferSizeFor(c.Analyzer.MaxPacketInAnalyzer),
	}
}

// StatPeriod is the statistics collection period.
func (c Config) StatPeriod() time.Duration {
	return time.Duration(c.Analyzer.StatColPeriod) * time.Second
}

// RegenPeriod is the detector regeneration period.
func (c Config) RegenPeriod() time.Duration {
	return time.Duration(c.Analyzer.DetectorRegenPeriod) * time.Second
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(immunetHome(), "config.toml")
}

// LoadConfig reads config from path, falling back to defaults when the
// file does not exist. An empty path means ConfigPath().
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to path (ConfigPath() when empty).
func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// immunetHome returns the immunet data directory.
func immunetHome() string {
	if env := os.Getenv("IMMUNET_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".immunet")
}

// Home is exported for use by other packages.
func Home() string {
	return immunetHome()
}
