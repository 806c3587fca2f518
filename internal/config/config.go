package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/autopilot/internal/otel"
)

// Mode is the operator-selected autonomy mode.
type Mode string

const (
	ModeShadow  Mode = "shadow"
	ModeLimited Mode = "limited"
	ModeFull    Mode = "full"
)

// AutonomyConfig holds the knobs gating autonomous execution. Values are
// clamped on load so a mistyped config degrades to a safe setting instead of
// failing the daemon.
type AutonomyConfig struct {
	// Mode selects shadow (log only), limited (everything to review), or
	// full (guarded auto-apply). The persisted kv value wins over this
	// default once the store has been written to.
	Mode Mode `yaml:"mode"`

	// MinConfidence is the auto-apply confidence threshold, clamped to [0,1].
	MinConfidence float64 `yaml:"min_confidence"`

	// MaxFailRate is the rolling fail-rate that opens the breaker, clamped to [0,1].
	MaxFailRate float64 `yaml:"max_fail_rate"`

	// MinSample is the minimum rolling sample before fail-rate is trusted,
	// clamped to [5,200].
	MinSample int `yaml:"min_sample"`

	// WindowDays is the trailing window for reliability metrics.
	WindowDays int `yaml:"window_days"`

	// MaxAutoPerMinute caps autonomous applies globally per minute.
	MaxAutoPerMinute int `yaml:"max_auto_per_minute"`

	// MaxAutoPerEntityPerHour caps autonomous applies per entity per hour.
	MaxAutoPerEntityPerHour int `yaml:"max_auto_per_entity_per_hour"`
}

// QueueConfig holds task queue tuning.
type QueueConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	StallWindowMinutes int `yaml:"stall_window_minutes"`
}

// BulkConfig holds bulk job workflow tuning.
type BulkConfig struct {
	ApprovalTTLSeconds int `yaml:"approval_ttl_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	WorkerCount int    `yaml:"worker_count"`

	Autonomy AutonomyConfig `yaml:"autonomy"`
	Queue    QueueConfig    `yaml:"queue"`
	Bulk     BulkConfig     `yaml:"bulk"`
	OTel     otel.Config    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		WorkerCount: 4,
		Autonomy: AutonomyConfig{
			Mode:                    ModeShadow,
			MinConfidence:           0.70,
			MaxFailRate:             0.25,
			MinSample:               10,
			WindowDays:              14,
			MaxAutoPerMinute:        5,
			MaxAutoPerEntityPerHour: 2,
		},
		Queue: QueueConfig{
			MaxAttempts:        5,
			StallWindowMinutes: 15,
		},
		Bulk: BulkConfig{
			ApprovalTTLSeconds: 172800,
		},
	}
}

// HomeDir resolves the state directory, honoring AUTOPILOT_HOME.
func HomeDir() string {
	if override := os.Getenv("AUTOPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autopilot")
}

// ConfigPath returns the path of config.yaml under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the resolved home directory, applying defaults
// and clamps. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadDir(HomeDir())
}

// LoadDir is Load with an explicit home directory (used by tests and reload).
func LoadDir(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create autopilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	a := &cfg.Autonomy
	switch Mode(strings.ToLower(strings.TrimSpace(string(a.Mode)))) {
	case ModeShadow, ModeLimited, ModeFull:
		a.Mode = Mode(strings.ToLower(strings.TrimSpace(string(a.Mode))))
	default:
		a.Mode = ModeShadow
	}
	a.MinConfidence = clampFloat(a.MinConfidence, 0, 1)
	a.MaxFailRate = clampFloat(a.MaxFailRate, 0, 1)
	a.MinSample = clampInt(a.MinSample, 5, 200)
	if a.WindowDays <= 0 {
		a.WindowDays = 14
	}
	if a.MaxAutoPerMinute <= 0 {
		a.MaxAutoPerMinute = 5
	}
	if a.MaxAutoPerEntityPerHour <= 0 {
		a.MaxAutoPerEntityPerHour = 2
	}

	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.StallWindowMinutes <= 0 {
		cfg.Queue.StallWindowMinutes = 15
	}
	if cfg.Bulk.ApprovalTTLSeconds <= 0 {
		cfg.Bulk.ApprovalTTLSeconds = 172800
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Fingerprint returns a stable hash of the settings that gate autonomous
// execution, logged at startup and after each reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|conf=%.2f|fail=%.2f|sample=%d|window=%d|rpm=%d|rph=%d|attempts=%d|stall=%d",
		c.Autonomy.Mode, c.Autonomy.MinConfidence, c.Autonomy.MaxFailRate, c.Autonomy.MinSample,
		c.Autonomy.WindowDays, c.Autonomy.MaxAutoPerMinute, c.Autonomy.MaxAutoPerEntityPerHour,
		c.Queue.MaxAttempts, c.Queue.StallWindowMinutes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
