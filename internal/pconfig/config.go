// Package pconfig loads pipelined's configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order,
// following the teacher's internal/config layering (Default -> loadFromFile
// -> loadFromEnv -> Validate).
package pconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyreflow/pipeliner/internal/logging"
)

// ServerConfig configures the HTTP listener and its auth/CORS posture.
type ServerConfig struct {
	Port          int      `yaml:"port" json:"port"`
	CORSOrigins   []string `yaml:"cors_origins,omitempty" json:"corsOrigins,omitempty"`
	DashboardToken string  `yaml:"dashboard_api_token,omitempty" json:"-"`
	AllowRemote   bool     `yaml:"allow_remote,omitempty" json:"allowRemote,omitempty"`
}

// SchedulerConfig configures the ticker's catch-up behavior.
type SchedulerConfig struct {
	CatchupWindowMinutes int `yaml:"catchup_window_minutes" json:"catchupWindowMinutes"`
}

// RetentionConfig bounds how many terminal runs StateStore keeps.
type RetentionConfig struct {
	MaxRetainedRuns int `yaml:"max_retained_runs" json:"maxRetainedRuns"`
}

// StorageConfig selects and locates the StateStore backend.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "memory" | "sqlite"
	DataDir string `yaml:"data_dir" json:"dataDir"`
}

// VaultConfig configures the secure input vault.
type VaultConfig struct {
	MasterKey string `yaml:"master_key,omitempty" json:"-"`
}

// LogConfig mirrors internal/logging.Config in YAML-friendly form.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config is pipelined's complete configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty" json:"version,omitempty"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Vault     VaultConfig     `yaml:"vault,omitempty" json:"-"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// Default returns the baseline configuration, matching spec.md's named
// environment-variable defaults (PORT=8787, catch-up window=15 minutes).
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Port:        8787,
			CORSOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173", "null"},
		},
		Scheduler: SchedulerConfig{CatchupWindowMinutes: 15},
		Retention: RetentionConfig{MaxRetainedRuns: 500},
		Storage:   StorageConfig{Backend: "sqlite", DataDir: defaultDataDir()},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("PIPELINER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipeliner"
	}
	return home + "/.pipeliner"
}

// Load builds a Config the same way Default/loadFromFile/loadFromEnv/
// Validate are layered in the teacher's internal/config package: file
// values override defaults, environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("pconfig: load %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pconfig: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadFromEnv overrides with the environment variables spec.md names
// verbatim: PORT, CORS_ORIGINS, DASHBOARD_API_TOKEN,
// SCHEDULER_CATCHUP_WINDOW_MINUTES.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.Server.CORSOrigins = parts
	}
	if v := os.Getenv("DASHBOARD_API_TOKEN"); v != "" {
		c.Server.DashboardToken = v
	}
	if v := os.Getenv("SCHEDULER_CATCHUP_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.CatchupWindowMinutes = clampCatchup(n)
		}
	}
	if v := os.Getenv("PIPELINER_MASTER_KEY"); v != "" {
		c.Vault.MasterKey = v
	}
	if v := os.Getenv("PIPELINER_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("PIPELINER_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if os.Getenv("PIPELINER_ALLOW_REMOTE") == "true" {
		c.Server.AllowRemote = true
	}

	envLog := logging.FromEnv()
	if os.Getenv("PIPELINER_LOG_LEVEL") != "" || os.Getenv("PIPELINER_DEBUG") != "" {
		c.Log.Level = levelName(envLog.Level)
	}
	if envLog.Format == logging.FormatText {
		c.Log.Format = "text"
	}
}

func levelName(l interface{ String() string }) string {
	return strings.ToLower(l.String())
}

func clampCatchup(n int) int {
	if n < 0 {
		return 0
	}
	if n > 720 {
		return 720
	}
	return n
}

// Validate enforces the invariants the rest of the module assumes hold.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Retention.MaxRetainedRuns < 1 {
		return fmt.Errorf("retention.max_retained_runs must be >= 1")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("storage.backend must be memory or sqlite, got %q", c.Storage.Backend)
	}
	if c.Scheduler.CatchupWindowMinutes < 0 || c.Scheduler.CatchupWindowMinutes > 720 {
		return fmt.Errorf("scheduler.catchup_window_minutes out of range [0,720]")
	}
	return nil
}

// ShutdownGrace is how long the daemon waits for in-flight runs to notice
// cancellation during graceful shutdown.
const ShutdownGrace = 10 * time.Second
