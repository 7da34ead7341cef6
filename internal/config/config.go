// Package config loads hearth's settings: defaults, then an optional TOML
// file named by HEARTH_CONFIG, then HEARTH_* environment overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "hearth.db"
	defaultRuntime        = "wasm"
	defaultPolicy         = "per_worker"
	defaultBoundary       = "new_window"
	defaultTick           = 10 * time.Millisecond
	defaultSampleInterval = 10 * time.Millisecond

	envConfigFile     = "HEARTH_CONFIG"
	envListenAddr     = "HEARTH_LISTEN_ADDR"
	envDBPath         = "HEARTH_DB_PATH"
	envLogLevel       = "HEARTH_LOG_LEVEL"
	envDefaultRuntime = "HEARTH_DEFAULT_RUNTIME"
	envMainModule     = "HEARTH_MAIN_MODULE"
	envPolicy         = "HEARTH_POLICY"
	envCPUBudget      = "HEARTH_CPU_BUDGET"
	envWallClock      = "HEARTH_WALL_CLOCK_LIMIT"
	envBoundary       = "HEARTH_BOUNDARY"
	envTick           = "HEARTH_SUPERVISOR_TICK"
	envMemoryPages    = "HEARTH_WASM_MEMORY_PAGES"
	envSampleInterval = "HEARTH_WASM_SAMPLE_INTERVAL"
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	DefaultRuntime string

	// MainModule is a wasm file booted as the main worker. Empty disables it.
	MainModule string

	Supervisor Supervisor
	Wasm       Wasm
}

// Supervisor holds the default governance policy for user workers.
type Supervisor struct {
	Policy         string        // per_worker or per_request
	CPUBudget      time.Duration // 0 means unlimited
	WallClockLimit time.Duration // 0 means unlimited
	Boundary       string        // new_window or old_window
	Tick           time.Duration
}

// Wasm holds wazero engine settings.
type Wasm struct {
	MemoryLimitPages uint32
	SampleInterval   time.Duration
}

type fileConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	DBPath         string `toml:"db_path"`
	LogLevel       string `toml:"log_level"`
	DefaultRuntime string `toml:"default_runtime"`
	MainModule     string `toml:"main_module"`

	Supervisor struct {
		Policy         string `toml:"policy"`
		CPUBudget      string `toml:"cpu_budget"`
		WallClockLimit string `toml:"wall_clock_limit"`
		Boundary       string `toml:"boundary"`
		Tick           string `toml:"tick"`
	} `toml:"supervisor"`

	Wasm struct {
		MemoryLimitPages uint32 `toml:"memory_limit_pages"`
		SampleInterval   string `toml:"sample_interval"`
	} `toml:"wasm"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		DefaultRuntime: defaultRuntime,
		Supervisor: Supervisor{
			Policy:   defaultPolicy,
			Boundary: defaultBoundary,
			Tick:     defaultTick,
		},
		Wasm: Wasm{
			SampleInterval: defaultSampleInterval,
		},
	}
}

// Load builds the configuration from defaults, the optional file and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	setString(&cfg.ListenAddr, raw.ListenAddr, meta.IsDefined("listen_addr"))
	setString(&cfg.DBPath, raw.DBPath, meta.IsDefined("db_path"))
	setString(&cfg.DefaultRuntime, raw.DefaultRuntime, meta.IsDefined("default_runtime"))
	setString(&cfg.MainModule, raw.MainModule, meta.IsDefined("main_module"))
	if meta.IsDefined("log_level") {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}

	sv := raw.Supervisor
	setString(&cfg.Supervisor.Policy, sv.Policy, meta.IsDefined("supervisor", "policy"))
	setString(&cfg.Supervisor.Boundary, sv.Boundary, meta.IsDefined("supervisor", "boundary"))
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"cpu_budget", sv.CPUBudget, &cfg.Supervisor.CPUBudget},
		{"wall_clock_limit", sv.WallClockLimit, &cfg.Supervisor.WallClockLimit},
		{"tick", sv.Tick, &cfg.Supervisor.Tick},
	}
	for _, d := range durations {
		if !meta.IsDefined("supervisor", d.key) {
			continue
		}
		if err := parseDuration(d.dst, d.raw); err != nil {
			return fmt.Errorf("parse supervisor.%s: %w", d.key, err)
		}
	}

	if meta.IsDefined("wasm", "memory_limit_pages") {
		cfg.Wasm.MemoryLimitPages = raw.Wasm.MemoryLimitPages
	}
	if meta.IsDefined("wasm", "sample_interval") {
		if err := parseDuration(&cfg.Wasm.SampleInterval, raw.Wasm.SampleInterval); err != nil {
			return fmt.Errorf("parse wasm.sample_interval: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDefaultRuntime); v != "" {
		cfg.DefaultRuntime = v
	}
	if v := os.Getenv(envMainModule); v != "" {
		cfg.MainModule = v
	}
	if v := os.Getenv(envPolicy); v != "" {
		cfg.Supervisor.Policy = v
	}
	if v := os.Getenv(envBoundary); v != "" {
		cfg.Supervisor.Boundary = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envCPUBudget, &cfg.Supervisor.CPUBudget},
		{envWallClock, &cfg.Supervisor.WallClockLimit},
		{envTick, &cfg.Supervisor.Tick},
		{envSampleInterval, &cfg.Wasm.SampleInterval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			if err := parseDuration(d.dst, v); err != nil {
				return fmt.Errorf("parse %s: %w", d.env, err)
			}
		}
	}

	if v := os.Getenv(envMemoryPages); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envMemoryPages, err)
		}
		cfg.Wasm.MemoryLimitPages = uint32(n)
	}
	return nil
}

func setString(dst *string, v string, defined bool) {
	if v = strings.TrimSpace(v); defined && v != "" {
		*dst = v
	}
}

func parseDuration(dst *time.Duration, s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %s", d)
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
