package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/g960059/nfcbridge/internal/hostproto"
)

// Environment overrides applied after the file.
const (
	EnvSocket   = "NFCBRIDGE_SOCKET"
	EnvDB       = "NFCBRIDGE_DB"
	EnvHostPath = "NFCBRIDGE_HOST_PATH"
)

// DefaultOrigin is passed to the host as its first argument, the way a
// browser names the calling extension.
const DefaultOrigin = "nfcbridge://nfcbridged/"

type Config struct {
	SocketPath    string        `yaml:"socket_path"`
	DBPath        string        `yaml:"db_path"`
	ClientVersion string        `yaml:"client_version"`
	Host          HostConfig    `yaml:"host"`
	Timing        TimingConfig  `yaml:"timing"`
	History       HistoryConfig `yaml:"history"`
	Log           LogConfig     `yaml:"log"`
	Metrics       MetricsConfig `yaml:"metrics"`
	NATS          NATSConfig    `yaml:"nats"`
}

// HostConfig describes how to launch the card reader host process.
type HostConfig struct {
	Path     string   `yaml:"path"`
	Args     []string `yaml:"args"`
	Framing  string   `yaml:"framing"`
	MaxFrame int      `yaml:"max_frame"`
}

type TimingConfig struct {
	StableAfter        time.Duration `yaml:"stable_after"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	WatchdogInterval   time.Duration `yaml:"watchdog_interval"`
	WatchdogCheckDelay time.Duration `yaml:"watchdog_check_delay"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
}

// HistoryConfig bounds the card read history. Retention 0 keeps everything.
type HistoryConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath: defaultSocketPath(),
		DBPath:     defaultDBPath(),
		Host: HostConfig{
			Path:     "nfc-host",
			Args:     []string{DefaultOrigin},
			Framing:  string(hostproto.FramingLines),
			MaxFrame: hostproto.DefaultMaxFrame,
		},
		Timing: TimingConfig{
			StableAfter:        5 * time.Second,
			ReconnectDelay:     2 * time.Second,
			MaxReconnects:      3,
			WatchdogInterval:   2 * time.Second,
			WatchdogCheckDelay: 200 * time.Millisecond,
			WatchdogTimeout:    30 * time.Second,
			StoreTimeout:       5 * time.Second,
		},
		History: HistoryConfig{
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Log:  LogConfig{Level: "info"},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "nfcbridge.push"},
	}
}

// Load returns DefaultConfig overlaid with the YAML file at path and the
// environment. A missing file is not an error. .env files in the working
// directory are loaded first and never override the process environment;
// ${VAR} references in the file are expanded.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	loadEnvFiles()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			slog.Warn("load env file", "file", name, "error", err)
		}
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvSocket)); v != "" {
		cfg.SocketPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDB)); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHostPath)); v != "" {
		cfg.Host.Path = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SocketPath) == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.Host.Path) == "" {
		errs = append(errs, errors.New("host.path is required"))
	}
	if _, err := hostproto.ParseFraming(c.Host.Framing); err != nil {
		errs = append(errs, fmt.Errorf("host.framing: %w", err))
	}
	if c.Host.MaxFrame <= 0 {
		errs = append(errs, errors.New("host.max_frame must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"timing.stable_after":         c.Timing.StableAfter,
		"timing.reconnect_delay":      c.Timing.ReconnectDelay,
		"timing.watchdog_interval":    c.Timing.WatchdogInterval,
		"timing.watchdog_check_delay": c.Timing.WatchdogCheckDelay,
		"timing.watchdog_timeout":     c.Timing.WatchdogTimeout,
		"timing.store_timeout":        c.Timing.StoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Timing.MaxReconnects < 0 {
		errs = append(errs, errors.New("timing.max_reconnects must not be negative"))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must not be negative"))
	}
	if c.History.Retention > 0 && c.History.PurgeInterval <= 0 {
		errs = append(errs, errors.New("history.purge_interval must be positive when retention is set"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "nfcbridge.yaml"
	}
	return filepath.Join(dir, "nfcbridge", "config.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "nfcbridge", "nfcbridged.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nfcbridged.sock"
	}
	return filepath.Join(home, ".local", "state", "nfcbridge", "nfcbridged.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nfcbridge.db"
	}
	return filepath.Join(home, ".local", "state", "nfcbridge", "state.db")
}
