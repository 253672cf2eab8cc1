// Package config holds sboxd runtime configuration.
//
// Values are layered: DefaultConfig, then an optional YAML file, then
// SBOXD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. SBOXD_KERNEL_VERSION.
const EnvPrefix = "SBOXD"

// Config holds sboxd runtime configuration.
type Config struct {
	// DataDir is the base directory for sboxd runtime data.
	DataDir string `yaml:"data_dir" split_words:"true"`

	// WorkDir holds the kernel binary and its config.json.
	WorkDir string `yaml:"work_dir" split_words:"true"`

	// SocketPath is the unix socket path for the sboxd API.
	SocketPath string `yaml:"socket_path" split_words:"true"`

	// DBPath is the path to the SQLite registry.
	DBPath string `yaml:"db_path" split_words:"true"`

	// LogsDir receives kernel output logs.
	LogsDir string `yaml:"logs_dir" split_words:"true"`

	Log          LogConfig          `yaml:"log" split_words:"true"`
	Kernel       KernelConfig       `yaml:"kernel" split_words:"true"`
	Fetch        FetchConfig        `yaml:"fetch" split_words:"true"`
	Proxy        ProxyConfig        `yaml:"proxy" split_words:"true"`
	Subscription SubscriptionConfig `yaml:"subscription" split_words:"true"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level       string `yaml:"level" split_words:"true"`
	Development bool   `yaml:"development" split_words:"true"`
	File        string `yaml:"file" split_words:"true"`
}

// KernelConfig describes the supervised kernel and where to get it.
type KernelConfig struct {
	// ConfigName is the kernel configuration file name inside WorkDir.
	ConfigName string `yaml:"config_name" split_words:"true"`

	// ReleaseURL is the base URL that release artifacts are appended to.
	ReleaseURL string `yaml:"release_url" split_words:"true"`

	// Mirrors are URL prefixes placed in front of the full release URL,
	// tried in order after the primary source.
	Mirrors []string `yaml:"mirrors" split_words:"true"`

	// Image is an OCI reference tried as the last source. Empty disables it.
	Image string `yaml:"image" split_words:"true"`

	// Version pins a release ("1.10.1"). Empty means latest.
	Version string `yaml:"version" split_words:"true"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" split_words:"true"`
	StopGrace    time.Duration `yaml:"stop_grace" split_words:"true"`
	KillTimeout  time.Duration `yaml:"kill_timeout" split_words:"true"`

	// StableAfter is how long a kernel must run before its crash count resets.
	StableAfter time.Duration `yaml:"stable_after" split_words:"true"`

	// AutoRestart restarts a crashed kernel, at most MaxCrashRestarts times
	// in a row.
	AutoRestart      bool          `yaml:"auto_restart" split_words:"true"`
	MaxCrashRestarts int           `yaml:"max_crash_restarts" split_words:"true"`
	RestartBackoff   time.Duration `yaml:"restart_backoff" split_words:"true"`
}

// FetchConfig tunes outbound HTTP.
type FetchConfig struct {
	UserAgent     string        `yaml:"user_agent" split_words:"true"`
	SourceTimeout time.Duration `yaml:"source_timeout" split_words:"true"`
	Retries       int           `yaml:"retries" split_words:"true"`
	RetryWait     time.Duration `yaml:"retry_wait" split_words:"true"`
}

// ProxyConfig holds the values written into the kernel configuration.
type ProxyConfig struct {
	ListenAddr   string   `yaml:"listen_addr" split_words:"true"`
	ListenPort   int      `yaml:"listen_port" split_words:"true"`
	TunAddresses []string `yaml:"tun_addresses" split_words:"true"`
	TunStack     string   `yaml:"tun_stack" split_words:"true"`

	ClashController  string `yaml:"clash_controller" split_words:"true"`
	ClashUI          string `yaml:"clash_ui" split_words:"true"`
	ClashUIURL       string `yaml:"clash_ui_url" split_words:"true"`
	ClashUIDetour    string `yaml:"clash_ui_detour" split_words:"true"`
	ClashDefaultMode string `yaml:"clash_default_mode" split_words:"true"`
}

// SubscriptionConfig enables periodic subscription refresh when both fields are set.
type SubscriptionConfig struct {
	URL     string        `yaml:"url" split_words:"true"`
	Refresh time.Duration `yaml:"refresh" split_words:"true"`
	// Cron, when set, replaces Refresh with a 5-field cron schedule.
	Cron string `yaml:"cron" split_words:"true"`
}

// DefaultConfig returns the default configuration with all paths resolved.
func DefaultConfig() *Config {
	c := baseConfig()
	c.resolvePaths()
	return c
}

// baseConfig returns defaults with derived paths left empty so that a
// DataDir override moves everything under it.
func baseConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(homeDir, ".sboxd"),
		Log: LogConfig{
			Level: "info",
		},
		Kernel: KernelConfig{
			ConfigName:       "config.json",
			ReleaseURL:       "https://github.com/SagerNet/sing-box/releases/latest/download",
			Image:            "ghcr.io/sagernet/sing-box:latest",
			ReadyTimeout:     3 * time.Second,
			StopGrace:        5 * time.Second,
			KillTimeout:      3 * time.Second,
			StableAfter:      10 * time.Second,
			MaxCrashRestarts: 3,
			RestartBackoff:   2 * time.Second,
		},
		Fetch: FetchConfig{
			SourceTimeout: 2 * time.Minute,
			Retries:       2,
			RetryWait:     time.Second,
		},
		Proxy: ProxyConfig{
			ListenAddr:       "0.0.0.0",
			ListenPort:       2080,
			TunAddresses:     []string{"172.18.0.1/30", "fdfe:dcba:9876::1/126"},
			TunStack:         "mixed",
			ClashController:  "127.0.0.1:9090",
			ClashUI:          "metacubexd",
			ClashDefaultMode: "rule",
		},
	}
}

// DefaultFilePath returns the config file consulted when none is given.
func DefaultFilePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sboxd", "sboxd.yaml")
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment. An empty path reads DefaultFilePath if it exists; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	c := baseConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFilePath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) resolvePaths() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.DataDir, "sing-box")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "sboxd.sock")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "data", "sboxd.db")
	}
	if c.LogsDir == "" {
		c.LogsDir = filepath.Join(c.DataDir, "data", "logs")
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is empty")
	}
	if c.Proxy.ListenPort <= 0 || c.Proxy.ListenPort > 65535 {
		return fmt.Errorf("config: proxy.listen_port %d out of range", c.Proxy.ListenPort)
	}
	if c.Kernel.StopGrace <= 0 || c.Kernel.KillTimeout <= 0 {
		return errors.New("config: kernel stop_grace and kill_timeout must be positive")
	}
	if c.Fetch.SourceTimeout <= 0 {
		return errors.New("config: fetch.source_timeout must be positive")
	}
	if c.Fetch.Retries < 0 {
		return errors.New("config: fetch.retries cannot be negative")
	}
	return nil
}

// ConfigPath is the kernel configuration file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.WorkDir, c.Kernel.ConfigName)
}

// KernelBinary is the path the installed kernel executable is promoted to.
func (c *Config) KernelBinary() string {
	return filepath.Join(c.WorkDir, KernelExecutable(runtime.GOOS))
}

// KernelExecutable is the kernel executable file name on goos.
func KernelExecutable(goos string) string {
	if goos == "windows" {
		return "sing-box.exe"
	}
	return "sing-box"
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.WorkDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.DBPath),
		c.LogsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
