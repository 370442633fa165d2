package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by sandbox.backend
const (
	BackendNative = "native"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// Config represents the application configuration
type Config struct {
	Logging   LoggingConfig       `mapstructure:"logging"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Container ContainerConfig     `mapstructure:"container"`
	Monitor   MonitorConfig       `mapstructure:"monitor"`
	Languages map[string]Language `mapstructure:"languages"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the resource ceilings and access policy applied to every execution
type SandboxConfig struct {
	Backend               string   `mapstructure:"backend"`
	Language              string   `mapstructure:"language"`
	TimeoutSec            int      `mapstructure:"timeout_sec"`
	CPUTimeSec            int      `mapstructure:"cpu_time_sec"`
	MemoryMB              int      `mapstructure:"memory_mb"`
	MaxOpenFiles          int      `mapstructure:"max_open_files"`
	MaxProcesses          int      `mapstructure:"max_processes"`
	MaxThreads            int      `mapstructure:"max_threads"`
	MaxNetworkConnections int      `mapstructure:"max_network_connections"`
	MaxOutputKB           int      `mapstructure:"max_output_kb"`
	AllowedPaths          []string `mapstructure:"allowed_paths"`
	BlockedPaths          []string `mapstructure:"blocked_paths"`
	AllowedDomains        []string `mapstructure:"allowed_domains"`
	BlockedDomains        []string `mapstructure:"blocked_domains"`
	AllowedSyscalls       []string `mapstructure:"allowed_syscalls"`
	BlockedSyscalls       []string `mapstructure:"blocked_syscalls"`
}

// ContainerConfig holds settings for the container runtime path
type ContainerConfig struct {
	ScratchSizeMB int `mapstructure:"scratch_size_mb"`
}

// MonitorConfig holds settings for the real-time resource monitor
type MonitorConfig struct {
	PollInterval  time.Duration    `mapstructure:"poll_interval"`
	HistorySize   int              `mapstructure:"history_size"`
	LogDir        string           `mapstructure:"log_dir"`
	CompressLogs  bool             `mapstructure:"compress_logs"`
	AlertQueueLen int              `mapstructure:"alert_queue_len"`
	Thresholds    ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig holds the alerting thresholds
type ThresholdsConfig struct {
	MaxCPUPercent  float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryMB    float64 `mapstructure:"max_memory_mb"`
	MaxConnections float64 `mapstructure:"max_connections"`
	MaxOpenFiles   float64 `mapstructure:"max_open_files"`
}

// Language describes how code for one language is run
type Language struct {
	Image       string            `mapstructure:"image"`
	Command     string            `mapstructure:"command"`
	Filename    string            `mapstructure:"filename"`
	Environment map[string]string `mapstructure:"environment"`
}

// New loads and validates the application configuration from the default search paths
func New() (*Config, error) {
	return NewFromPath("")
}

// NewFromPath loads configuration, searching dir first when it is not empty
func NewFromPath(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CODEJAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", BackendNative)
	v.SetDefault("sandbox.language", "python")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.cpu_time_sec", 10)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.max_open_files", 64)
	v.SetDefault("sandbox.max_processes", 16)
	v.SetDefault("sandbox.max_threads", 32)
	v.SetDefault("sandbox.max_network_connections", 0)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.allowed_paths", []string{})
	v.SetDefault("sandbox.blocked_paths", []string{"/etc", "/root", "/boot", "/proc", "/sys"})
	v.SetDefault("sandbox.allowed_domains", []string{})
	v.SetDefault("sandbox.blocked_domains", []string{"169.254.169.254", "metadata.google.internal"})
	v.SetDefault("sandbox.allowed_syscalls", []string{})
	v.SetDefault("sandbox.blocked_syscalls", []string{
		"ptrace", "mount", "umount2", "reboot", "kexec_load", "init_module",
		"delete_module", "setns", "unshare", "pivot_root", "chroot", "swapon", "swapoff",
	})

	v.SetDefault("container.scratch_size_mb", 64)

	v.SetDefault("monitor.poll_interval", "1s")
	v.SetDefault("monitor.history_size", 600)
	v.SetDefault("monitor.log_dir", "./execution_logs")
	v.SetDefault("monitor.compress_logs", false)
	v.SetDefault("monitor.alert_queue_len", 64)
	v.SetDefault("monitor.thresholds.max_cpu_percent", 90.0)
	v.SetDefault("monitor.thresholds.max_memory_mb", 512.0)
	v.SetDefault("monitor.thresholds.max_connections", 10.0)
	v.SetDefault("monitor.thresholds.max_open_files", 100.0)

	v.SetDefault("languages.python.image", "python:3.11-slim")
	v.SetDefault("languages.python.command", "python3 -I -u")
	v.SetDefault("languages.python.filename", "main.py")
	v.SetDefault("languages.nodejs.image", "node:20-alpine")
	v.SetDefault("languages.nodejs.command", "node")
	v.SetDefault("languages.nodejs.filename", "index.js")
	v.SetDefault("languages.shell.image", "alpine:3.20")
	v.SetDefault("languages.shell.command", "sh")
	v.SetDefault("languages.shell.filename", "main.sh")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Sandbox.Backend {
	case BackendNative, BackendDocker, BackendPodman:
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.CPUTimeSec < 0 {
		return fmt.Errorf("sandbox.cpu_time_sec must not be negative, got: %d", c.Sandbox.CPUTimeSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxNetworkConnections < 0 {
		return fmt.Errorf("sandbox.max_network_connections must not be negative, got: %d", c.Sandbox.MaxNetworkConnections)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	lang, ok := c.Languages[c.Sandbox.Language]
	if !ok {
		return fmt.Errorf("sandbox.language %q has no entry under languages", c.Sandbox.Language)
	}
	if lang.Command == "" || lang.Filename == "" {
		return fmt.Errorf("languages.%s requires both command and filename", c.Sandbox.Language)
	}

	if c.Container.ScratchSizeMB <= 0 {
		return fmt.Errorf("container.scratch_size_mb must be positive, got: %d", c.Container.ScratchSizeMB)
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive, got: %s", c.Monitor.PollInterval)
	}

	if c.Monitor.HistorySize <= 0 {
		return fmt.Errorf("monitor.history_size must be positive, got: %d", c.Monitor.HistorySize)
	}

	if c.Monitor.LogDir == "" {
		return errors.New("monitor.log_dir must not be empty")
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// UsesContainer reports whether executions are delegated to a container runtime
func (c *Config) UsesContainer() bool {
	return c.Sandbox.Backend == BackendDocker || c.Sandbox.Backend == BackendPodman
}
