package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LibvirtURI       string
	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool

	EmulatorBinary string
	Privileged     bool

	ProcRoot       string
	SysfsRoot      string
	ChardevLockDir string

	MonitorTimeout     time.Duration
	NamingTimeout      time.Duration
	RefreshInterval    time.Duration
	RefreshConcurrency int
}

// Load reads the configuration from defaults, the optional config file and
// CHVIRT_* environment variables, in increasing precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("libvirt_uri", "ch:///system")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("emulator_binary", "cloud-hypervisor")
	v.SetDefault("privileged", true)
	v.SetDefault("proc_root", "/proc")
	v.SetDefault("sysfs_root", "/sys")
	v.SetDefault("chardev_lock_dir", "/run/chvirt/lock")
	v.SetDefault("monitor_timeout", 5*time.Second)
	v.SetDefault("naming_timeout", 2*time.Second)
	v.SetDefault("refresh_interval", 30*time.Second)
	v.SetDefault("refresh_concurrency", 4)

	v.SetEnvPrefix("chvirt")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		LibvirtURI:         v.GetString("libvirt_uri"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		TelemetryEnabled:   v.GetBool("telemetry_enabled"),
		EmulatorBinary:     v.GetString("emulator_binary"),
		Privileged:         v.GetBool("privileged"),
		ProcRoot:           v.GetString("proc_root"),
		SysfsRoot:          v.GetString("sysfs_root"),
		ChardevLockDir:     v.GetString("chardev_lock_dir"),
		MonitorTimeout:     v.GetDuration("monitor_timeout"),
		NamingTimeout:      v.GetDuration("naming_timeout"),
		RefreshInterval:    v.GetDuration("refresh_interval"),
		RefreshConcurrency: v.GetInt("refresh_concurrency"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	if c.LibvirtURI == "" {
		return errors.New("libvirt uri must not be empty")
	}
	if c.ChardevLockDir == "" {
		return errors.New("chardev lock dir must not be empty")
	}

	if c.MonitorTimeout <= 0 {
		return fmt.Errorf("monitor timeout must be positive, got %s", c.MonitorTimeout)
	}
	if c.NamingTimeout <= 0 {
		return fmt.Errorf("naming timeout must be positive, got %s", c.NamingTimeout)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must not be negative, got %s", c.RefreshInterval)
	}
	if c.RefreshConcurrency <= 0 {
		return fmt.Errorf("refresh concurrency must be positive, got %d", c.RefreshConcurrency)
	}

	return nil
}
