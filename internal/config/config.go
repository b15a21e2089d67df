package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device       DeviceConfig       `yaml:"device"`
	Tuning       TuningConfig       `yaml:"tuning"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Metrics      struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

type DeviceConfig struct {
	Backend string       `yaml:"backend"`
	Limits  LimitsConfig `yaml:"limits"`
}

// LimitsConfig overrides the limits the device reports. Zero values keep the
// device's own figures.
type LimitsConfig struct {
	MaxWorkgroupInvocations int    `yaml:"maxWorkgroupInvocations"`
	MaxWorkgroupSize        [3]int `yaml:"maxWorkgroupSize"`
	MaxWorkgroupCount       [3]int `yaml:"maxWorkgroupCount"`
}

type TuningConfig struct {
	Enabled            bool   `yaml:"enabled"`
	StorePath          string `yaml:"storePath"`
	StrictDeviceLimits bool   `yaml:"strictDeviceLimits"`
	UseDefaults        bool   `yaml:"useDefaults"`
	// Force re-searches shapes even when a persistent tier has them.
	Force              bool   `yaml:"force"`
}

type CapabilitiesConfig struct {
	ExecTime   float32 `yaml:"execTime"`
	PowerUsage float32 `yaml:"powerUsage"`
	// Override is the runtime property form "<execTime>,<powerUsage>" and wins
	// over the two fields above when set.
	Override string `yaml:"override"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Device.Backend = "cpu"
	cfg.Tuning.Enabled = true
	cfg.Tuning.UseDefaults = true
	cfg.Tuning.StorePath = filepath.Join(GetDefaultConfigHome(), "tuning.yaml")
	cfg.Capabilities.ExecTime = 0.8
	cfg.Capabilities.PowerUsage = 0.8
	return cfg
}

// GetDefaultConfigHome returns ~/.nngpu, or a relative .nngpu when the home
// directory cannot be determined.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nngpu"
	}
	return filepath.Join(home, ".nngpu")
}

// LoadConfig reads a YAML file on top of Default().
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	config.Tuning.StorePath = ExpandHome(config.Tuning.StorePath)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (c *Config) Validate() error {
	if c.Device.Backend != "cpu" {
		return fmt.Errorf("unsupported device backend %q", c.Device.Backend)
	}
	l := c.Device.Limits
	if l.MaxWorkgroupInvocations < 0 {
		return fmt.Errorf("device.limits.maxWorkgroupInvocations must not be negative")
	}
	for i := 0; i < 3; i++ {
		if l.MaxWorkgroupSize[i] < 0 || l.MaxWorkgroupCount[i] < 0 {
			return fmt.Errorf("device.limits axis %d must not be negative", i)
		}
	}
	if c.Capabilities.Override != "" {
		if _, _, err := ParseCapabilityOverride(c.Capabilities.Override); err != nil {
			return err
		}
	}
	return nil
}

// Performance returns the exec-time and power figures reported to schedulers,
// honouring the override property.
func (c *CapabilitiesConfig) Performance() (execTime, powerUsage float32) {
	if c.Override != "" {
		if e, p, err := ParseCapabilityOverride(c.Override); err == nil {
			return e, p
		}
	}
	return c.ExecTime, c.PowerUsage
}

// ParseCapabilityOverride parses "<execTime>,<powerUsage>".
func ParseCapabilityOverride(s string) (float32, float32, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("capability override %q: want \"<execTime>,<powerUsage>\"", s)
	}
	e, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 32)
	if err != nil {
		return 0, 0, fmt.Errorf("capability override exec time: %w", err)
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 32)
	if err != nil {
		return 0, 0, fmt.Errorf("capability override power usage: %w", err)
	}
	return float32(e), float32(p), nil
}
