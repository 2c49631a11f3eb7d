package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hartwell/airbridge/varmap"
	"gopkg.in/yaml.v3"
)

type UnitConfig struct {
	ID            uuid.UUID `yaml:"id"`
	Host          string    `yaml:"host"`
	TimeoutSecs   int       `yaml:"timeoutSecs"`
	WatchdogSecs  int       `yaml:"watchdogSecs"`
	StaggerMillis int       `yaml:"staggerMillis"`
}

type VariableConfig struct {
	Name        string `yaml:"name"`
	Key         string `yaml:"key"`
	Registers   int    `yaml:"registers"`
	RefreshSecs int    `yaml:"refreshSecs"`
}

type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"clientId"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topicRoot"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type EmulateConfig struct {
	Listen string            `yaml:"listen"`
	Values map[string]string `yaml:"values"`
}

type Config struct {
	Unit      UnitConfig       `yaml:"unit"`
	Variables []VariableConfig `yaml:"variables"`
	MQTT      *MQTTConfig      `yaml:"mqtt"`
	Metrics   *MetricsConfig   `yaml:"metrics"`
	Emulate   *EmulateConfig   `yaml:"emulate"`
}

// Read loads the configuration file, fills defaults and validates it.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	Normalize(&config)
	err = Validate(&config)
	if err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Normalize fills defaults in place. Validation happens separately.
func Normalize(cfg *Config) {
	if cfg.Unit.TimeoutSecs == 0 {
		cfg.Unit.TimeoutSecs = 5
	}
	if cfg.Unit.WatchdogSecs == 0 {
		cfg.Unit.WatchdogSecs = 10
	}
	if cfg.Unit.StaggerMillis == 0 {
		cfg.Unit.StaggerMillis = 500
	}
	if cfg.Emulate != nil && cfg.Unit.Host == "" {
		// under emulation the link dials the simulator
		cfg.Unit.Host = cfg.Emulate.Listen
	}
	if cfg.MQTT != nil && cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "airbridge"
	}
}

// Validate checks a normalized configuration without mutating it.
func Validate(cfg *Config) error {
	if cfg.Emulate != nil && cfg.Emulate.Listen == "" {
		return fmt.Errorf("emulate: listen address is required")
	}
	if cfg.Unit.Host == "" {
		return fmt.Errorf("unit: host is required")
	}
	if cfg.Unit.TimeoutSecs < 0 || cfg.Unit.WatchdogSecs < 0 || cfg.Unit.StaggerMillis < 0 {
		return fmt.Errorf("unit: timing values must not be negative")
	}

	if len(cfg.Variables) == 0 {
		return fmt.Errorf("variables: at least one variable is required")
	}

	// the registry repeats the uniqueness checks at construction; doing them
	// here means a bad file fails as a config error before any wiring happens
	names := make(map[string]bool, len(cfg.Variables))
	keys := make(map[string]bool, len(cfg.Variables))
	for i, v := range cfg.Variables {
		if v.Name == "" {
			return fmt.Errorf("variable %d: name is required", i)
		}
		if v.Key == "" {
			return fmt.Errorf("variable %q: key is required", v.Name)
		}
		if len(v.Key) > varmap.MaxKeyLength {
			return fmt.Errorf("variable %q: key %q exceeds %d characters", v.Name, v.Key, varmap.MaxKeyLength)
		}
		if v.Registers < 1 {
			return fmt.Errorf("variable %q: registers must be positive", v.Name)
		}
		if v.RefreshSecs < 0 {
			return fmt.Errorf("variable %q: refreshSecs must not be negative", v.Name)
		}
		if names[v.Name] {
			return fmt.Errorf("variable %q: duplicate name", v.Name)
		}
		if keys[v.Key] {
			return fmt.Errorf("variable %q: duplicate key %q", v.Name, v.Key)
		}
		names[v.Name] = true
		keys[v.Key] = true
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt: broker is required")
		}
		if cfg.MQTT.TopicRoot == "" {
			return fmt.Errorf("mqtt: topicRoot is required")
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics: listen address is required")
	}

	return nil
}
