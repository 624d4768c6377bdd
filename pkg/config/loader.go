package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML configuration file under configDir.
const ConfigFileName = "jtag.yaml"

// jtagYAML is the on-disk shape of jtag.yaml. Durations are strings
// ("2s", "500ms") parsed during resolution.
type jtagYAML struct {
	Instance    string `yaml:"instance"`
	Environment string `yaml:"environment"`

	Server struct {
		Port     int `yaml:"port"`
		UIPort   int `yaml:"ui_port"`
		TestPort int `yaml:"test_port"`
	} `yaml:"server"`

	Fallback struct {
		URL string `yaml:"url"`
	} `yaml:"fallback"`

	Router struct {
		DedupWindow  string `yaml:"dedup_window"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"router"`

	Transport struct {
		QueueCapacity int `yaml:"queue_capacity"`
	} `yaml:"transport"`

	StateDir string `yaml:"state_dir"`
}

// Initialize loads, merges, and validates configuration. configDir may be
// empty or missing the YAML file entirely; defaults plus environment
// variables then decide everything.
//
// Steps performed:
//  1. Read jtag.yaml if present
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML and merge over built-in defaults
//  4. Apply environment variable overrides
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Defaults()

	if configDir != "" {
		path := filepath.Join(configDir, ConfigFileName)
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debug("No configuration file; using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		default:
			fileCfg, err := parseYAML(ExpandEnv(data))
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging configuration: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"instance", cfg.Instance,
		"environment", cfg.Environment,
		"port", cfg.ActivePort())
	return cfg, nil
}

// parseYAML converts the file shape into a partial Config carrying only the
// fields the file actually set.
func parseYAML(data []byte) (Config, error) {
	var raw jtagYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Instance:       raw.Instance,
		Environment:    raw.Environment,
		ServerPort:     raw.Server.Port,
		UIPort:         raw.Server.UIPort,
		TestServerPort: raw.Server.TestPort,
		FallbackURL:    raw.Fallback.URL,
		QueueCapacity:  raw.Transport.QueueCapacity,
		StateBase:      raw.StateDir,
	}

	var err error
	if cfg.DedupWindow, err = parseDuration("router.dedup_window", raw.Router.DedupWindow); err != nil {
		return Config{}, err
	}
	if cfg.DrainTimeout, err = parseDuration("router.drain_timeout", raw.Router.DrainTimeout); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	return d, nil
}

// applyEnvOverrides lets the process environment win over file and defaults.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvVarNodeEnv); v != "" {
		if v == EnvTest {
			cfg.Environment = EnvTest
		} else {
			cfg.Environment = EnvProduction
		}
	}
	if v := os.Getenv(EnvVarInstance); v != "" {
		cfg.Instance = v
	}
	for _, override := range []struct {
		name string
		dst  *int
	}{
		{EnvVarServerPort, &cfg.ServerPort},
		{EnvVarUIPort, &cfg.UIPort},
		{EnvVarTestServerPort, &cfg.TestServerPort},
	} {
		v := os.Getenv(override.name)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", override.name, v)
		}
		*override.dst = port
	}
	return nil
}
