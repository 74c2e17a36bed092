// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for hookdemo.
type Config struct {
	ServiceName  string          `yaml:"service_name" env:"HOOKDEMO_SERVICE_NAME"`
	LogLevel     string          `yaml:"log_level" env:"HOOKDEMO_LOG_LEVEL"`
	Scenario     string          `yaml:"scenario" env:"HOOKDEMO_SCENARIO"`
	ScenarioFile string          `yaml:"scenario_file" env:"HOOKDEMO_SCENARIO_FILE"`
	Engine       EngineConfig    `yaml:"engine"`
	Exporters    ExportersConfig `yaml:"exporters"`
}

// EngineConfig configures the interception engine and the host process whose
// C library exports are instrumented.
type EngineConfig struct {
	Program string        `yaml:"program" env:"HOOKDEMO_ENGINE_PROGRAM"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"` // Upper bound for a single remote call
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

// StdoutConfig controls the structured invocation record exporter. The
// human-readable "[*] ..." lines are always printed by the driver.
type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "hookdemo",
		LogLevel:    "info",
		Scenario:    DefaultScenario(runtime.GOOS),
		Engine: EngineConfig{
			Program: "/bin/true",
			Timeout: 5 * time.Second,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "json",
			},
		},
	}
}

// DefaultScenario picks the built-in scenario matching the OS flavor:
// "windows" on Windows, "posix" everywhere else.
func DefaultScenario(goos string) string {
	if goos == "windows" {
		return "windows"
	}
	return "posix"
}

// ApplyEnvOverrides reads HOOKDEMO_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"HOOKDEMO_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"HOOKDEMO_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"HOOKDEMO_SCENARIO":                func(v string) { c.Scenario = v },
		"HOOKDEMO_SCENARIO_FILE":           func(v string) { c.ScenarioFile = v },
		"HOOKDEMO_ENGINE_PROGRAM":          func(v string) { c.Engine.Program = v },
		"HOOKDEMO_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"HOOKDEMO_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
	}

	boolOverrides := map[string]*bool{
		"HOOKDEMO_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"HOOKDEMO_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	if val := os.Getenv("HOOKDEMO_ENGINE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			c.Engine.Timeout = d
		}
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(s), "yes")
	}
	return b
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Scenario == "" {
		return fmt.Errorf("scenario is required")
	}

	if c.Engine.Program == "" {
		return fmt.Errorf("engine.program is required")
	}

	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	return nil
}
