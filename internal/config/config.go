// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level Dyno configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Permissions map[string]string `mapstructure:"permissions"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Store       StoreConfig       `mapstructure:"store"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
}

// ServerConfig controls how the gateway listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AgentConfig holds conversation-loop defaults.
type AgentConfig struct {
	DefaultModel  string `mapstructure:"default_model"`
	MaxIterations int    `mapstructure:"max_iterations"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	MaxChildren   int    `mapstructure:"max_children"`
	DataDir       string `mapstructure:"data_dir"`
}

// PricingConfig sets per-million-token prices used for running cost estimates.
type PricingConfig struct {
	InputPerMTok  float64 `mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok"`
}

// StoreConfig selects the sqlite database file backing memories and metrics.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DashboardConfig points at the dashboard the ui capabilities talk to.
type DashboardConfig struct {
	LayoutURL       string `mapstructure:"layout_url"`
	PermissionsFile string `mapstructure:"permissions_file"`
}

// SetDefaults installs every default value on the given viper instance.
// The permission defaults mirror the agent's shipped tool table; anything
// not listed resolves to manual.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("agent.default_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("agent.max_iterations", 15)
	v.SetDefault("agent.max_tokens", 8192)
	v.SetDefault("agent.max_children", 5)
	v.SetDefault("agent.data_dir", "data")
	v.SetDefault("pricing.input_per_mtok", 3.0)
	v.SetDefault("pricing.output_per_mtok", 15.0)
	v.SetDefault("store.path", "data/dyno.db")
	v.SetDefault("dashboard.layout_url", "http://localhost:3000/api/layout")
	v.SetDefault("dashboard.permissions_file", "data/config/tool-permissions.json")
	v.SetDefault("permissions", defaultPermissions())
}

// SetupEnv binds the DYNO_ environment prefix.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("DYNO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func defaultPermissions() map[string]string {
	return map[string]string{
		"write_file":      "auto",
		"modify_file":     "auto",
		"install_package": "manual",
		"read_file":       "auto",
		"list_files":      "auto",
		"fetch_url":       "auto",
		"db_query":        "auto",
		"db_insert":       "auto",
		"db_update":       "auto",
		"db_delete":       "manual",
	}
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix DYNO_).
func Load(path string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, dynoerr.Errorf(dynoerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, dynoerr.Errorf(dynoerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validatePermissions()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error

	if c.Agent.DefaultModel == "" {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue, "config: agent.default_model must not be empty"))
	}

	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: agent.max_iterations must be greater than 0, got %d", c.Agent.MaxIterations))
	}

	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: agent.max_tokens must be greater than 0, got %d", c.Agent.MaxTokens))
	}

	if c.Agent.MaxChildren <= 0 {
		errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
			"config: agent.max_children must be greater than 0, got %d", c.Agent.MaxChildren))
	}

	return errs
}

func (c *Config) validatePermissions() []error {
	var errs []error

	for name, mode := range c.Permissions {
		if mode != "auto" && mode != "manual" {
			errs = append(errs, dynoerr.Errorf(dynoerr.CodeConfigValidateInvalidValue,
				"config: permissions.%s must be auto or manual, got %q", name, mode))
		}
	}

	return errs
}
