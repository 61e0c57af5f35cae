// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the engine configuration for polydir binaries.
//
// Configuration comes from a single YAML file named by the --config
// flag or the POLYDIR_CONFIG environment variable. There is no
// discovery chain: a session-establishment component must behave
// identically on every invocation, so hidden overrides are ruled out.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default paths used when the config file leaves them unset.
const (
	DefaultRuleFile = "/etc/security/namespace.conf"
	DefaultStateDB  = "/run/polydir/sessions.db"
)

// Config is the engine configuration.
type Config struct {
	// RuleFile is the polyinstantiation rule file.
	RuleFile string `yaml:"rule_file"`

	// InitHook is the instance init hook executable. Empty uses the
	// engine's conventional default location.
	InitHook string `yaml:"init_hook"`

	// LabelPolicy is the member-transition policy file for
	// context-method rules. Empty disables member computation.
	LabelPolicy string `yaml:"label_policy"`

	// StateDB is the SQLite database carrying per-session rule sets
	// between the open and close invocations.
	StateDB string `yaml:"state_db"`

	// UnmountMode selects the default teardown-at-setup behavior:
	// "", "remount", or "unmount-only".
	UnmountMode string `yaml:"unmount_mode"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the file named by POLYDIR_CONFIG, or returns the
// defaults when the variable is unset.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv("POLYDIR_CONFIG")
	if path == "" {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) validate() error {
	switch c.UnmountMode {
	case "", "remount", "unmount-only":
	default:
		return fmt.Errorf("unknown unmount_mode %q (want remount or unmount-only)", c.UnmountMode)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RuleFile == "" {
		c.RuleFile = DefaultRuleFile
	}
	if c.StateDB == "" {
		c.StateDB = DefaultStateDB
	}
}
