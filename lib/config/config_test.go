// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polydir.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
rule_file: /etc/polydir/rules.conf
init_hook: /etc/polydir/instance-init
label_policy: /etc/polydir/members.jsonc
state_db: /var/lib/polydir/sessions.db
unmount_mode: remount
debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RuleFile != "/etc/polydir/rules.conf" {
		t.Errorf("RuleFile = %q", cfg.RuleFile)
	}
	if cfg.InitHook != "/etc/polydir/instance-init" {
		t.Errorf("InitHook = %q", cfg.InitHook)
	}
	if cfg.LabelPolicy != "/etc/polydir/members.jsonc" {
		t.Errorf("LabelPolicy = %q", cfg.LabelPolicy)
	}
	if cfg.StateDB != "/var/lib/polydir/sessions.db" {
		t.Errorf("StateDB = %q", cfg.StateDB)
	}
	if cfg.UnmountMode != "remount" {
		t.Errorf("UnmountMode = %q", cfg.UnmountMode)
	}
	if !cfg.Debug {
		t.Error("Debug not set")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "debug: false\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RuleFile != DefaultRuleFile {
		t.Errorf("RuleFile = %q, want %q", cfg.RuleFile, DefaultRuleFile)
	}
	if cfg.StateDB != DefaultStateDB {
		t.Errorf("StateDB = %q, want %q", cfg.StateDB, DefaultStateDB)
	}
	if cfg.InitHook != "" {
		t.Errorf("InitHook = %q, want empty", cfg.InitHook)
	}
}

func TestLoadRejectsUnknownUnmountMode(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeConfig(t, "unmount_mode: sideways\n")); err == nil {
		t.Fatal("expected error for unknown unmount_mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnvUnset(t *testing.T) {
	// Mutates the environment, so no t.Parallel.
	t.Setenv("POLYDIR_CONFIG", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.RuleFile != DefaultRuleFile {
		t.Errorf("RuleFile = %q, want %q", cfg.RuleFile, DefaultRuleFile)
	}
}

func TestLoadFromEnvSet(t *testing.T) {
	path := writeConfig(t, "rule_file: /tmp/rules\n")
	t.Setenv("POLYDIR_CONFIG", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.RuleFile != "/tmp/rules" {
		t.Errorf("RuleFile = %q", cfg.RuleFile)
	}
}
