// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/polydir-project/polydir/ruleset"
)

func testRules() ruleset.RuleSet {
	return ruleset.RuleSet{
		{
			Dir:            "/tmp",
			InstancePrefix: "/tmp/inst/",
			Method:         ruleset.MethodUser,
			OverrideUIDs:   []uint32{0, 1001},
		},
		{
			Dir:            "/home/alice",
			InstancePrefix: "/home/alice/.inst_a1b2c3",
			Method:         ruleset.MethodTempDir,
		},
		{
			Dir:            "/scratch",
			InstancePrefix: "/scratch-pool",
			Method:         ruleset.MethodTempFS,
			OverrideUIDs:   []uint32{1002},
			Exclusive:      true,
		},
	}
}

func assertRulesEqual(t *testing.T, got, want ruleset.RuleSet) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("rule count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(*got[i], *want[i]) {
			t.Errorf("rule %d = %+v, want %+v", i, *got[i], *want[i])
		}
	}
}

func TestEncodeDecodeRules(t *testing.T) {
	t.Parallel()

	want := testRules()
	data, err := EncodeRules(want)
	if err != nil {
		t.Fatalf("EncodeRules: %v", err)
	}

	// Deterministic encoding: same rules, same bytes.
	again, err := EncodeRules(testRules())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Error("encoding is not deterministic")
	}

	got, err := DecodeRules(data)
	if err != nil {
		t.Fatalf("DecodeRules: %v", err)
	}
	assertRulesEqual(t, got, want)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	want := testRules()

	if err := store.Set("session-1", want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get("session-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	assertRulesEqual(t, got, want)

	if _, ok, _ := store.Get("session-2"); ok {
		t.Error("unexpected hit for unknown key")
	}

	if err := store.Clear("session-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get("session-1"); ok {
		t.Error("key survived Clear")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	want := testRules()
	if err := store.Set("session-1", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := store.Get("session-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	assertRulesEqual(t, got, want)

	// Overwrite replaces the slot.
	replacement := ruleset.RuleSet{{
		Dir:            "/var/tmp",
		InstancePrefix: "/var/tmp/inst/",
		Method:         ruleset.MethodUser,
	}}
	if err := store.Set("session-1", replacement); err != nil {
		t.Fatal(err)
	}
	got, ok, err = store.Get("session-1")
	if err != nil || !ok {
		t.Fatalf("Get after overwrite = %v, %v", ok, err)
	}
	assertRulesEqual(t, got, replacement)

	if err := store.Clear("session-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get("session-1"); ok {
		t.Error("key survived Clear")
	}

	// A second store over the same file sees what the first wrote,
	// the cross-process teardown path.
	if err := store.Set("session-2", want); err != nil {
		t.Fatal(err)
	}
	other, err := OpenSQLiteStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	got, ok, err = other.Get("session-2")
	if err != nil || !ok {
		t.Fatalf("cross-store Get = %v, %v", ok, err)
	}
	assertRulesEqual(t, got, want)
}
