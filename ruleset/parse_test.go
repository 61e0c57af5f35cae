// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package ruleset

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// testLookup resolves a small fixed account table. Numeric entries are
// handled by the parser itself and never reach the lookup.
func testLookup(name string) (uint32, error) {
	table := map[string]uint32{
		"alice": 1001,
		"bob":   1002,
		"carol": 1003,
	}
	uid, ok := table[name]
	if !ok {
		return 0, fmt.Errorf("unknown user %q", name)
	}
	return uid, nil
}

func testOptions() Options {
	return Options{
		User:      "alice",
		Home:      "/home/alice",
		LookupUID: testLookup,
	}
}

func TestParseBasic(t *testing.T) {
	t.Parallel()

	input := `# polyinstantiated directories
/tmp      /tmp/inst/       user
/var/tmp  /var/tmp/inst/   user  alice,bob

  # indented comment and a blank line follow

/opt/data /srv/inst/data   tmpfs
`
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	if rules[0].Dir != "/tmp" || rules[0].InstancePrefix != "/tmp/inst/" {
		t.Errorf("rule 0 paths: %q %q", rules[0].Dir, rules[0].InstancePrefix)
	}
	if rules[0].Method != MethodUser {
		t.Errorf("rule 0 method: %v", rules[0].Method)
	}
	if len(rules[0].OverrideUIDs) != 0 {
		t.Errorf("rule 0 unexpected overrides: %v", rules[0].OverrideUIDs)
	}

	if got := rules[1].OverrideUIDs; len(got) != 2 || got[0] != 1001 || got[1] != 1002 {
		t.Errorf("rule 1 overrides: %v", got)
	}
	if rules[1].Exclusive {
		t.Error("rule 1 should not be exclusive")
	}

	if rules[2].Method != MethodTempFS {
		t.Errorf("rule 2 method: %v", rules[2].Method)
	}
}

func TestParseHomeAndUserSubstitution(t *testing.T) {
	t.Parallel()

	input := "$HOME /var/inst/$USER.inst/ user\n"
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rules[0].Dir != "/home/alice" {
		t.Errorf("Dir = %q, want /home/alice", rules[0].Dir)
	}
	if rules[0].InstancePrefix != "/var/inst/alice.inst/" {
		t.Errorf("InstancePrefix = %q", rules[0].InstancePrefix)
	}
}

func TestParseTmpdirTemplate(t *testing.T) {
	t.Parallel()

	input := "$HOME /home/alice/.inst_ tmpdir\n"
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rules[0].Method != MethodTempDir {
		t.Fatalf("method = %v, want tmpdir", rules[0].Method)
	}
	if rules[0].InstancePrefix != "/home/alice/.inst_XXXXXX" {
		t.Errorf("InstancePrefix = %q, want /home/alice/.inst_XXXXXX", rules[0].InstancePrefix)
	}
}

func TestParseExclusiveList(t *testing.T) {
	t.Parallel()

	input := "/tmp /tmp/inst/ user ~alice\n"
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := rules[0]
	if !r.Exclusive {
		t.Fatal("expected exclusive rule")
	}
	if !r.Override(1002) {
		t.Error("non-listed uid should be overridden (skipped) under exclusive")
	}
	if r.Override(1001) {
		t.Error("listed uid should not be overridden under exclusive")
	}
}

func TestParseUnknownUserDropped(t *testing.T) {
	t.Parallel()

	input := "/tmp /tmp/inst/ user alice,nobody-here,bob\n"
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("unknown user must not fail the parse: %v", err)
	}
	if got := rules[0].OverrideUIDs; len(got) != 2 || got[0] != 1001 || got[1] != 1002 {
		t.Errorf("OverrideUIDs = %v, want [1001 1002]", got)
	}
}

func TestParseNumericUIDs(t *testing.T) {
	t.Parallel()

	input := "/tmp /tmp/inst/ user 0,1001\n"
	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := rules[0].OverrideUIDs; len(got) != 2 || got[0] != 0 || got[1] != 1001 {
		t.Errorf("OverrideUIDs = %v, want [0 1001]", got)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"missing prefix", "/tmp\n"},
		{"missing method", "/tmp /tmp/inst/\n"},
		{"bad method", "/tmp /tmp/inst/ quantum\n"},
		{"relative dir", "tmp /tmp/inst/ user\n"},
		{"relative prefix", "/tmp tmp/inst/ user\n"},
		{"dotdot dir", "/tmp/../etc /tmp/inst/ user\n"},
		{"dotdot prefix", "/tmp /tmp/../inst/ user\n"},
		{"oversize dir", "/" + strings.Repeat("a", MaxPathLen) + " /tmp/inst/ user\n"},
		{"tmpdir no room", "/tmp /" + strings.Repeat("a", MaxPathLen-5) + " tmpdir\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rules, err := Parse(strings.NewReader(tc.input), testOptions())
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if rules != nil {
				t.Errorf("rule set must be discarded on fatal parse error, got %v", rules)
			}

			// The same line is tolerated with lenient parsing.
			opts := testOptions()
			opts.Lenient = true
			rules, err = Parse(strings.NewReader(tc.input), opts)
			if err != nil {
				t.Fatalf("lenient parse should not fail: %v", err)
			}
			if len(rules) != 0 {
				t.Errorf("lenient parse should drop the line, got %v", rules)
			}
		})
	}
}

func TestParseContextWithoutLabelSubsystem(t *testing.T) {
	t.Parallel()

	input := "/tmp /tmp/inst/ context\n/var/tmp /var/tmp/inst/ level\n"

	rules, err := Parse(strings.NewReader(input), testOptions())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i, r := range rules {
		if r.Method != MethodUser {
			t.Errorf("rule %d: method = %v, want user fallback", i, r.Method)
		}
	}

	opts := testOptions()
	opts.LabelActive = true
	rules, err = Parse(strings.NewReader(input), opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rules[0].Method != MethodContext || rules[1].Method != MethodLevel {
		t.Errorf("methods = %v %v, want context level", rules[0].Method, rules[1].Method)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	t.Parallel()

	input := `/tmp /tmp/inst/ user
/var/tmp /var/tmp/inst/ user ~alice,bob
/opt/cache /srv/inst/cache/ user carol
/scratch /scratch-pool/ tmpfs
/dev/shm /dev/shm/.inst_ tmpdir
`
	opts := testOptions()
	first, err := Parse(strings.NewReader(input), opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// The tmpdir prefix gains the mkdtemp template exactly once, even
	// across a format/reparse cycle.
	if got := first[len(first)-1].InstancePrefix; got != "/dev/shm/.inst_XXXXXX" {
		t.Fatalf("tmpdir prefix = %q", got)
	}

	var formatted strings.Builder
	if err := first.Format(&formatted); err != nil {
		t.Fatalf("Format: %v", err)
	}

	second, err := Parse(strings.NewReader(formatted.String()), opts)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("rule count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.Dir != b.Dir || a.InstancePrefix != b.InstancePrefix ||
			a.Method != b.Method || a.Exclusive != b.Exclusive {
			t.Errorf("rule %d changed: %+v vs %+v", i, a, b)
		}
		if len(a.OverrideUIDs) != len(b.OverrideUIDs) {
			t.Errorf("rule %d uid count changed", i)
			continue
		}
		for j := range a.OverrideUIDs {
			if a.OverrideUIDs[j] != b.OverrideUIDs[j] {
				t.Errorf("rule %d uid %d changed", i, j)
			}
		}
	}
}
