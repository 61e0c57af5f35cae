// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package ruleset

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxPathLen bounds every path accepted into a Rule. Oversize paths are
// rejected at parse time, never truncated.
const MaxPathLen = 4096

// Method selects how the instance directory for a rule is derived.
type Method int

const (
	// MethodNone marks a rule whose instance must not be cleaned up.
	// The parser never produces it; provisioning downgrades a tmpdir
	// rule to MethodNone when the temporary directory was never
	// created, so the teardown sweep skips it.
	MethodNone Method = iota

	// MethodUser names the instance after the session user.
	MethodUser

	// MethodContext names the instance after the security label the
	// policy computes for the instance, plus the user name. Requires
	// an active label resolver; downgrades to MethodUser otherwise.
	MethodContext

	// MethodLevel is MethodContext with only the sensitivity range of
	// the original directory's label replaced by the caller's range.
	MethodLevel

	// MethodTempDir creates a uniquely suffixed directory from the
	// instance prefix template and removes it at session end.
	MethodTempDir

	// MethodTempFS mounts a fresh tmpfs over the directory; no
	// instance directory exists on disk.
	MethodTempFS
)

// ParseMethod resolves a rule-file method keyword. labelActive reports
// whether the security-label subsystem is usable; when it is not, the
// label-dependent keywords degrade to MethodUser, matching a system
// where no label policy is loaded.
func ParseMethod(keyword string, labelActive bool) (Method, error) {
	switch keyword {
	case "user":
		return MethodUser, nil
	case "tmpdir":
		return MethodTempDir, nil
	case "tmpfs":
		return MethodTempFS, nil
	case "context":
		if labelActive {
			return MethodContext, nil
		}
		return MethodUser, nil
	case "level":
		if labelActive {
			return MethodLevel, nil
		}
		return MethodUser, nil
	}
	return MethodNone, fmt.Errorf("unknown method %q", keyword)
}

// String returns the rule-file keyword for the method. MethodNone has
// no keyword and formats as "none".
func (m Method) String() string {
	switch m {
	case MethodUser:
		return "user"
	case MethodContext:
		return "context"
	case MethodLevel:
		return "level"
	case MethodTempDir:
		return "tmpdir"
	case MethodTempFS:
		return "tmpfs"
	case MethodNone:
		return "none"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Rule is one polyinstantiation entry: a directory to isolate, the
// prefix under which its instances live, the naming method, and the
// set of override uids exempt from (or, with Exclusive, the only ones
// subject to) isolation.
type Rule struct {
	// Dir is the absolute path of the directory to polyinstantiate.
	Dir string

	// InstancePrefix is the absolute path prefix for instance
	// directories. For MethodTempDir it carries the mkdtemp template
	// (ending in XXXXXX) until provisioning realizes it, after which
	// it holds the created path. Unused for MethodTempFS.
	InstancePrefix string

	// Method selects instance naming and creation.
	Method Method

	// OverrideUIDs are the uids named in the rule's uid list.
	OverrideUIDs []uint32

	// Exclusive inverts OverrideUIDs: isolation applies only to the
	// listed uids instead of everyone but them.
	Exclusive bool
}

// Override reports whether isolation is skipped for uid under this
// rule: membership in OverrideUIDs, inverted when Exclusive is set.
func (r *Rule) Override(uid uint32) bool {
	for _, u := range r.OverrideUIDs {
		if u == uid {
			return !r.Exclusive
		}
	}
	return r.Exclusive
}

// RuleSet is an ordered sequence of rules. Order equals rule-file
// order and determines both mount and teardown order.
type RuleSet []*Rule

// Format writes the rule set in canonical rule-file form, one rule per
// line with uids rendered numerically. Parsing the output yields an
// equivalent rule set (uid resolution already applied).
func (rs RuleSet) Format(w io.Writer) error {
	for _, r := range rs {
		prefix := r.InstancePrefix
		switch {
		case r.Method == MethodTempFS && prefix == "":
			prefix = "-"
		case r.Method == MethodTempDir:
			// Parsing appended the mkdtemp template; strip it so a
			// reparse does not append a second one.
			prefix = strings.TrimSuffix(prefix, tmpdirTemplate)
		}
		line := fmt.Sprintf("%s\t%s\t%s", r.Dir, prefix, r.Method)
		if len(r.OverrideUIDs) > 0 || r.Exclusive {
			ids := make([]string, len(r.OverrideUIDs))
			for i, u := range r.OverrideUIDs {
				ids[i] = strconv.FormatUint(uint64(u), 10)
			}
			marker := ""
			if r.Exclusive {
				marker = "~"
			}
			line += "\t" + marker + strings.Join(ids, ",")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// validatePath enforces the bounded-path invariant shared by Dir and
// InstancePrefix: non-empty, under MaxPathLen, absolute (unless
// relaxed for tmpfs prefixes), and free of parent traversal.
func validatePath(path string, requireAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("empty pathname")
	}
	if len(path) >= MaxPathLen {
		return fmt.Errorf("pathname too long (%d bytes)", len(path))
	}
	if requireAbsolute && path[0] != '/' {
		return fmt.Errorf("pathname %q must start with '/'", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("pathname %q must not contain '..'", path)
	}
	return nil
}
