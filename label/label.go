// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"fmt"
	"strings"

	"github.com/polydir-project/polydir/ruleset"
)

// Error wraps a failure of the label subsystem: an unreadable
// directory label, a missing caller label, or a policy computation
// that has no answer. Label failures are fatal to provisioning.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("label: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver computes the labels a rule's instance directory must carry.
type Resolver interface {
	// Active reports whether the label subsystem is enabled at all.
	// When false, Resolve is never consulted and SetLabel is never
	// called.
	Active() bool

	// ContextBased reports whether the session requested a label
	// transition (the caller's exec label is set). When false,
	// context and level rules degrade to user rules at parse time.
	ContextBased() bool

	// Resolve returns the instance label and the original
	// directory's label for a rule. For MethodUser the instance
	// label is empty: the instance inherits the original label.
	Resolve(rule *ruleset.Rule) (inst, orig string, err error)

	// Raw translates a label to its storable raw form, suitable for
	// embedding in an instance directory name.
	Raw(label string) (string, error)

	// SetLabel applies a label to the directory open at fd.
	SetLabel(fd int, label string) error
}

// Disabled is the no-op resolver for hosts without a label subsystem.
type Disabled struct{}

func (Disabled) Active() bool       { return false }
func (Disabled) ContextBased() bool { return false }

func (Disabled) Resolve(*ruleset.Rule) (string, string, error) { return "", "", nil }

func (Disabled) Raw(label string) (string, error) { return label, nil }

func (Disabled) SetLabel(int, string) error { return nil }

// Context is a parsed security label of the conventional
// user:role:type[:range] form. The range is everything after the
// third colon and may itself contain colons.
type Context struct {
	User  string
	Role  string
	Type  string
	Range string
}

// ParseContext splits a label into its components.
func ParseContext(label string) (Context, error) {
	parts := strings.SplitN(label, ":", 4)
	if len(parts) < 3 {
		return Context{}, fmt.Errorf("malformed label %q", label)
	}
	ctx := Context{User: parts[0], Role: parts[1], Type: parts[2]}
	if len(parts) == 4 {
		ctx.Range = parts[3]
	}
	return ctx, nil
}

// String reassembles the label.
func (c Context) String() string {
	s := c.User + ":" + c.Role + ":" + c.Type
	if c.Range != "" {
		s += ":" + c.Range
	}
	return s
}

// WithRange returns a copy of the context with only the sensitivity
// range replaced. Used for level-method instancing, which preserves
// the rest of the original directory's label.
func (c Context) WithRange(r string) Context {
	c.Range = r
	return c
}
