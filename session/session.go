// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/polydir-project/polydir/ruleset"
)

// Flags is the session option set, parsed from the option strings the
// host passes at session start and end.
type Flags uint32

const (
	// FlagDebug enables debug logging.
	FlagDebug Flags = 1 << iota

	// FlagGenHash replaces every computed instance name with its
	// digest.
	FlagGenHash

	// FlagIgnoreConfigErrors drops malformed rule lines instead of
	// failing the parse.
	FlagIgnoreConfigErrors

	// FlagIgnoreInstanceParentMode tolerates instance parents whose
	// mode is not 000.
	FlagIgnoreInstanceParentMode

	// FlagUnmountRemount unmounts any existing instance before
	// mounting a fresh one at setup.
	FlagUnmountRemount

	// FlagUnmountOnly unmounts existing instances at setup without
	// mounting new ones.
	FlagUnmountOnly

	// FlagRequireLabel fails the session when the label subsystem is
	// not active.
	FlagRequireLabel

	// FlagNoUnmountOnClose suppresses all teardown unmounting, for
	// trusted callers whose child process owns the session's
	// namespace while the parent performs the close.
	FlagNoUnmountOnClose
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// ParseOptions parses host-supplied option strings. Unknown options
// are rejected: an operator typo in a session security setting must
// be loud, not silently inert.
func ParseOptions(args []string) (Flags, error) {
	var flags Flags
	for _, arg := range args {
		switch arg {
		case "debug":
			flags |= FlagDebug
		case "gen_hash":
			flags |= FlagGenHash
		case "ignore_config_error":
			flags |= FlagIgnoreConfigErrors
		case "ignore_instance_parent_mode":
			flags |= FlagIgnoreInstanceParentMode
		case "unmnt_remnt":
			flags |= FlagUnmountRemount
		case "unmnt_only":
			flags |= FlagUnmountOnly
		case "require_label":
			flags |= FlagRequireLabel
		case "no_unmount_on_close":
			flags |= FlagNoUnmountOnClose
		default:
			return 0, fmt.Errorf("unknown session option %q", arg)
		}
	}
	return flags, nil
}

// Context is the per-session state of the polyinstantiation engine.
// It is created at session start, handed across to session end via a
// Store, and destroyed after teardown.
type Context struct {
	// User is the authenticated session user name.
	User string

	// UID is the session user's numeric id.
	UID uint32

	// Flags holds the parsed session options.
	Flags Flags

	// Rules is the session's rule set, owned by the Context until
	// handed to the store.
	Rules ruleset.RuleSet
}
