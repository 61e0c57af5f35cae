// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/polydir-project/polydir/ruleset"
)

// securityXattr is the extended attribute carrying a file's security
// label.
const securityXattr = "security.selinux"

// execAttrPath exposes the label the caller asked the kernel to run
// its next exec under. Empty when no transition was requested.
const execAttrPath = "/proc/thread-self/attr/exec"

// XattrResolver resolves labels from filesystem security xattrs and
// derives instance labels from the caller's exec label.
type XattrResolver struct {
	policy    *Policy
	execLabel string
	enabled   bool
}

// NewXattrResolver probes the label subsystem and captures the
// caller's exec label once. policy may be nil, in which case
// context-method rules fail at resolution (level and user rules are
// unaffected).
func NewXattrResolver(policy *Policy) *XattrResolver {
	return &XattrResolver{
		policy:    policy,
		execLabel: readExecLabel(),
		enabled:   labelFSEnabled(),
	}
}

// labelFSEnabled reports whether the kernel has a label-aware security
// module active, judged by the presence of the policy filesystem.
func labelFSEnabled() bool {
	fi, err := os.Stat("/sys/fs/selinux")
	return err == nil && fi.IsDir()
}

// readExecLabel returns the caller's pending exec label, or "" when
// no transition is requested or the attribute is unreadable.
func readExecLabel() string {
	data, err := os.ReadFile(execAttrPath)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\x00\n")
}

func (r *XattrResolver) Active() bool { return r.enabled }

func (r *XattrResolver) ContextBased() bool { return r.execLabel != "" }

// Resolve reads the original directory's label and derives the
// instance label per the rule's method.
func (r *XattrResolver) Resolve(rule *ruleset.Rule) (string, string, error) {
	orig, err := getLabel(rule.Dir)
	if err != nil {
		return "", "", &Error{Op: "reading label of " + rule.Dir, Err: err}
	}

	switch rule.Method {
	case ruleset.MethodUser, ruleset.MethodTempDir, ruleset.MethodTempFS, ruleset.MethodNone:
		// The instance inherits the original label unchanged.
		return "", orig, nil
	case ruleset.MethodContext, ruleset.MethodLevel:
	}

	if r.execLabel == "" {
		return "", "", &Error{Op: "resolving caller label", Err: fmt.Errorf("no exec label set")}
	}
	execCtx, err := ParseContext(r.execLabel)
	if err != nil {
		return "", "", &Error{Op: "parsing caller label", Err: err}
	}
	origCtx, err := ParseContext(orig)
	if err != nil {
		return "", "", &Error{Op: "parsing label of " + rule.Dir, Err: err}
	}

	switch rule.Method {
	case ruleset.MethodContext:
		member, ok := r.policy.Member(execCtx.Type, origCtx.Type)
		if !ok {
			return "", "", &Error{
				Op:  "computing member label for " + rule.Dir,
				Err: fmt.Errorf("policy has no member for (%s, %s)", execCtx.Type, origCtx.Type),
			}
		}
		inst := Context{
			User:  origCtx.User,
			Role:  origCtx.Role,
			Type:  member,
			Range: execCtx.Range,
		}
		return inst.String(), orig, nil

	case ruleset.MethodLevel:
		return origCtx.WithRange(execCtx.Range).String(), orig, nil
	}

	return "", "", &Error{Op: "resolving " + rule.Dir, Err: fmt.Errorf("unexpected method %v", rule.Method)}
}

// Raw returns the storable form of a label. Labels read from xattrs
// are already raw; any human-readable translation suffix added by an
// MLS translator is not reproduced here.
func (r *XattrResolver) Raw(lbl string) (string, error) {
	if lbl == "" {
		return "", &Error{Op: "translating label", Err: fmt.Errorf("empty label")}
	}
	return lbl, nil
}

// SetLabel applies a label to the directory open at fd. Operating on
// the descriptor keeps label application on the exact inode that was
// created, even if the path has since been swapped.
func (r *XattrResolver) SetLabel(fd int, lbl string) error {
	if err := unix.Fsetxattr(fd, securityXattr, []byte(lbl), 0); err != nil {
		return &Error{Op: "setting label", Err: err}
	}
	return nil
}

// getLabel reads a path's security label.
func getLabel(path string) (string, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Getxattr(path, securityXattr, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(buf[:n]), "\x00"), nil
	}
}
