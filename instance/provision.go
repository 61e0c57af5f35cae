// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/polydir-project/polydir/label"
	"github.com/polydir-project/polydir/ruleset"
)

// Provisioner creates instance directories with the ownership, mode,
// and label the original directory mandates.
type Provisioner struct {
	// HookPath locates the external init hook. Empty means
	// DefaultHookPath.
	HookPath string

	// Labels applies instance labels. Required; use label.Disabled
	// on unlabeled hosts.
	Labels label.Resolver

	// RelaxedParent skips the mode-000 check on the instance parent
	// directory.
	RelaxedParent bool

	// Logger receives debug traces. Nil discards them.
	Logger *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

// Provision creates or reuses the instance directory for a rule and
// returns its final path and whether it was newly created.
//
// For tmpdir rules ipath is the mkdtemp template carried in the
// rule's instance prefix; the realized path is written back into the
// rule so teardown can find it. A tmpdir whose creation fails has its
// method downgraded to MethodNone so no cleanup targets a path that
// never existed.
//
// Failures after creation remove the just-created directory. A
// reused, pre-existing directory is never removed and never has its
// ownership or label rewritten; only the init hook runs over it.
func (p *Provisioner) Provision(rule *ruleset.Rule, ipath, instLabel, origLabel, user string) (string, bool, error) {
	// The original directory's identity drives every fixup below.
	origStat, err := os.Stat(rule.Dir)
	if err != nil {
		return "", false, fmt.Errorf("stat %s: %w", rule.Dir, err)
	}
	if !origStat.IsDir() {
		return "", false, fmt.Errorf("%s is not a directory", rule.Dir)
	}

	created := true
	if rule.Method == ruleset.MethodTempDir {
		realized, err := makeTempInstance(ipath)
		if err != nil {
			// Nothing was created; make sure no cleanup sweep
			// targets the unexpanded template.
			rule.Method = ruleset.MethodNone
			return "", false, fmt.Errorf("creating temporary instance from %s: %w", ipath, err)
		}
		rule.InstancePrefix = realized
		ipath = realized
		if err := p.checkInstanceParent(ipath); err != nil {
			os.Remove(ipath)
			return "", false, err
		}
	} else {
		if err := p.checkInstanceParent(ipath); err != nil {
			return "", false, err
		}
		// Minimal initial mode; the real mode is copied from the
		// original directory once the inode is pinned.
		if err := os.Mkdir(ipath, 0o400); err != nil {
			if errors.Is(err, fs.ErrExist) {
				p.logger().Debug("reusing existing instance directory", "instance", ipath)
				return ipath, false, p.RunInitHook(rule.Dir, ipath, false, user)
			}
			return "", false, fmt.Errorf("creating %s: %w", ipath, err)
		}
	}

	// Pin the created inode. Everything below operates on the
	// descriptor so a concurrent swap of ipath cannot redirect the
	// label, ownership, or mode fixups.
	fd, err := unix.Open(ipath, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		os.Remove(ipath)
		return "", false, fmt.Errorf("opening %s: %w", ipath, err)
	}
	defer unix.Close(fd)

	if p.Labels.Active() {
		lbl := instLabel
		if lbl == "" {
			lbl = origLabel
		}
		if err := p.Labels.SetLabel(fd, lbl); err != nil {
			os.Remove(ipath)
			return "", false, fmt.Errorf("labeling %s: %w", ipath, err)
		}
	}

	var newStat unix.Stat_t
	if err := unix.Fstat(fd, &newStat); err != nil {
		os.Remove(ipath)
		return "", false, fmt.Errorf("stat %s: %w", ipath, err)
	}

	origSys, ok := origStat.Sys().(*syscall.Stat_t)
	if !ok {
		os.Remove(ipath)
		return "", false, fmt.Errorf("stat %s: unexpected stat type", rule.Dir)
	}
	if newStat.Uid != origSys.Uid || newStat.Gid != origSys.Gid {
		if err := unix.Fchown(fd, int(origSys.Uid), int(origSys.Gid)); err != nil {
			os.Remove(ipath)
			return "", false, fmt.Errorf("chown %s: %w", ipath, err)
		}
	}
	// Copy the full permission bits including setgid and sticky, so
	// an instance of /tmp is itself 1777.
	if err := unix.Fchmod(fd, uint32(origSys.Mode)&0o7777); err != nil {
		os.Remove(ipath)
		return "", false, fmt.Errorf("chmod %s: %w", ipath, err)
	}

	if err := p.RunInitHook(rule.Dir, ipath, created, user); err != nil {
		os.Remove(ipath)
		return "", false, err
	}
	return ipath, created, nil
}

// checkInstanceParent validates the directory that will contain the
// instance: it must exist, be a directory, and carry no permission
// bits, so unprivileged users cannot pre-create or rename sibling
// instances. RelaxedParent lifts the mode requirement only.
func (p *Provisioner) checkInstanceParent(ipath string) error {
	parent := filepath.Dir(ipath)
	st, err := os.Stat(parent)
	if err != nil {
		return fmt.Errorf("stat instance parent %s: %w", parent, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("instance parent %s is not a directory", parent)
	}
	if !p.RelaxedParent && st.Mode().Perm() != 0 {
		return fmt.Errorf("instance parent %s mode is %04o, want 0000", parent, st.Mode().Perm())
	}
	return nil
}

// makeTempInstance atomically creates a uniquely named directory from
// a template ending in XXXXXX.
func makeTempInstance(template string) (string, error) {
	base := filepath.Base(template)
	stem, ok := strings.CutSuffix(base, "XXXXXX")
	if !ok {
		return "", fmt.Errorf("template %s does not end in XXXXXX", template)
	}
	dir, err := os.MkdirTemp(filepath.Dir(template), stem+"*")
	if err != nil {
		return "", err
	}
	return dir, nil
}
