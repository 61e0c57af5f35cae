// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/polydir-project/polydir/instance"
	"github.com/polydir-project/polydir/label"
	"github.com/polydir-project/polydir/ruleset"
	"github.com/polydir-project/polydir/session"
)

// UnmountMode selects what Setup does about instances a previous
// session may have left mounted on a rule's directory.
type UnmountMode int

const (
	// NoUnmount performs pure setup: existing mounts are left alone.
	NoUnmount UnmountMode = iota

	// UnmountRemount unmounts any existing instance, then mounts a
	// fresh one.
	UnmountRemount

	// UnmountOnly unmounts existing instances without mounting new
	// ones.
	UnmountOnly
)

// ModeFromFlags maps the session option bits to an UnmountMode.
// UnmountOnly wins when both are given.
func ModeFromFlags(f session.Flags) UnmountMode {
	switch {
	case f.Has(session.FlagUnmountOnly):
		return UnmountOnly
	case f.Has(session.FlagUnmountRemount):
		return UnmountRemount
	}
	return NoUnmount
}

// Config assembles an Orchestrator.
type Config struct {
	// Session carries the authenticated user, option flags, and the
	// parsed rule set.
	Session *session.Context

	// RequesterName is the identity that requested this session (the
	// host's remote-user item). Empty, or unresolvable, falls back
	// to the real uid of the calling process.
	RequesterName string

	// LookupUID resolves RequesterName. Nil uses the system user
	// database.
	LookupUID func(name string) (uint32, error)

	// Store receives the rule set at detachment and yields it back
	// at teardown.
	Store session.Store

	// StoreKey is the host-supplied session identifier.
	StoreKey string

	// Labels resolves and applies instance labels. Nil means
	// label.Disabled.
	Labels label.Resolver

	// Provisioner creates instance directories. Required for Setup.
	Provisioner *instance.Provisioner

	// Mounter performs mount-table operations. Nil means SysMounter.
	Mounter Mounter

	// Logger receives progress and debug traces. Nil discards them.
	Logger *slog.Logger
}

// Orchestrator drives namespace setup at session start and teardown
// at session end.
type Orchestrator struct {
	sess        *session.Context
	requester   string
	lookupUID   func(string) (uint32, error)
	store       session.Store
	storeKey    string
	labels      label.Resolver
	provisioner *instance.Provisioner
	mounter     Mounter
	logger      *slog.Logger

	// lockThread pins the calling goroutine to its OS thread.
	// Replaceable in tests; runtime.LockOSThread otherwise.
	lockThread func()
}

// New builds an Orchestrator, applying defaults for optional
// collaborators.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sess:        cfg.Session,
		requester:   cfg.RequesterName,
		lookupUID:   cfg.LookupUID,
		store:       cfg.Store,
		storeKey:    cfg.StoreKey,
		labels:      cfg.Labels,
		provisioner: cfg.Provisioner,
		mounter:     cfg.Mounter,
		logger:      cfg.Logger,
	}
	if o.labels == nil {
		o.labels = label.Disabled{}
	}
	if o.mounter == nil {
		o.mounter = SysMounter{}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	o.lockThread = runtime.LockOSThread
	if o.lookupUID == nil {
		o.lookupUID = func(name string) (uint32, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return 0, err
			}
			id, err := strconv.ParseUint(u.Uid, 10, 32)
			if err != nil {
				return 0, fmt.Errorf("non-numeric uid %q", u.Uid)
			}
			return uint32(id), nil
		}
	}
	return o
}

// requesterUID resolves the identity that requested the session,
// falling back to the real uid of this process when the host did not
// supply one (or supplied one the user database does not know).
func (o *Orchestrator) requesterUID() uint32 {
	if o.requester != "" {
		if uid, err := o.lookupUID(o.requester); err == nil {
			return uid
		}
	}
	return uint32(os.Getuid())
}

// Setup establishes the session's namespace. It decides whether any
// rule requires isolation, records the rule set in the session store,
// detaches the mount namespace, and applies every rule in order. On
// failure the remaining rules are skipped, temporary instances are
// swept, and the store slot is cleared.
//
// The calling goroutine is locked to its OS thread before detaching
// and never unlocked: a mount namespace binds to the thread, so the
// caller must start the session's child process from this same
// goroutine for the child to inherit the detached view.
//
// The need-isolation decision uses two identities. A rule overridden
// for the session user normally needs nothing — but when a
// reconciliation mode is requested and the rule is NOT overridden for
// the requesting user, a previously mounted instance is owed an
// unmount even though no new instance will be mounted. This
// dual-identity check is deliberate; do not collapse it to one
// identity.
func (o *Orchestrator) Setup(mode UnmountMode) error {
	sessionUID := o.sess.UID
	reqUID := o.requesterUID()

	o.logger.Debug("evaluating polyinstantiation need",
		"user", o.sess.User,
		"session_uid", sessionUID,
		"requester_uid", reqUID,
		"rules", len(o.sess.Rules),
		"mode", mode,
	)

	need := false
	for _, r := range o.sess.Rules {
		if r.Override(sessionUID) {
			if mode == NoUnmount || r.Override(reqUID) {
				o.logger.Debug("rule overridden for session user", "dir", r.Dir, "uid", sessionUID)
				continue
			}
			// Overridden for the session user but not for the
			// requester: an existing instance must come down.
		}
		need = true
		break
	}
	if !need {
		o.sess.Rules = nil
		o.logger.Debug("nothing to polyinstantiate")
		return nil
	}

	// Record the rule set before the point of no return, so teardown
	// data is accurate even if detachment itself fails mid-way.
	if err := o.store.Set(o.storeKey, o.sess.Rules); err != nil {
		return fmt.Errorf("recording session rules: %w", err)
	}

	// A mount namespace is a property of the OS thread, not the
	// process. Pin the goroutine before detaching and keep it pinned,
	// so every mount below and any child the caller starts afterwards
	// run on the detached thread rather than on whatever thread the
	// scheduler picks next.
	o.lockThread()

	if err := o.mounter.Unshare(); err != nil {
		if clearErr := o.store.Clear(o.storeKey); clearErr != nil {
			o.logger.Error("clearing session rules after unshare failure", "error", clearErr)
		}
		return err
	}

	tempRealized := false
	for _, r := range o.sess.Rules {
		ruleMode := mode
		if r.Override(sessionUID) {
			if mode == NoUnmount || r.Override(reqUID) {
				continue
			}
			ruleMode = UnmountOnly
		}

		o.logger.Debug("applying rule", "dir", r.Dir, "method", r.Method, "rule_mode", ruleMode)

		if ruleMode == UnmountRemount || ruleMode == UnmountOnly {
			if err := o.unmountExisting(r.Dir); err != nil {
				return o.failSetup(err)
			}
		}
		if ruleMode == UnmountOnly {
			continue
		}
		if err := o.applyRule(r); err != nil {
			return o.failSetup(err)
		}
		if r.Method == ruleset.MethodTempDir {
			tempRealized = true
		}
	}

	// Temporary-directory provisioning rewrites the rule's instance
	// prefix to the realized path; persist the updated set so a
	// teardown in another process sweeps the right directories.
	if tempRealized {
		if err := o.store.Set(o.storeKey, o.sess.Rules); err != nil {
			return o.failSetup(fmt.Errorf("recording realized rules: %w", err))
		}
	}
	return nil
}

// failSetup unwinds a partially applied setup: sweep temporary
// instances and release the stored rule set.
func (o *Orchestrator) failSetup(err error) error {
	o.sweepTempDirs()
	if clearErr := o.store.Clear(o.storeKey); clearErr != nil {
		o.logger.Error("clearing session rules after setup failure", "error", clearErr)
	}
	return err
}

// unmountExisting takes down whatever is mounted on dir, first moving
// the working directory out of the way so the unmount neither fails
// nor strands the process in a vanished tree.
func (o *Orchestrator) unmountExisting(dir string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if cwd == dir || strings.HasPrefix(cwd, dir+"/") {
		parent := filepath.Dir(dir)
		o.logger.Debug("working directory is inside mount target, moving", "cwd", cwd, "to", parent)
		if err := os.Chdir(parent); err != nil {
			o.logger.Warn("cannot leave mount target", "dir", parent, "error", err)
		}
	}

	if err := o.mounter.Unmount(dir); err != nil {
		if errors.Is(err, unix.EINVAL) {
			o.logger.Debug("nothing mounted", "dir", dir)
			return nil
		}
		return err
	}
	o.logger.Debug("unmounted", "dir", dir)
	return nil
}

// applyRule provisions and mounts one rule's instance.
func (o *Orchestrator) applyRule(r *ruleset.Rule) error {
	if r.Method == ruleset.MethodTempFS {
		if err := o.mounter.MountTmpFS(r.Dir); err != nil {
			return err
		}
		// The hook runs after the mount so it initializes the fresh
		// filesystem, not the shadowed original.
		return o.provisioner.RunInitHook(r.Dir, "tmpfs", true, o.sess.User)
	}

	var instLabel, origLabel string
	if o.labels.Active() {
		var err error
		instLabel, origLabel, err = o.labels.Resolve(r)
		if err != nil {
			return err
		}
	}

	rawLabel := ""
	if r.Method == ruleset.MethodContext || r.Method == ruleset.MethodLevel {
		var err error
		rawLabel, err = o.labels.Raw(instLabel)
		if err != nil {
			return err
		}
	}

	name, err := instance.Name(r, rawLabel, o.sess.User, o.sess.Flags.Has(session.FlagGenHash))
	if err != nil {
		return err
	}
	ipath := r.InstancePrefix + name

	final, created, err := o.provisioner.Provision(r, ipath, instLabel, origLabel, o.sess.User)
	if err != nil {
		return err
	}
	o.logger.Debug("provisioned instance", "dir", r.Dir, "instance", final, "created", created)

	return o.mounter.BindMount(final, r.Dir)
}

// Teardown restores the session's directories at session end, using
// the rule set recorded by Setup. Unmount failures other than
// "not mounted" are fatal, but the temporary-instance sweep runs
// regardless, and the store slot is always released. With
// FlagNoUnmountOnClose the unmounting is skipped while the sweep and
// the slot release still happen.
func (o *Orchestrator) Teardown() error {
	rules, ok, err := o.store.Get(o.storeKey)
	if err != nil {
		return fmt.Errorf("retrieving session rules: %w", err)
	}
	if !ok {
		o.logger.Debug("no recorded rules, nothing to reset")
		return nil
	}
	o.sess.Rules = rules

	sessionUID := o.sess.UID
	var firstErr error
	if o.sess.Flags.Has(session.FlagNoUnmountOnClose) {
		// The mounts stay, but the session is over: temporary
		// instances and the store slot must still be released.
		o.logger.Debug("unmount on close suppressed")
	} else {
		for _, r := range rules {
			if r.Override(sessionUID) {
				continue
			}
			if err := o.mounter.Unmount(r.Dir); err != nil {
				if errors.Is(err, unix.EINVAL) {
					continue
				}
				firstErr = err
				break
			}
			o.logger.Debug("unmounted", "dir", r.Dir)
		}
	}

	o.sweepTempDirs()

	if err := o.store.Clear(o.storeKey); err != nil {
		o.logger.Error("clearing session rules", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sweepTempDirs removes every temporary instance directory that still
// exists on disk. Best effort: failures are logged, never propagated,
// so one stuck tree does not block the rest of the sweep.
func (o *Orchestrator) sweepTempDirs() {
	for _, r := range o.sess.Rules {
		if r.Method != ruleset.MethodTempDir {
			continue
		}
		if !instance.Exists(r.InstancePrefix) {
			continue
		}
		if err := instance.RemoveTree(r.InstancePrefix); err != nil {
			o.logger.Error("removing temporary instance", "path", r.InstancePrefix, "error", err)
		}
	}
}
