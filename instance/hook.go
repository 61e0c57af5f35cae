// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"
)

// DefaultHookPath is the conventional location of the instance init
// hook.
const DefaultHookPath = "/etc/security/namespace.init"

// HookExitError reports an init hook that ran but did not exit zero.
type HookExitError struct {
	Path string
	Code int
}

func (e *HookExitError) Error() string {
	return fmt.Sprintf("init hook %s exited with code %d", e.Path, e.Code)
}

// execAttr is the attribute file holding the pending exec label for
// the current thread. Variable so tests can point it elsewhere.
var execAttr = "/proc/thread-self/attr/exec"

// suppressExecTransition clears any pending exec label so the init
// hook runs in the caller's domain rather than the session's target
// domain. It returns a func restoring the previous state; the calling
// goroutine stays locked to its thread in between, since the attribute
// is per thread.
func suppressExecTransition() func() {
	runtime.LockOSThread()
	raw, err := os.ReadFile(execAttr)
	if err != nil || len(bytes.TrimRight(raw, "\x00\n")) == 0 {
		runtime.UnlockOSThread()
		return func() {}
	}
	if err := os.WriteFile(execAttr, []byte("\n"), 0); err != nil {
		runtime.UnlockOSThread()
		return func() {}
	}
	return func() {
		// Best effort: a failed restore leaves no pending transition,
		// which is the safe direction.
		_ = os.WriteFile(execAttr, raw, 0)
		runtime.UnlockOSThread()
	}
}

// RunInitHook executes the external init hook over a freshly
// provisioned (or reused) instance. A missing hook is not an error; a
// hook that exists but is not executable is a configuration error and
// fatal. The hook receives the original directory, the instance path,
// "1" or "0" for newly created, and the session user name. Any pending
// exec label is reset for the duration of the hook.
func (p *Provisioner) RunInitHook(dir, ipath string, created bool, user string) error {
	hook := p.HookPath
	if hook == "" {
		hook = DefaultHookPath
	}

	if _, err := os.Stat(hook); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("checking init hook: %w", err)
	}
	if err := unix.Access(hook, unix.X_OK); err != nil {
		return fmt.Errorf("init hook %s is present but not executable", hook)
	}

	createdArg := "0"
	if created {
		createdArg = "1"
	}

	defer holdChildSignals().release()
	defer suppressExecTransition()()

	p.logger().Debug("running instance init hook",
		"hook", hook,
		"dir", dir,
		"instance", ipath,
		"created", created,
	)

	cmd := exec.Command(hook, dir, ipath, createdArg, user)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &HookExitError{Path: hook, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("running init hook %s: %w", hook, err)
	}
	return nil
}
