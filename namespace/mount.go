// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MountError reports a failed mount-table operation.
type MountError struct {
	Op   string
	Path string
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Mounter abstracts the mount-table system calls so the orchestrator
// can be exercised without privileges. The kernel-backed
// implementation is [SysMounter].
type Mounter interface {
	// BindMount mounts source onto target read-write.
	BindMount(source, target string) error

	// MountTmpFS mounts a fresh tmpfs onto target.
	MountTmpFS(target string) error

	// Unmount detaches whatever is mounted on target. Returns
	// unix.EINVAL (possibly wrapped) when target is not a mount
	// point; callers treat that as success.
	Unmount(target string) error

	// Unshare detaches the calling thread's mount namespace from its
	// parent. Point of no return: later mounts on that thread are
	// private. Mount namespaces are per OS thread, so the caller must
	// be locked to its thread before invoking this and stay locked
	// for as long as it needs the detached view.
	Unshare() error
}

// SysMounter performs real mount-table operations.
type SysMounter struct{}

func (SysMounter) BindMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return &MountError{Op: "bind-mounting", Path: target, Err: err}
	}
	return nil
}

func (SysMounter) MountTmpFS(target string) error {
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
		return &MountError{Op: "mounting tmpfs on", Path: target, Err: err}
	}
	return nil
}

func (SysMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return &MountError{Op: "unmounting", Path: target, Err: err}
	}
	return nil
}

func (SysMounter) Unshare() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return &MountError{Op: "unsharing mount namespace of", Path: "self", Err: err}
	}
	// Unshare copies the parent's propagation settings; on systems
	// where / is a shared mount, later binds would still leak back.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &MountError{Op: "privatizing mount propagation under", Path: "/", Err: err}
	}
	return nil
}
