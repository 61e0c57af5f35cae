// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// removeTool is the external recursive-remove utility used to clean
// up temporary instance directories. Variable so tests can point it at
// a stub.
var removeTool = "/bin/rm"

// Exists reports whether a path is present on disk.
func Exists(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}

// RemoveTree removes a temporary instance directory recursively via
// the external remove utility. Callers treat failures as best-effort:
// log and continue.
func RemoveTree(path string) error {
	defer holdChildSignals().release()

	cmd := exec.Command(removeTool, "-rf", path)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("removing %s: %s exited with code %d", path, removeTool, exitErr.ExitCode())
		}
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
