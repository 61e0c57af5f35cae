// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// childSignalGuard scopes child-termination signal delivery around a
// synchronous helper process. A host embedding the engine may watch
// SIGCHLD to reap its own children; while the guard is held those
// notifications are diverted here so the helper's exit status is
// consumed by our wait, and release restores the prior delivery on
// every exit path.
type childSignalGuard struct {
	ch chan os.Signal
}

// holdChildSignals installs the guard. Pair with release, usually:
//
//	defer holdChildSignals().release()
func holdChildSignals() *childSignalGuard {
	g := &childSignalGuard{ch: make(chan os.Signal, 1)}
	signal.Notify(g.ch, unix.SIGCHLD)
	return g
}

func (g *childSignalGuard) release() {
	signal.Stop(g.ch)
}
