// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package session carries per-session state across the open→close
// boundary: the authenticated user, the option flags, and the rule
// set that was mounted at session start and must be unmounted at
// session end.
//
// The rule set is handed to a [Store] keyed by a host-supplied
// session identifier. [MemoryStore] serves hosts that keep the engine
// in one process; [SQLiteStore] persists rule sets through polydir's
// state database so a close invocation in a different process can
// retrieve what open recorded.
package session
