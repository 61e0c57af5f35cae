// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace orchestrates the mount-namespace lifecycle of a
// polyinstantiated session.
//
// At session start the orchestrator decides whether any rule requires
// isolation for this user, records the rule set in the session store,
// detaches the process's mount namespace from its parent, and
// bind-mounts each rule's instance directory over the shared path in
// rule order. At session end it unmounts in the same order and sweeps
// temporary instances. Partial failures unwind: temporary instance
// directories created during a failed setup are removed before the
// error is surfaced.
package namespace
