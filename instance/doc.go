// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance names and provisions the per-session instance
// directories that get bind-mounted over polyinstantiated paths.
//
// Naming is a deterministic function of the rule, the session user,
// and (for label-based methods) the instance label, bounded to a
// filesystem-safe component length by a BLAKE3 digest. Provisioning
// creates the instance directory with the ownership, mode, and label
// the original directory mandates, pinning the created inode by
// descriptor so a concurrent path swap cannot redirect the fixups,
// and runs the host's init hook over the result.
package instance
