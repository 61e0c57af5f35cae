// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package ruleset defines the polyinstantiation rule model and parses
// the line-oriented rule file that declares which directories receive
// per-session instances.
//
// A rule file contains one rule per line:
//
//	<directory> <instance_prefix> <method> [uid_list]
//
// '#' starts a comment, blank lines are ignored. The method is one of
// user, context, level, tmpdir, or tmpfs. The optional uid_list is a
// comma-separated list of account names; a leading '~' inverts it so
// isolation applies only to the listed accounts.
//
// Rule order is significant: instances are bind-mounted in file order,
// and torn down in the same order.
package ruleset
