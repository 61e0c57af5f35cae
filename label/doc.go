// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// Package label computes and applies the security labels carried by
// polyinstantiated directories and their instances.
//
// The label subsystem is optional. Hosts without mandatory access
// control use [Disabled], under which the rule parser degrades
// context and level rules to user rules and no labels are touched.
// On labeled systems [XattrResolver] reads the original directory's
// label from its security xattr, derives the instance label per the
// rule's method, and applies it to the instance directory by
// descriptor.
package label
