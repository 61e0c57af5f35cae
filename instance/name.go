// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/polydir-project/polydir/ruleset"
)

// MaxNameLen bounds the instance directory's leaf name. Longer names
// are truncated and suffixed with their digest so they stay unique.
const MaxNameLen = 80

// ErrNaming reports a method for which no instance name exists.
var ErrNaming = errors.New("no instance name for method")

// nameDomainKey keys the BLAKE3 digest used for instance names.
// Domain separation keeps these digests distinct from any other
// BLAKE3 use of the same input bytes. The value is the ASCII domain
// name zero-padded to 32 bytes and must never change: instance
// directories of live sessions are found by recomputing their name.
var nameDomainKey = [32]byte{
	'p', 'o', 'l', 'y', 'd', 'i', 'r', '.', 'i', 'n', 's', 't', 'a', 'n', 'c', 'e',
	'.', 'n', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// hexDigest returns the fixed-width hex form of the keyed BLAKE3
// hash of name: 64 characters, always shorter than MaxNameLen.
func hexDigest(name string) string {
	h, err := blake3.NewKeyed(nameDomainKey[:])
	if err != nil {
		// The key is a compile-time constant of the right size.
		panic("instance: blake3 key rejected: " + err.Error())
	}
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))
}

// Name computes the instance directory's leaf name for a rule.
// rawLabel is the storable form of the instance label and is only
// consulted for context and level rules. forceHash replaces the name
// with its digest unconditionally; otherwise hashing only kicks in
// when the name exceeds MaxNameLen.
//
// tmpdir and tmpfs rules have no computed name: the instance path is
// produced by unique directory creation or by the tmpfs mount itself.
func Name(rule *ruleset.Rule, rawLabel, user string, forceHash bool) (string, error) {
	var name string
	switch rule.Method {
	case ruleset.MethodUser:
		name = user
	case ruleset.MethodContext, ruleset.MethodLevel:
		name = rawLabel + "_" + user
	case ruleset.MethodTempDir, ruleset.MethodTempFS:
		return "", nil
	case ruleset.MethodNone:
		return "", fmt.Errorf("%w %v", ErrNaming, rule.Method)
	default:
		return "", fmt.Errorf("%w %v", ErrNaming, rule.Method)
	}

	if forceHash {
		return hexDigest(name), nil
	}
	if len(name) > MaxNameLen {
		hash := hexDigest(name)
		keep := MaxNameLen - 1 - len(hash)
		name = name[:keep] + "_" + hash
	}
	return name, nil
}
