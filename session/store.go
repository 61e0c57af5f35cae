// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/polydir-project/polydir/lib/codec"
	"github.com/polydir-project/polydir/ruleset"
)

// Store is the per-session slot carrying a rule set from setup to
// teardown. Each key is written once at successful namespace
// detachment, read once at teardown, and cleared afterwards (or
// cleared immediately when setup fails after the write). Ownership of
// the rule set transfers to the store at Set and back to the caller
// at Get.
type Store interface {
	Set(key string, rules ruleset.RuleSet) error
	Get(key string) (ruleset.RuleSet, bool, error)
	Clear(key string) error
}

// MemoryStore is a process-local Store for hosts that run setup and
// teardown in one process, and for tests. Slots hold the serialized
// form, so Get returns a snapshot of the rules as they were at Set,
// exactly like the SQLite-backed store.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string][]byte)}
}

func (s *MemoryStore) Set(key string, rules ruleset.RuleSet) error {
	data, err := EncodeRules(rules)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[key] = data
	return nil
}

func (s *MemoryStore) Get(key string) (ruleset.RuleSet, bool, error) {
	s.mu.Lock()
	data, ok := s.slots[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	rules, err := DecodeRules(data)
	if err != nil {
		return nil, false, err
	}
	return rules, true, nil
}

func (s *MemoryStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, key)
	return nil
}

// storedRule is the serialized form of a rule. The realized instance
// prefix must survive the trip so tmpdir cleanup at teardown targets
// the directory that was actually created.
type storedRule struct {
	Dir            string   `cbor:"dir"`
	InstancePrefix string   `cbor:"instance_prefix"`
	Method         int      `cbor:"method"`
	OverrideUIDs   []uint32 `cbor:"override_uids,omitempty"`
	Exclusive      bool     `cbor:"exclusive,omitempty"`
}

// EncodeRules serializes a rule set for storage.
func EncodeRules(rules ruleset.RuleSet) ([]byte, error) {
	stored := make([]storedRule, len(rules))
	for i, r := range rules {
		stored[i] = storedRule{
			Dir:            r.Dir,
			InstancePrefix: r.InstancePrefix,
			Method:         int(r.Method),
			OverrideUIDs:   r.OverrideUIDs,
			Exclusive:      r.Exclusive,
		}
	}
	return codec.Marshal(stored)
}

// DecodeRules deserializes a stored rule set, preserving order.
func DecodeRules(data []byte) (ruleset.RuleSet, error) {
	var stored []storedRule
	if err := codec.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	rules := make(ruleset.RuleSet, len(stored))
	for i, s := range stored {
		rules[i] = &ruleset.Rule{
			Dir:            s.Dir,
			InstancePrefix: s.InstancePrefix,
			Method:         ruleset.Method(s.Method),
			OverrideUIDs:   s.OverrideUIDs,
			Exclusive:      s.Exclusive,
		}
	}
	return rules, nil
}
