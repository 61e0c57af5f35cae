// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Policy answers member-label queries for context-method rules: given
// the caller's process type and the original directory's type, which
// type does the instance directory carry. It stands in for the access
// control policy's directory-class member computation.
//
// The policy file is JSON with comments permitted:
//
//	{
//	    // sandboxed shells get private tmp instances
//	    "members": [
//	        {"process": "user_t", "target": "tmp_t", "member": "user_tmp_t"}
//	    ]
//	}
type Policy struct {
	members map[memberKey]string
}

type memberKey struct {
	process string
	target  string
}

type policyFile struct {
	Members []struct {
		Process string `json:"process"`
		Target  string `json:"target"`
		Member  string `json:"member"`
	} `json:"members"`
}

// LoadPolicy reads a member-transition policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading label policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy text (JSON, comments allowed).
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parsing label policy: %w", err)
	}

	p := &Policy{members: make(map[memberKey]string, len(file.Members))}
	for i, m := range file.Members {
		if m.Process == "" || m.Target == "" || m.Member == "" {
			return nil, fmt.Errorf("label policy member %d: process, target and member are all required", i)
		}
		p.members[memberKey{m.Process, m.Target}] = m.Member
	}
	return p, nil
}

// Member returns the instance type for a (process type, target type)
// pair, or false when the policy has no entry for the pair.
func (p *Policy) Member(process, target string) (string, bool) {
	if p == nil {
		return "", false
	}
	member, ok := p.members[memberKey{process, target}]
	return member, ok
}
