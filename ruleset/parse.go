// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package ruleset

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"strconv"
	"strings"
)

// tmpdirTemplate is the placeholder suffix appended to a tmpdir rule's
// instance prefix, consumed by the unique-directory creation step.
const tmpdirTemplate = "XXXXXX"

// ParseError describes a malformed rule-file line. With lenient
// parsing the line is dropped and the error only logged; otherwise the
// first ParseError aborts the parse and discards the whole rule set.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rule file line %d: %s", e.Line, e.Reason)
}

// Options configures rule-file parsing for one session.
type Options struct {
	// User is the session user name, substituted for $USER in
	// instance prefixes.
	User string

	// Home is the session user's home directory, substituted for a
	// $HOME directory field and for $HOME in instance prefixes.
	Home string

	// LookupUID resolves an account name from a rule's uid list to a
	// numeric uid. Nil uses the system user database. Numeric entries
	// are accepted without lookup.
	LookupUID func(name string) (uint32, error)

	// Lenient drops malformed lines with a warning instead of
	// failing the parse.
	Lenient bool

	// LabelActive reports whether the security-label subsystem is
	// usable. When false, context and level rules degrade to user.
	LabelActive bool

	// Logger receives per-line warnings. Nil discards them.
	Logger *slog.Logger
}

func (o *Options) lookupUID(name string) (uint32, error) {
	if id, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(id), nil
	}
	if o.LookupUID != nil {
		return o.LookupUID(name)
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("non-numeric uid %q for user %s", u.Uid, name)
	}
	return uint32(id), nil
}

// Parse reads a rule file and returns the rules in file order. On the
// first malformed line it returns a *ParseError and no rules, unless
// opts.Lenient is set, in which case malformed lines are skipped.
func Parse(r io.Reader, opts Options) (RuleSet, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var rules RuleSet
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		rule, err := parseLine(scanner.Text(), lineno, &opts, logger)
		if err != nil {
			if opts.Lenient {
				logger.Warn("skipping malformed rule line",
					"line", lineno,
					"error", err,
				)
				continue
			}
			return nil, err
		}
		if rule != nil {
			rules = append(rules, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return rules, nil
}

// parseLine turns one rule-file line into a Rule. It returns (nil,
// nil) for blank and comment-only lines.
func parseLine(line string, lineno int, opts *Options, logger *slog.Logger) (*Rule, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	// Only the uid list may be absent; anything beyond it is ignored.
	switch len(fields) {
	case 1:
		return nil, &ParseError{lineno, "missing instance prefix"}
	case 2:
		return nil, &ParseError{lineno, "missing method"}
	}

	dir := fields[0]
	prefix := fields[1]

	// The session user's home directory stands in for $HOME so one
	// rule can isolate every user's home. $USER and $HOME expand as
	// substrings inside the instance prefix.
	if dir == "$HOME" {
		dir = opts.Home
	}
	prefix = strings.ReplaceAll(prefix, "$USER", opts.User)
	prefix = strings.ReplaceAll(prefix, "$HOME", opts.Home)

	method, err := ParseMethod(fields[2], opts.LabelActive)
	if err != nil {
		return nil, &ParseError{lineno, err.Error()}
	}

	if err := validatePath(dir, true); err != nil {
		return nil, &ParseError{lineno, fmt.Sprintf("directory: %v", err)}
	}
	if err := validatePath(prefix, method != MethodTempFS); err != nil {
		return nil, &ParseError{lineno, fmt.Sprintf("instance prefix: %v", err)}
	}

	if method == MethodTempDir {
		if len(prefix)+len(tmpdirTemplate) >= MaxPathLen {
			return nil, &ParseError{lineno, "instance prefix leaves no room for the tmpdir suffix"}
		}
		prefix += tmpdirTemplate
	}

	rule := &Rule{
		Dir:            dir,
		InstancePrefix: prefix,
		Method:         method,
	}

	if len(fields) >= 4 {
		list := fields[3]
		if strings.HasPrefix(list, "~") {
			rule.Exclusive = true
			list = list[1:]
		}
		for _, name := range strings.Split(list, ",") {
			uid, err := opts.lookupUID(name)
			if err != nil {
				// An unknown account must not lock the whole rule
				// file; the entry is dropped.
				logger.Error("unknown user in rule uid list",
					"line", lineno,
					"user", name,
				)
				continue
			}
			rule.OverrideUIDs = append(rule.OverrideUIDs, uid)
		}
	}

	return rule, nil
}
