// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

// polydir establishes and tears down polyinstantiated directory
// namespaces for login sessions.
//
// Usage:
//
//	polydir open [flags] --session <id> --user <name> -- <command> [args...]
//	polydir close [flags] --session <id> --user <name>
//	polydir check [flags] --user <name>
//	polydir version
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/polydir-project/polydir/instance"
	"github.com/polydir-project/polydir/label"
	"github.com/polydir-project/polydir/lib/config"
	"github.com/polydir-project/polydir/lib/version"
	"github.com/polydir-project/polydir/namespace"
	"github.com/polydir-project/polydir/ruleset"
	"github.com/polydir-project/polydir/session"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "open":
		err = openCmd(args)
	case "close":
		err = closeCmd(args)
	case "check":
		err = checkCmd(args)
	case "version", "--version", "-v":
		fmt.Printf("polydir %s\n", version.Info())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`polydir - Per-session private instances of shared directories

USAGE
    polydir <command> [flags]

COMMANDS
    open     Set up the session namespace and run a command inside it
    close    Tear down a session recorded by open
    check    Parse the rule file and print the canonical rule set
    version  Show version

EXAMPLES
    # Give a shell a private /tmp per the rule file
    polydir open --session login-42 --user alice -- bash

    # Sweep a session whose process died without closing
    polydir close --session login-42 --user alice

    # Validate the rule file for a user
    polydir check --user alice

ENVIRONMENT
    POLYDIR_CONFIG  Path to the engine configuration file
    POLYDIR_DEBUG   Enable debug logging
`)
}

// commonFlags carries the flags shared by the subcommands. Each
// boolean maps to one session option so hosts that pass option
// strings and operators typing flags reach the same Flags bits.
type commonFlags struct {
	configPath string
	rulesPath  string
	sessionID  string
	userName   string
	requester  string

	debug         bool
	genHash       bool
	lenient       bool
	relaxedParent bool
	requireLabel  bool
	noUnmount     bool
	remount       bool
	unmountOnly   bool
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "engine configuration file (default: $POLYDIR_CONFIG)")
	fs.StringVar(&c.rulesPath, "rules", "", "rule file (overrides the configured path)")
	fs.StringVar(&c.sessionID, "session", "", "session identifier")
	fs.StringVar(&c.userName, "user", "", "session user")
	fs.StringVar(&c.requester, "requester", "", "identity that requested the session")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&c.genHash, "gen-hash", false, "use digests for all instance names")
	fs.BoolVar(&c.lenient, "lenient", false, "skip malformed rule lines instead of failing")
	fs.BoolVar(&c.relaxedParent, "relaxed-parent", false, "tolerate instance parents whose mode is not 000")
	fs.BoolVar(&c.requireLabel, "require-label", false, "fail when the label subsystem is not active")
	fs.BoolVar(&c.noUnmount, "no-unmount", false, "close: leave mounts alone (trusted caller owns the namespace)")
	fs.BoolVar(&c.remount, "remount", false, "open: unmount any existing instance before mounting")
	fs.BoolVar(&c.unmountOnly, "unmount-only", false, "open: unmount existing instances without mounting new ones")
}

// sessionFlags translates the parsed command line to option bits.
func (c *commonFlags) sessionFlags() session.Flags {
	var f session.Flags
	if c.debug {
		f |= session.FlagDebug
	}
	if c.genHash {
		f |= session.FlagGenHash
	}
	if c.lenient {
		f |= session.FlagIgnoreConfigErrors
	}
	if c.relaxedParent {
		f |= session.FlagIgnoreInstanceParentMode
	}
	if c.requireLabel {
		f |= session.FlagRequireLabel
	}
	if c.noUnmount {
		f |= session.FlagNoUnmountOnClose
	}
	if c.remount {
		f |= session.FlagUnmountRemount
	}
	if c.unmountOnly {
		f |= session.FlagUnmountOnly
	}
	return f
}

func (c *commonFlags) loadConfig() (*config.Config, error) {
	cfg, err := func() (*config.Config, error) {
		if c.configPath != "" {
			return config.Load(c.configPath)
		}
		return config.LoadFromEnv()
	}()
	if err != nil {
		return nil, err
	}
	if c.rulesPath != "" {
		cfg.RuleFile = c.rulesPath
	}
	return cfg, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("POLYDIR_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// lookupUser resolves a name to its uid and home directory.
func lookupUser(name string) (uint32, string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, "", fmt.Errorf("looking up user %q: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	return uint32(uid), u.HomeDir, nil
}

// buildResolver assembles the label resolver from the configuration.
func buildResolver(cfg *config.Config, flags session.Flags, logger *slog.Logger) (label.Resolver, error) {
	var policy *label.Policy
	if cfg.LabelPolicy != "" {
		var err error
		policy, err = label.LoadPolicy(cfg.LabelPolicy)
		if err != nil {
			return nil, fmt.Errorf("loading label policy: %w", err)
		}
	}
	resolver := label.NewXattrResolver(policy)
	if flags.Has(session.FlagRequireLabel) && !resolver.Active() {
		return nil, fmt.Errorf("label subsystem required but not active")
	}
	if !resolver.Active() {
		logger.Debug("label subsystem inactive")
		return label.Disabled{}, nil
	}
	return resolver, nil
}

// buildSession parses the rule file for the user into a session
// context.
func buildSession(cfg *config.Config, cf *commonFlags, logger *slog.Logger) (*session.Context, label.Resolver, error) {
	flags := cf.sessionFlags()

	uid, home, err := lookupUser(cf.userName)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := buildResolver(cfg, flags, logger)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(cfg.RuleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("opening rule file: %w", err)
	}
	defer f.Close()

	rules, err := ruleset.Parse(f, ruleset.Options{
		User:    cf.userName,
		Home:    home,
		Lenient: flags.Has(session.FlagIgnoreConfigErrors),
		// Context and level rules degrade to per-user when no exec
		// transition is pending, even with labeling otherwise active.
		LabelActive: resolver.Active() && resolver.ContextBased(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", cfg.RuleFile, err)
	}

	return &session.Context{
		User:  cf.userName,
		UID:   uid,
		Flags: flags,
		Rules: rules,
	}, resolver, nil
}

// buildOrchestrator wires the session into an orchestrator backed by
// the state database.
func buildOrchestrator(cfg *config.Config, cf *commonFlags, sess *session.Context, resolver label.Resolver, logger *slog.Logger) (*namespace.Orchestrator, *session.SQLiteStore, error) {
	store, err := session.OpenSQLiteStore(cfg.StateDB, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}

	hook := cfg.InitHook
	if hook == "" {
		hook = instance.DefaultHookPath
	}

	orch := namespace.New(namespace.Config{
		Session:       sess,
		RequesterName: cf.requester,
		Store:         store,
		StoreKey:      cf.sessionID,
		Labels:        resolver,
		Provisioner: &instance.Provisioner{
			HookPath:      hook,
			Labels:        resolver,
			RelaxedParent: sess.Flags.Has(session.FlagIgnoreInstanceParentMode),
			Logger:        logger,
		},
		Logger: logger,
	})
	return orch, store, nil
}

func openCmd(args []string) error {
	var cf commonFlags
	fs := pflag.NewFlagSet("polydir open", pflag.ContinueOnError)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cf.sessionID == "" || cf.userName == "" {
		return fmt.Errorf("open requires --session and --user")
	}
	command := fs.Args()
	if len(command) == 0 {
		return fmt.Errorf("open requires a command after --")
	}

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug || cf.debug)

	sess, resolver, err := buildSession(cfg, &cf, logger)
	if err != nil {
		return err
	}
	orch, store, err := buildOrchestrator(cfg, &cf, sess, resolver, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mode, err := unmountMode(cfg, sess.Flags)
	if err != nil {
		return err
	}
	if err := orch.Setup(mode); err != nil {
		return fmt.Errorf("namespace setup: %w", err)
	}

	// The detached namespace lives as long as this process, so the
	// command runs as a child and teardown follows its exit. Setup
	// left this goroutine locked to the detached thread; the child is
	// forked from here so it inherits the private mount view.
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	if err := orch.Teardown(); err != nil {
		logger.Error("namespace teardown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func closeCmd(args []string) error {
	var cf commonFlags
	fs := pflag.NewFlagSet("polydir close", pflag.ContinueOnError)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cf.sessionID == "" || cf.userName == "" {
		return fmt.Errorf("close requires --session and --user")
	}

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug || cf.debug)

	sess, resolver, err := buildSession(cfg, &cf, logger)
	if err != nil {
		return err
	}
	orch, store, err := buildOrchestrator(cfg, &cf, sess, resolver, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := orch.Teardown(); err != nil {
		return fmt.Errorf("namespace teardown: %w", err)
	}
	return nil
}

func checkCmd(args []string) error {
	var cf commonFlags
	fs := pflag.NewFlagSet("polydir check", pflag.ContinueOnError)
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cf.userName == "" {
		return fmt.Errorf("check requires --user")
	}

	cfg, err := cf.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug || cf.debug)

	sess, _, err := buildSession(cfg, &cf, logger)
	if err != nil {
		return err
	}

	fmt.Printf("# %d rule(s) for %s from %s\n", len(sess.Rules), sess.User, cfg.RuleFile)
	return sess.Rules.Format(os.Stdout)
}

// unmountMode merges the configured default with the session options;
// explicit options win.
func unmountMode(cfg *config.Config, flags session.Flags) (namespace.UnmountMode, error) {
	if m := namespace.ModeFromFlags(flags); m != namespace.NoUnmount {
		return m, nil
	}
	switch cfg.UnmountMode {
	case "":
		return namespace.NoUnmount, nil
	case "remount":
		return namespace.UnmountRemount, nil
	case "unmount-only":
		return namespace.UnmountOnly, nil
	}
	return namespace.NoUnmount, fmt.Errorf("unknown unmount_mode %q", cfg.UnmountMode)
}
