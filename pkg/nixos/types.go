// Package nixos is the boundary between nixh and the NixOS tooling.
//
// Two integration points exist and nothing else talks to the system:
//
//   - ProfileAPI manages profile generations and the nixh-managed package
//     module in-process, delegating only closure realisation and activation.
//   - CLI drives nix-env, nixos-rebuild and nix through a fixed argv grammar.
//     Every argument is validated; no shell is ever involved.
//
// Both honour Mode: in DryRun nothing on disk or in any profile changes.
package nixos

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Mode selects between previewing and performing a change.
type Mode string

const (
	DryRun Mode = "dry_run"
	Apply  Mode = "apply"
)

// Scope selects the profile an operation targets.
type Scope string

const (
	// ScopeSystem is the system profile, changed through the declarative
	// configuration.
	ScopeSystem Scope = "system"

	// ScopeUser is the invoking user's profile.
	ScopeUser Scope = "user"
)

// Action is a change to a package set.
type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionUpgrade Action = "upgrade"
)

// Config describes the package set change to build.
type Config struct {
	Scope    Scope
	Action   Action
	Packages []string
	Offline  bool
}

// Generation is one profile generation.
type Generation struct {
	Number  int       `json:"number"`
	Created time.Time `json:"created"`
	Current bool      `json:"current"`
}

// ApplyResult reports what Apply or Rollback did or would do.
type ApplyResult struct {
	Description  string
	StateChanged bool

	// Previous is the generation current before the call, 0 if unknown.
	Previous int

	// Generation is the generation current afterwards (or that would be).
	Generation int
}

// BuildResult is the outcome of Build.
type BuildResult struct {
	// Path is the realised store path. Empty in DryRun.
	Path        string
	Description string
	Config      Config

	// Packages is the full resulting package set for the scope.
	Packages []string

	// Unchanged is set when the package set already matches the request.
	Unchanged bool
}

// ErrUnavailable means the integration point cannot be used right now.
var ErrUnavailable = errors.New("nixos tooling unavailable")

// ErrUnsupported means the integration point does not offer the call at all.
// Callers should fall through to another integration point without treating
// it as a failure.
var ErrUnsupported = errors.New("operation not supported by this integration")

// ErrInvalidArgument is returned when an argument fails the grammar.
var ErrInvalidArgument = errors.New("invalid argument")

// ToolError means the tool ran and rejected the change.
type ToolError struct {
	Command  string
	ExitCode int
	Stderr   string

	// StateChanged is set when the failure happened after something was
	// already modified, for example an activation failure after a profile
	// switch.
	StateChanged bool
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

var (
	packagePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]{0,99}$`)
	searchPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._+-]{0,99}$`)
)

// ValidPackage reports whether name is an acceptable package attribute.
func ValidPackage(name string) bool {
	return packagePattern.MatchString(name)
}

func checkPackages(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no packages", ErrInvalidArgument)
	}
	for _, n := range names {
		if !ValidPackage(n) {
			return fmt.Errorf("%w: package %q", ErrInvalidArgument, n)
		}
	}
	return nil
}

func checkGeneration(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: generation %d", ErrInvalidArgument, n)
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
