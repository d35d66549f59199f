package subaru

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the orchestrator's caller-facing operations.
var (
	ErrBuildAlreadyRunning = errors.New("another build is already running")
	ErrBuildNotFound       = errors.New("build not found")
	ErrStageNotFound       = errors.New("stage not found")
	ErrNoRollbackCommand   = errors.New("stage has no rollback command")
)

// DefinitionError reports malformed or inconsistent stage configuration.
// It is fatal to build start and never retried.
type DefinitionError struct {
	Reason string
}

func (e *DefinitionError) Error() string {
	return "invalid stage definition: " + e.Reason
}

// DependencyUnmetError means a stage's prerequisites did not complete
// successfully. Terminal for the stage and, by design, for the build.
type DependencyUnmetError struct {
	Stage   string
	Missing []string
}

func (e *DependencyUnmetError) Error() string {
	return fmt.Sprintf("dependency unmet for stage %s: %s not successful",
		e.Stage, strings.Join(e.Missing, ", "))
}

// LaunchError means the external command could not be spawned at all.
// This is a different failure channel from a command that ran and exited
// non-zero; operators need to tell "never ran" from "ran and failed".
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch command %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// PrivilegeSetupError means the elevation relay could not be created or
// cleaned up. It does not by itself fail the build; the stage still runs
// unprivileged and fails or succeeds on its own merits.
type PrivilegeSetupError struct {
	Op  string
	Err error
}

func (e *PrivilegeSetupError) Error() string {
	return fmt.Sprintf("privilege relay %s failed: %v", e.Op, e.Err)
}

func (e *PrivilegeSetupError) Unwrap() error { return e.Err }
