package subaru

import (
	"fmt"
	"os"
	"strings"
)

// PrivilegeBroker creates a short-lived, single-use credential relay (an
// askpass helper) so elevated commands can authenticate non-interactively.
// The relay is scoped to a single stage execution and removed on every exit
// path. The secret itself is never written to the persisted store.
type PrivilegeBroker struct {
	// TmpDir is where the relay script is created. Empty means the
	// package-level temp directory, falling back to os.TempDir().
	TmpDir string
}

// Elevation describes how privilege setup went for one stage run.
type Elevation struct {
	// Skipped is true when no secret was configured; the command ran
	// without the relay. This is recorded, never silently treated as if
	// elevation succeeded.
	Skipped bool

	// SetupErr holds a PrivilegeSetupError when the relay could not be
	// created or cleaned up. The stage still attempts to run.
	SetupErr error
}

// WithElevatedEnvironment runs body with an environment that lets child
// processes escalate through sudo non-interactively. The returned error is
// body's error; relay problems are reported through Elevation so they never
// mask the command's own outcome.
func (b *PrivilegeBroker) WithElevatedEnvironment(secret string, body func(env []string) error) (Elevation, error) {
	if secret == "" {
		return Elevation{Skipped: true}, body(nil)
	}

	dir := b.TmpDir
	if dir == "" {
		dir = tmpDir
	}
	if dir == "" {
		dir = os.TempDir()
	}

	relay, err := os.CreateTemp(dir, "subaru-askpass-*.sh")
	if err != nil {
		setupErr := &PrivilegeSetupError{Op: "create", Err: err}
		return Elevation{SetupErr: setupErr}, body(nil)
	}
	relayPath := relay.Name()

	// The helper just echoes the secret when sudo asks for it. Single
	// quotes keep the shell from ever interpreting the secret.
	script := fmt.Sprintf("#!/bin/sh\necho '%s'\n", strings.ReplaceAll(secret, "'", `'\''`))
	if _, err := relay.WriteString(script); err != nil {
		relay.Close()
		os.Remove(relayPath)
		setupErr := &PrivilegeSetupError{Op: "write", Err: err}
		return Elevation{SetupErr: setupErr}, body(nil)
	}
	if err := relay.Close(); err != nil {
		os.Remove(relayPath)
		setupErr := &PrivilegeSetupError{Op: "close", Err: err}
		return Elevation{SetupErr: setupErr}, body(nil)
	}
	if err := os.Chmod(relayPath, 0o700); err != nil {
		os.Remove(relayPath)
		setupErr := &PrivilegeSetupError{Op: "chmod", Err: err}
		return Elevation{SetupErr: setupErr}, body(nil)
	}

	env := append(os.Environ(),
		"SUDO_ASKPASS="+relayPath,
		"SUDO_NONINTERACTIVE=1",
	)

	return b.runScoped(relayPath, env, body)
}

// runScoped invokes body and guarantees the relay is removed whether body
// returns normally or panics.
func (b *PrivilegeBroker) runScoped(relayPath string, env []string, body func(env []string) error) (elev Elevation, err error) {
	defer func() {
		if rmErr := os.Remove(relayPath); rmErr != nil && !os.IsNotExist(rmErr) {
			elev.SetupErr = &PrivilegeSetupError{Op: "cleanup", Err: rmErr}
		}
	}()
	err = body(env)
	return elev, err
}
