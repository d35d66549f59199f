package subaru

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// progressEveryLines controls how often a progress snapshot is emitted.
	// Line-based, not time-based: a quiet command produces no snapshots.
	progressEveryLines = 25

	// progressTailLines is how many recent lines a snapshot carries.
	progressTailLines = 10

	// maxLineBytes bounds a single scanned output line. Build logs can
	// carry very long compiler invocations.
	maxLineBytes = 1024 * 1024
)

// ProgressSnapshot is a best-effort progress signal emitted while a command
// is running.
type ProgressSnapshot struct {
	LineCount int
	Recent    []string
}

// RunResult is the captured outcome of one external command that was
// successfully spawned. A non-zero ExitCode is an in-process failure, not a
// launch failure.
type RunResult struct {
	Stdout   string
	Stderr   string // hard error lines only
	Warnings string // warning/informational stderr lines, bucketed separately
	ExitCode int
}

// ProcessRunner spawns one external command through the shell, multiplexes
// its two output streams and returns the final captured text plus exit
// status. Each stream gets its own reader goroutine so that heavy output on
// one stream can never stall the other.
type ProcessRunner struct {
	Shell       string                 // defaults to /bin/sh
	OnProgress  func(ProgressSnapshot) // optional
	OnHardError func(line string)      // optional; invoked as hard stderr lines arrive
}

// Run executes command with the given environment. A nil env inherits the
// parent environment. The returned error is a *LaunchError when the command
// could not be spawned; a command that ran and exited non-zero returns a
// normal result with the exit code set and a nil error.
func (r *ProcessRunner) Run(ctx context.Context, command string, env []string) (*RunResult, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	var (
		mu        sync.Mutex
		stdout    strings.Builder
		stderr    strings.Builder
		warnings  strings.Builder
		recent    []string
		lineCount int
	)

	consumeLine := func(line string, isStderr bool) {
		mu.Lock()
		if isStderr {
			if isWarningLine(line) {
				warnings.WriteString(line)
				warnings.WriteByte('\n')
			} else {
				stderr.WriteString(line)
				stderr.WriteByte('\n')
				if r.OnHardError != nil {
					// Surface hard errors as they happen, not only at
					// stage completion.
					cb := r.OnHardError
					mu.Unlock()
					cb(line)
					mu.Lock()
				}
			}
		} else {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		}

		lineCount++
		recent = append(recent, line)
		if len(recent) > progressTailLines {
			recent = recent[len(recent)-progressTailLines:]
		}
		if r.OnProgress != nil && lineCount%progressEveryLines == 0 {
			snap := ProgressSnapshot{
				LineCount: lineCount,
				Recent:    append([]string(nil), recent...),
			}
			cb := r.OnProgress
			mu.Unlock()
			cb(snap)
			mu.Lock()
		}
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			consumeLine(scanner.Text(), false)
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			consumeLine(scanner.Text(), true)
		}
		return scanner.Err()
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()

	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Warnings: warnings.String(),
	}

	if readErr != nil {
		debugf("stream read error for %q: %v\n", command, readErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// The command did spawn; a Wait failure here is not a launch
		// failure.
		return result, fmt.Errorf("command %q died abnormally: %w", command, waitErr)
	}

	return result, nil
}

// isWarningLine classifies a stderr line as informational rather than a
// hard error. Covers the usual compiler/toolchain chatter plus the
// "missing optional tool" phrases documentation generators emit.
func isWarningLine(line string) bool {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "warning:"),
		strings.Contains(l, "note:"),
		strings.Contains(l, "deprecated"),
		strings.Contains(l, "documentation will not be built"),
		strings.Contains(l, "makeinfo") && strings.Contains(l, "missing"),
		strings.Contains(l, "help2man") && strings.Contains(l, "not found"):
		return true
	}
	return false
}
