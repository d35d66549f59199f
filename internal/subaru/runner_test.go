package subaru

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesBothStreams(t *testing.T) {
	r := &ProcessRunner{}
	res, err := r.Run(context.Background(), "echo out; echo err >&2", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

// TestRun_NonZeroExit verifies that a command that runs and fails is a
// normal result, not an error.
func TestRun_NonZeroExit(t *testing.T) {
	r := &ProcessRunner{}
	res, err := r.Run(context.Background(), "echo before; exit 3", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "before\n", res.Stdout)
}

func TestRun_LaunchFailure(t *testing.T) {
	r := &ProcessRunner{Shell: "/nonexistent/shell"}
	_, err := r.Run(context.Background(), "true", nil)
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "true", launchErr.Command)
}

// TestRun_WarningClassification verifies informational stderr lines land in
// Warnings, not Stderr.
func TestRun_WarningClassification(t *testing.T) {
	r := &ProcessRunner{}
	script := `echo "warning: unused variable" >&2
echo "note: consider -fPIC" >&2
echo "makeinfo is missing" >&2
echo "undefined reference to foo" >&2`
	res, err := r.Run(context.Background(), script, nil)
	require.NoError(t, err)

	assert.Contains(t, res.Warnings, "warning: unused variable")
	assert.Contains(t, res.Warnings, "note: consider -fPIC")
	assert.Contains(t, res.Warnings, "makeinfo is missing")
	assert.Equal(t, "undefined reference to foo\n", res.Stderr)
}

func TestRun_HardErrorCallback(t *testing.T) {
	var seen []string
	r := &ProcessRunner{
		OnHardError: func(line string) { seen = append(seen, line) },
	}
	res, err := r.Run(context.Background(), `echo "fatal error: boom" >&2; echo "warning: meh" >&2`, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fatal error: boom"}, seen)
	assert.Contains(t, res.Warnings, "warning: meh")
}

// TestRun_ProgressSnapshots verifies the line-based progress cadence and the
// bounded tail.
func TestRun_ProgressSnapshots(t *testing.T) {
	var snaps []ProgressSnapshot
	r := &ProcessRunner{
		OnProgress: func(s ProgressSnapshot) { snaps = append(snaps, s) },
	}
	res, err := r.Run(context.Background(), "seq 1 60", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.Len(t, snaps, 2) // at 25 and 50 lines
	assert.Equal(t, 25, snaps[0].LineCount)
	assert.Equal(t, 50, snaps[1].LineCount)
	assert.Len(t, snaps[1].Recent, 10)
	assert.Equal(t, "50", snaps[1].Recent[9])
}

func TestRun_CustomEnvironment(t *testing.T) {
	r := &ProcessRunner{}
	res, err := r.Run(context.Background(), "echo $BUILD_MARKER", []string{"BUILD_MARKER=42", "PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
}

func TestIsWarningLine(t *testing.T) {
	warnings := []string{
		"warning: implicit declaration",
		"NOTE: this is fine",
		"function X is deprecated",
		"documentation will not be built",
		"WARNING: makeinfo is missing on your system",
		"help2man: command not found",
	}
	for _, line := range warnings {
		assert.True(t, isWarningLine(line), line)
	}

	hard := []string{
		"error: expected ';' before '}'",
		"undefined reference to `main'",
		"no space left on device",
	}
	for _, line := range hard {
		assert.False(t, isWarningLine(line), line)
	}
}

// TestRun_OversizedLineWithNonZeroExit verifies a scanner overflow on one
// stream does not clobber the exit-code result: the command ran, so its exit
// code is reported as usual and no launch failure is fabricated.
func TestRun_OversizedLineWithNonZeroExit(t *testing.T) {
	r := &ProcessRunner{}
	// One line just over the scanner limit, no trailing newline, then a
	// non-zero exit.
	res, err := r.Run(context.Background(), `head -c 1049600 /dev/zero | tr '\0' a; exit 3`, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_LongLines(t *testing.T) {
	r := &ProcessRunner{}
	// A 100KB single line must survive the scanner buffer.
	res, err := r.Run(context.Background(), `printf 'x%.0s' $(seq 1 100000); echo`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 100000, len(strings.TrimSpace(res.Stdout)))
}
