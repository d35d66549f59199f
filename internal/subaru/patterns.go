package subaru

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// Severity ranks how badly a matched failure signature hurts a build.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Weight returns the display ranking weight for a severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// FaultPattern is one known failure signature. Patterns are immutable once
// loaded into a library; match counts live in PatternMatch values computed
// per request, never on the pattern itself.
type FaultPattern struct {
	Name           string   `json:"name"`
	Pattern        string   `json:"pattern"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	Solution       string   `json:"solution"`
	AutoFixCommand string   `json:"auto_fix_command,omitempty"`

	re *regexp.Regexp
}

// Regexp returns the compiled matcher for the pattern.
func (p *FaultPattern) Regexp() *regexp.Regexp { return p.re }

// PatternLibrary is an immutable table of known failure signatures.
type PatternLibrary struct {
	patterns []FaultPattern
}

// NewPatternLibrary compiles the given patterns into a library. Patterns
// match case-insensitively.
func NewPatternLibrary(patterns []FaultPattern) (*PatternLibrary, error) {
	lib := &PatternLibrary{patterns: make([]FaultPattern, 0, len(patterns))}
	for _, p := range patterns {
		if p.Name == "" || p.Pattern == "" {
			return nil, fmt.Errorf("pattern with empty name or expression")
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p.Name, err)
		}
		p.re = re
		lib.patterns = append(lib.patterns, p)
	}
	return lib, nil
}

// Patterns returns the library's patterns in declaration order.
func (l *PatternLibrary) Patterns() []FaultPattern {
	return l.patterns
}

// Find returns the pattern with the given name, or nil.
func (l *PatternLibrary) Find(name string) *FaultPattern {
	for i := range l.patterns {
		if l.patterns[i].Name == name {
			return &l.patterns[i]
		}
	}
	return nil
}

// ExportJSON writes the library as JSON. A re-imported library matches
// byte-for-byte identically to the original.
func (l *PatternLibrary) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.patterns)
}

// ImportPatternLibrary reads a JSON pattern list produced by ExportJSON.
func ImportPatternLibrary(r io.Reader) (*PatternLibrary, error) {
	var patterns []FaultPattern
	if err := json.NewDecoder(r).Decode(&patterns); err != nil {
		return nil, fmt.Errorf("failed to decode pattern library: %w", err)
	}
	return NewPatternLibrary(patterns)
}

// DefaultPatternLibrary returns the stock catalog of LFS build failure
// signatures.
func DefaultPatternLibrary() *PatternLibrary {
	lib, err := NewPatternLibrary([]FaultPattern{
		// Critical
		{
			Name:           "Permission Denied",
			Pattern:        `permission denied|cannot create directory|operation not permitted`,
			Severity:       SeverityCritical,
			Description:    "File system permission issues preventing build operations",
			Solution:       "Fix /mnt/lfs ownership or re-run the permissions setup stage",
			AutoFixCommand: "sudo chown -R lfs:lfs /mnt/lfs && sudo chmod -R 755 /mnt/lfs",
		},
		{
			Name:           "Disk Space Full",
			Pattern:        `no space left on device|disk full|cannot write`,
			Severity:       SeverityCritical,
			Description:    "Insufficient disk space for build operations",
			Solution:       "Free up disk space or move the build tree to external storage",
			AutoFixCommand: "df -h && sudo du -sh /mnt/lfs/* | sort -hr",
		},
		{
			Name:           "Missing Dependencies",
			Pattern:        `command not found|no such file or directory.*bin/|cannot find -l`,
			Severity:       SeverityCritical,
			Description:    "Required build tools or libraries are missing from the host system",
			Solution:       "Install missing host dependencies: gcc, make, binutils",
			AutoFixCommand: "sudo dnf groupinstall 'Development Tools' && sudo dnf install gcc-c++ glibc-devel",
		},
		// High
		{
			Name:           "Compilation Errors",
			Pattern:        `error:|fatal error:|compilation terminated|collect2: error:`,
			Severity:       SeverityHigh,
			Description:    "Source code compilation failures in toolchain or packages",
			Solution:       "Check compiler version compatibility and package source integrity",
			AutoFixCommand: "gcc --version && make clean && make -j1",
		},
		{
			Name:           "Linker Errors",
			Pattern:        `undefined reference|cannot find -l|ld: error:|relocation truncated`,
			Severity:       SeverityHigh,
			Description:    "Linking failures during compilation",
			Solution:       "Verify library paths and ensure all dependencies are built correctly",
			AutoFixCommand: "ldconfig -p | grep -i missing_lib && export LD_LIBRARY_PATH=/mnt/lfs/usr/lib",
		},
		{
			Name:           "Configure Script Failures",
			Pattern:        `configure: error:|config\.status: error:|cannot run C compiled programs`,
			Severity:       SeverityHigh,
			Description:    "Package configuration script failures",
			Solution:       "Check host system compatibility and required development packages",
			AutoFixCommand: "./configure --help && export CC=gcc CXX=g++",
		},
		// Medium
		{
			Name:           "Make Errors",
			Pattern:        `make.*error|make.*failed|recipe for target.*failed`,
			Severity:       SeverityMedium,
			Description:    "Build process failures in the make system",
			Solution:       "Check for missing files, incorrect paths, or parallel build issues",
			AutoFixCommand: "make clean && make -j1 VERBOSE=1",
		},
		{
			Name:           "Network/Download Issues",
			Pattern:        `download failed|connection refused|timeout|404 not found`,
			Severity:       SeverityMedium,
			Description:    "Package download or mirror connectivity problems",
			Solution:       "Check network connectivity or switch to a different mirror",
			AutoFixCommand: "ping -c 3 8.8.8.8 && curl -I http://ftp.gnu.org/",
		},
		{
			Name:        "Path Issues",
			Pattern:     `file not found|cannot access|no such file or directory`,
			Severity:    SeverityMedium,
			Description: "File or directory path problems",
			Solution:    "Verify file paths and ensure previous build stages completed successfully",
		},
		// Low
		{
			Name:        "Warnings",
			Pattern:     `warning:|note:|deprecated|implicit declaration`,
			Severity:    SeverityLow,
			Description: "Compilation warnings that may indicate potential issues",
			Solution:    "Review warnings for compatibility issues, usually non-critical",
		},
		{
			Name:           "Missing Documentation Tools",
			Pattern:        `makeinfo.*missing|help2man.*not found|documentation will not be built`,
			Severity:       SeverityLow,
			Description:    "Documentation generation tools missing, non-critical for the build",
			Solution:       "Install texinfo and help2man if documentation output is wanted",
			AutoFixCommand: "sudo dnf install texinfo help2man",
		},
	})
	if err != nil {
		// The stock catalog is compile-time constant; a failure here is a
		// programming error.
		panic(err)
	}
	return lib
}
