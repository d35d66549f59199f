package subaru

import (
	"fmt"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	Verbose    bool
	ConfigFile = "/etc/subaru.conf"
	tmpDir     string
	logDir     string
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// Version returns the build-time version string.
func Version() string {
	return fmt.Sprintf("subaru %s (%s)", version, buildDate)
}
