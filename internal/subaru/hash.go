package subaru

import (
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// ConfigHash computes a short fingerprint of the stage definitions so that
// historical builds can be grouped by configuration. The hash covers every
// field that affects execution.
func ConfigHash(defs []StageDef) string {
	h := blake3.New(32, nil)
	for _, d := range defs {
		fmt.Fprintf(h, "%s|%d|%s|%s|%s|%t\n",
			d.Name, d.Order, d.Command,
			strings.Join(d.Dependencies, ","),
			d.RollbackCommand, d.Elevated)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
