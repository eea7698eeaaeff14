package compass

import (
	"fmt"
	"strings"
)

// Mode selects what the main needle points at.
type Mode string

const (
	// ModeNorth points the needle at true north.
	ModeNorth Mode = "north"
	// ModeTarget points the needle at the configured target.
	ModeTarget Mode = "target"
)

// ParseMode accepts "north", "target" and the legacy alias "gps".
// Empty input defaults to north.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeNorth):
		return ModeNorth, nil
	case string(ModeTarget), "gps":
		return ModeTarget, nil
	default:
		return "", fmt.Errorf("compass: unknown mode %q", s)
	}
}
