package probe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ship-commander/cmdbridge/internal/state"
)

// Preference values for the prefer setting.
const (
	PreferAuto     = "auto"
	PreferLocal    = "local"
	PreferExternal = "external"
)

// ParsePreference normalizes a prefer value. Empty means auto.
func ParsePreference(raw string) (string, error) {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case "":
		return PreferAuto, nil
	case PreferAuto, PreferLocal, PreferExternal:
		return value, nil
	default:
		return "", fmt.Errorf("unknown prefer value %q (want auto, local or external)", raw)
	}
}

// Decision is the target mode chosen for a probe outcome.
type Decision struct {
	Mode     string
	Endpoint *Endpoint
	Warnings []string
}

// Resolve picks the target mode for a probe outcome.
//
// A valid endpoint wins under auto and external. Without one, auto and
// local run locally, and external stays external only when
// fallbackToLocal is off, in which case commands fail with a forwarding
// error until a later probe succeeds. A protocol mismatch is never
// treated as a usable peer.
func Resolve(prefer string, fallbackToLocal bool, endpoint *Endpoint, probeErr error) (Decision, error) {
	prefer, err := ParsePreference(prefer)
	if err != nil {
		return Decision{}, err
	}
	if prefer == PreferLocal {
		return Decision{Mode: state.ModeLocal}, nil
	}

	if probeErr == nil && endpoint.Valid() {
		return Decision{Mode: state.ModeExternal, Endpoint: endpoint}, nil
	}

	var warnings []string
	switch {
	case errors.Is(probeErr, ErrProtocolMismatch):
		warnings = append(warnings, fmt.Sprintf("rejected external peer: %v", probeErr))
	case errors.Is(probeErr, ErrDisabled):
	case probeErr != nil && prefer == PreferExternal:
		warnings = append(warnings, fmt.Sprintf("preferred external peer unavailable: %v", probeErr))
	}

	if prefer == PreferExternal && !fallbackToLocal {
		warnings = append(warnings, "fallback to local is disabled; commands fail until the external peer returns")
		return Decision{Mode: state.ModeExternal, Warnings: warnings}, nil
	}
	if prefer == PreferExternal {
		warnings = append(warnings, "falling back to local viewer")
	}
	return Decision{Mode: state.ModeLocal, Warnings: warnings}, nil
}
