package state

import (
	"fmt"
	"strings"
)

// ParseMode normalizes a target mode name.
func ParseMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ModeLocal:
		return ModeLocal, nil
	case ModeExternal:
		return ModeExternal, nil
	default:
		return "", fmt.Errorf("unknown target mode %q (want %q or %q)", raw, ModeLocal, ModeExternal)
	}
}

// ParseSessionState normalizes a session state name.
func ParseSessionState(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SessionUninitialized:
		return SessionUninitialized, nil
	case SessionRunning:
		return SessionRunning, nil
	case SessionClosed:
		return SessionClosed, nil
	default:
		return "", fmt.Errorf("unknown session state %q", raw)
	}
}
