package rpc

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ProtocolVersion identifies the supported wire schema version.
	ProtocolVersion = "1"
	// SessionType identifies a peer that speaks the bridge protocol.
	SessionType = "cmdbridge_session"
	// ActionHandshake is the discovery action every peer answers.
	ActionHandshake = "handshake"
)

// ErrProtocolMismatch indicates a peer answered with a different
// protocol version. Mismatches are rejected outright.
var ErrProtocolMismatch = errors.New("protocol version mismatch")

// HandshakeResponse is the payload a peer returns for ActionHandshake.
// InstanceID is unique per bridge process and lets a prober recognize
// itself.
type HandshakeResponse struct {
	ProtocolVersion string `cbor:"protocol_version"`
	SessionType     string `cbor:"session_type"`
	ServerVersion   string `cbor:"server_version,omitempty"`
	InstanceID      string `cbor:"instance_id,omitempty"`
}

// NewHandshakeRequest builds the discovery request carrying the local
// protocol version.
func NewHandshakeRequest() Request {
	return Request{
		Action:          ActionHandshake,
		ProtocolVersion: ProtocolVersion,
		Args:            map[string]any{"protocol_version": ProtocolVersion},
	}
}

// NewHandshakeResponse answers a handshake for this build.
func NewHandshakeResponse(serverVersion, instanceID string) HandshakeResponse {
	return HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
		SessionType:     SessionType,
		ServerVersion:   strings.TrimSpace(serverVersion),
		InstanceID:      strings.TrimSpace(instanceID),
	}
}

// CheckProtocolVersion rejects any version other than ProtocolVersion.
// An empty version is treated as the current one so that hand-written
// requests stay usable.
func CheckProtocolVersion(version string) error {
	version = strings.TrimSpace(version)
	if version == "" || version == ProtocolVersion {
		return nil
	}
	return fmt.Errorf("%w: peer speaks %q, local speaks %q", ErrProtocolMismatch, version, ProtocolVersion)
}

// RequestedProtocolVersion extracts the version a caller asked for,
// preferring the envelope field over the argument.
func RequestedProtocolVersion(request Request) string {
	if version := strings.TrimSpace(request.ProtocolVersion); version != "" {
		return version
	}
	if raw, ok := request.Args["protocol_version"]; ok {
		if value, ok := raw.(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// IsProtocolMismatch reports whether err is a local mismatch or a peer
// reply rejecting our protocol version.
func IsProtocolMismatch(err error) bool {
	if errors.Is(err, ErrProtocolMismatch) {
		return true
	}
	var remote *RemoteError
	return errors.As(err, &remote) && strings.Contains(remote.Message, ErrProtocolMismatch.Error())
}
