// Package rpctest provides in-process peers for tests that talk to an
// rpc.Server.
package rpctest

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ship-commander/cmdbridge/internal/rpc"
)

// Context returns a context cancelled when the test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// Start binds a server on an ephemeral loopback port, lets register
// install handlers, and returns the bound address. The server stops when
// the test ends.
func Start(t *testing.T, register func(*rpc.Server)) string {
	t.Helper()

	server := rpc.NewServer("127.0.0.1:0")
	if register != nil {
		register(server)
	}
	address, err := server.Listen()
	require.NoError(t, err, "failed to bind test server")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("test server did not stop")
		}
	})
	return address
}

// Peer is a fake external bridge that answers handshakes with a
// configurable protocol version and session type.
type Peer struct {
	Address         string
	ProtocolVersion string
	SessionType     string

	handshakes atomic.Int64
}

// Handshakes returns how many handshakes the peer answered.
func (p *Peer) Handshakes() int64 {
	return p.handshakes.Load()
}

// StartPeer starts a fake bridge peer. extra may register more actions.
func StartPeer(t *testing.T, protocolVersion, sessionType string, extra func(*rpc.Server)) *Peer {
	t.Helper()
	peer := &Peer{ProtocolVersion: protocolVersion, SessionType: sessionType}
	peer.Address = Start(t, func(server *rpc.Server) {
		server.Handle(rpc.ActionHandshake, func(context.Context, rpc.Request) (any, error) {
			peer.handshakes.Add(1)
			return rpc.HandshakeResponse{
				ProtocolVersion: peer.ProtocolVersion,
				SessionType:     peer.SessionType,
				ServerVersion:   "test",
			}, nil
		})
		if extra != nil {
			extra(server)
		}
	})
	return peer
}

// UnusedAddress returns a loopback address nothing listens on.
func UnusedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to reserve port")
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}
