package rpc

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer binds a server on an ephemeral loopback port, lets
// register install handlers, and stops it when the test ends.
func startServer(t *testing.T, address string, register func(*Server)) string {
	t.Helper()

	server := NewServer(address)
	if register != nil {
		register(server)
	}
	bound, err := server.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	if strings.HasPrefix(address, "unix:") {
		return address
	}
	return bound
}

func TestServerDispatchesToRegisteredHandler(t *testing.T) {
	t.Parallel()

	address := startServer(t, "127.0.0.1:0", func(server *Server) {
		server.Handle("echo", func(_ context.Context, request Request) (any, error) {
			return map[string]any{"value": request.Args["value"], "id": request.RequestID}, nil
		})
	})

	client := NewClient(address)
	var result map[string]any
	err := client.Call(context.Background(), Request{Action: "echo", RequestID: "r-1", Args: map[string]any{"value": "hello"}}, &result)
	require.NoError(t, err)
	assert.Equal(t, "hello", result["value"])
	assert.Equal(t, "r-1", result["id"])
}

func TestServerReportsHandlerErrorsAsRemoteError(t *testing.T) {
	t.Parallel()

	address := startServer(t, "127.0.0.1:0", func(server *Server) {
		server.Handle("fail", func(context.Context, Request) (any, error) {
			return nil, errors.New("boom")
		})
	})

	err := NewClient(address).Call(context.Background(), Request{Action: "fail"}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "fail", remote.Action)
	assert.Equal(t, "boom", remote.Message)
	assert.False(t, Transient(err))
}

func TestServerRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	address := startServer(t, "127.0.0.1:0", nil)

	err := NewClient(address).Call(context.Background(), Request{Action: "nope"}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, `unknown action "nope"`)
}

func TestServerNilResultHasNoData(t *testing.T) {
	t.Parallel()

	address := startServer(t, "127.0.0.1:0", func(server *Server) {
		server.Handle("noop", func(context.Context, Request) (any, error) { return nil, nil })
	})

	data, err := NewClient(address).CallRaw(context.Background(), Request{Action: "noop"})
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestServerOverUnixSocket(t *testing.T) {
	t.Parallel()

	address := "unix:" + filepath.Join(t.TempDir(), "bridge.sock")
	startServer(t, address, func(server *Server) {
		server.Handle(ActionHandshake, func(context.Context, Request) (any, error) {
			return NewHandshakeResponse("test", ""), nil
		})
	})

	var response HandshakeResponse
	require.NoError(t, NewClient(address).Call(context.Background(), NewHandshakeRequest(), &response))
	assert.Equal(t, ProtocolVersion, response.ProtocolVersion)
	assert.Equal(t, SessionType, response.SessionType)
	assert.Equal(t, "test", response.ServerVersion)
}

func TestServerHandlesConcurrentConnections(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	address := startServer(t, "127.0.0.1:0", func(server *Server) {
		server.Handle("wait", func(context.Context, Request) (any, error) {
			<-release
			return "done", nil
		})
	})

	const callers = 4
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var value string
			if err := NewClient(address).Call(context.Background(), Request{Action: "wait"}, &value); err != nil {
				results <- err.Error()
				return
			}
			results <- value
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for value := range results {
		assert.Equal(t, "done", value)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	t.Parallel()

	server := NewServer("127.0.0.1:0")
	server.Handle("x", func(context.Context, Request) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		server.Handle("x", func(context.Context, Request) (any, error) { return nil, nil })
	})
}

func TestClientClassifiesConnectFailureAsTransient(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	err = NewClient(address, WithConnectTimeout(200*time.Millisecond)).Call(context.Background(), Request{Action: "x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.True(t, Transient(err))
}

func TestClientResponseTimeoutIsNotTransient(t *testing.T) {
	t.Parallel()

	address := startServer(t, "127.0.0.1:0", func(server *Server) {
		server.Handle("slow", func(context.Context, Request) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return nil, nil
		})
	})

	err := NewClient(address, WithResponseTimeout(50*time.Millisecond)).Call(context.Background(), Request{Action: "slow"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRead)
	assert.False(t, Transient(err))
}

func TestCheckProtocolVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{name: "current", version: ProtocolVersion},
		{name: "empty", version: ""},
		{name: "padded", version: " 1 "},
		{name: "future", version: "2", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckProtocolVersion(tc.version)
			if tc.wantErr != (err != nil) {
				t.Fatalf("CheckProtocolVersion(%q) error = %v, wantErr %v", tc.version, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrProtocolMismatch) {
				t.Fatalf("error = %v, want ErrProtocolMismatch", err)
			}
		})
	}
}

func TestConvertDecodesRawAndNativeValues(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}

	var fromNative payload
	require.NoError(t, Convert(map[string]any{"name": "a", "count": 3}, &fromNative))
	assert.Equal(t, payload{Name: "a", Count: 3}, fromNative)

	raw, err := Marshal(payload{Name: "b", Count: 4})
	require.NoError(t, err)
	var fromRaw payload
	require.NoError(t, Convert(RawMessage(raw), &fromRaw))
	assert.Equal(t, payload{Name: "b", Count: 4}, fromRaw)
}
