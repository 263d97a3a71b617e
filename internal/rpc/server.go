package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// readTimeout bounds how long the server waits for a connected client
	// to send its request.
	readTimeout = 30 * time.Second
	// writeTimeout bounds how long the server spends writing one response.
	writeTimeout = 10 * time.Second
	// maxMessageSize caps one encoded request or response. Extended
	// commands return captured output so the cap is generous.
	maxMessageSize = 16 * 1024 * 1024
)

// Request is the wire envelope sent by clients. Args carries the
// operation arguments exactly as the caller supplied them.
type Request struct {
	Action          string         `cbor:"action"`
	RequestID       string         `cbor:"request_id,omitempty"`
	ProtocolVersion string         `cbor:"protocol_version,omitempty"`
	Args            map[string]any `cbor:"args,omitempty"`
}

// Response is the wire envelope for every reply. OK reports transport
// level success; application outcomes travel inside Data.
type Response struct {
	OK    bool       `cbor:"ok"`
	Error string     `cbor:"error,omitempty"`
	Data  RawMessage `cbor:"data,omitempty"`
}

// HandlerFunc processes one decoded request. A nil result produces
// {ok: true} with no data.
type HandlerFunc func(ctx context.Context, request Request) (any, error)

// ServerOption customizes server construction.
type ServerOption func(*Server)

// WithServerLogger configures the server logger.
func WithServerLogger(logger *log.Logger) ServerOption {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// Server serves a CBOR request-response protocol over TCP or a Unix
// socket. Each connection carries exactly one request and one response.
type Server struct {
	address  string
	handlers map[string]HandlerFunc
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener

	activeConnections sync.WaitGroup
}

// NewServer creates a server for address. Addresses prefixed with
// "unix:" listen on a Unix socket; everything else is TCP host:port.
func NewServer(address string, options ...ServerOption) *Server {
	server := &Server{
		address:  strings.TrimSpace(address),
		handlers: make(map[string]HandlerFunc),
		logger:   log.New(io.Discard),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(server)
	}
	return server
}

// Handle registers a handler for action. Registering the same action
// twice is a programming error and panics.
func (s *Server) Handle(action string, handler HandlerFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("rpc.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Listen binds the configured address and returns the resolved address,
// which differs from the configured one when port 0 was requested.
func (s *Server) Listen() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String(), nil
	}

	network, address := SplitAddress(s.address)
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", s.address, err)
	}
	s.listener = listener
	return listener.Addr().String(), nil
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers to finish. Listen is called implicitly if needed.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	network, address := SplitAddress(s.address)
	defer func() {
		listener.Close()
		if network == "unix" {
			os.Remove(address)
		}
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("rpc server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var request Request
	if err := newDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	// Handlers may run for as long as an extended command needs.
	_ = conn.SetReadDeadline(time.Time{})

	if strings.TrimSpace(request.Action) == "" {
		s.writeError(conn, "missing required field: action")
		return
	}
	handler, exists := s.handlers[request.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", request.Action))
		return
	}

	result, err := handler(ctx, request)
	if err != nil {
		s.logger.Debug("action failed", "action", request.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := newEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := newEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// SplitAddress maps a configured address onto a net network and address.
func SplitAddress(address string) (string, string) {
	address = strings.TrimSpace(address)
	if path, ok := strings.CutPrefix(address, "unix:"); ok {
		return "unix", path
	}
	return "tcp", address
}
