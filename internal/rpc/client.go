package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	defaultConnectTimeout  = 2 * time.Second
	defaultResponseTimeout = 45 * time.Second
)

var (
	// ErrConnect marks a failure to establish the connection. Nothing
	// reached the peer, so the request may be retried.
	ErrConnect = errors.New("rpc connect failed")
	// ErrWrite marks a failure while sending the request. The peer
	// never saw a complete request, so the request may be retried.
	ErrWrite = errors.New("rpc write failed")
	// ErrRead marks a failure while waiting for the response. The peer
	// may have executed the request, so it must not be retried.
	ErrRead = errors.New("rpc read failed")
)

// RemoteError is returned by Call when the peer answers ok=false.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %q: %s", e.Action, e.Message)
}

// Transient reports whether err is a failure that happened before the
// peer could have acted on the request.
func Transient(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrWrite)
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithConnectTimeout bounds the dial phase.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		if timeout > 0 {
			client.connectTimeout = timeout
		}
	}
}

// WithResponseTimeout bounds the wait for a response after the request
// was written.
func WithResponseTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		if timeout > 0 {
			client.responseTimeout = timeout
		}
	}
}

// Client sends one request per connection to an rpc.Server.
type Client struct {
	address         string
	connectTimeout  time.Duration
	responseTimeout time.Duration
}

// NewClient creates a client for address, which uses the same syntax as
// NewServer.
func NewClient(address string, options ...ClientOption) *Client {
	client := &Client{
		address:         address,
		connectTimeout:  defaultConnectTimeout,
		responseTimeout: defaultResponseTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client
}

// Address returns the configured peer address.
func (c *Client) Address() string {
	if c == nil {
		return ""
	}
	return c.address
}

// Call sends request and decodes response data into result when both are
// present. An ok=false reply is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, request Request, result any) error {
	data, err := c.CallRaw(ctx, request)
	if err != nil {
		return err
	}
	if result != nil && len(data) > 0 {
		if err := Unmarshal(data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", request.Action, err)
		}
	}
	return nil
}

// CallRaw sends request and returns the undecoded response data.
func (c *Client) CallRaw(ctx context.Context, request Request) (RawMessage, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrConnect)
	}
	if request.ProtocolVersion == "" {
		request.ProtocolVersion = ProtocolVersion
	}

	response, err := c.send(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("calling %q on %s: %w", request.Action, c.address, err)
	}
	if !response.OK {
		return nil, &RemoteError{Action: request.Action, Message: response.Error}
	}
	return response.Data, nil
}

func (c *Client) send(ctx context.Context, request Request) (*Response, error) {
	network, address := SplitAddress(c.address)
	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := newEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = halfCloser.CloseWrite()
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.responseTimeout))
	var response Response
	if err := newDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&response); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return &response, nil
}
