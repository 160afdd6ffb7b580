package ipc

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/planloop/internal/errors"
)

// DefaultTimeout bounds a request when the client has none configured.
const DefaultTimeout = 5 * time.Second

// Client sends single requests to one orchestrator socket. A Client holds no
// connection between calls and is safe for concurrent use.
type Client struct {
	path     string
	timeout  time.Duration
	maxBytes int
}

// NewClient returns a client for the socket at path.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{path: path, timeout: timeout, maxBytes: DefaultMaxMessageBytes}
}

// WithMaxMessageBytes returns a copy of c using a different frame limit.
func (c *Client) WithMaxMessageBytes(n int) *Client {
	cp := *c
	if n > 0 {
		cp.maxBytes = n
	}
	return &cp
}

// Path returns the socket path.
func (c *Client) Path() string { return c.path }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err == nil {
		return conn, nil
	}

	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNREFUSED):
		return nil, errors.NewIPCError("connect", errors.ErrEndpointUnavailable).WithEndpoint(c.path)
	case isTimeout(err):
		return nil, errors.NewIPCError("connect", errors.NewTimeoutError("connect", c.timeout).WithCause(err)).WithEndpoint(c.path)
	default:
		return nil, errors.NewIPCError("connect", errors.Join(errors.ErrEndpointUnavailable, err)).WithEndpoint(c.path)
	}
}

// Send delivers one request and waits for its response, up to the client
// timeout or ctx's deadline, whichever comes first. Handler failures are
// not errors here: they arrive as a payload with "error" set and ack false.
func (c *Client) Send(ctx context.Context, command string, payload map[string]any) (map[string]any, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, withCommand(err, command)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Abort blocking I/O when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteMessage(conn, NewMessage(TypeRequest, command, payload), c.maxBytes); err != nil {
		return nil, withEndpoint(err, c.path)
	}

	resp, err := ReadMessage(conn, c.maxBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewIPCError("await response", errors.Join(errors.ErrCanceled, ctx.Err())).
				WithEndpoint(c.path).WithCommand(command)
		}
		return nil, withEndpoint(withCommand(err, command), c.path)
	}
	if resp.Type != TypeResponse {
		return nil, errors.NewIPCError("unexpected message type "+string(resp.Type), errors.ErrMalformedMessage).
			WithEndpoint(c.path).WithCommand(command)
	}
	return resp.Payload, nil
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, command string, payload map[string]any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return withCommand(err, command)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return withEndpoint(WriteMessage(conn, NewMessage(TypeNotification, command, payload), c.maxBytes), c.path)
}

// IsAvailable reports whether something accepts connections on the socket.
// No request is sent.
func (c *Client) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Status returns the orchestrator's status payload.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Send(ctx, CommandStatus, nil)
}

// Shutdown asks the orchestrator to stop. force also terminates the running
// coding-agent session.
func (c *Client) Shutdown(ctx context.Context, force bool) (bool, error) {
	return c.ack(ctx, CommandShutdown, map[string]any{"force": force})
}

// Pause asks the orchestrator to stop starting new sessions.
func (c *Client) Pause(ctx context.Context) (bool, error) {
	return c.ack(ctx, CommandPause, nil)
}

// Resume undoes Pause.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	return c.ack(ctx, CommandResume, nil)
}

// Heartbeat checks that the orchestrator's handler is responsive.
func (c *Client) Heartbeat(ctx context.Context) (bool, error) {
	return c.ack(ctx, CommandHeartbeat, nil)
}

func (c *Client) ack(ctx context.Context, command string, payload map[string]any) (bool, error) {
	resp, err := c.Send(ctx, command, payload)
	if err != nil {
		return false, err
	}
	return Ack(resp), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func withCommand(err error, command string) error {
	var ipcErr *errors.IPCError
	if errors.As(err, &ipcErr) && ipcErr.Command == "" {
		ipcErr.WithCommand(command)
	}
	return err
}

func withEndpoint(err error, endpoint string) error {
	if err == nil {
		return nil
	}
	var ipcErr *errors.IPCError
	if errors.As(err, &ipcErr) && ipcErr.Endpoint == "" {
		ipcErr.WithEndpoint(endpoint)
	}
	return err
}
