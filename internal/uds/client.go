package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning is returned when nothing listens on the socket.
var ErrDaemonNotRunning = errors.New("daemon is not running")

// Client issues one request per connection.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, timeout: 30 * time.Second}
}

// SetTimeout bounds a whole call, dialing included.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Call sends command with params and decodes the result into out, which may
// be nil. A failure reported by the daemon is returned as *Error.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	req, err := newRequest(command, params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("%w at %s (start it with: orchestrator daemon): %v", ErrDaemonNotRunning, c.path, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	if err := resp.result(out); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
