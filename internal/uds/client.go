package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client calls a running agent over its control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds each call, including the agent's handling of it.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send delivers req and waits for the reply. The time left before ctx or
// the client timeout expires is sent along as the request's timeout.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to agent at %s: %w\n"+
				"Is the agent running? Start it with: hostagent run",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	if req.TimeoutMs == 0 {
		req.TimeoutMs = max(time.Until(deadline).Milliseconds(), 1)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, ctx.Err())
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// call sends command and returns its data, or the agent's error as an
// *ErrorDetail.
func (c *Client) call(ctx context.Context, command string, params any) (json.RawMessage, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fmt.Errorf("%s failed", command)
	}
	return resp.Data, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, CommandPing, nil)
	return err
}

// Status returns the agent's control status document.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, CommandStatus, nil)
}

// Peers returns the agent's peer directory listing.
func (c *Client) Peers(ctx context.Context, p PeersParams) (json.RawMessage, error) {
	return c.call(ctx, CommandPeers, p)
}

// Invoke runs a command through the agent, locally or on p.Host, and
// returns the reply command object.
func (c *Client) Invoke(ctx context.Context, p InvokeParams) (json.RawMessage, error) {
	if !json.Valid(p.Command) {
		return nil, errors.New("invoke: command is not valid JSON")
	}
	return c.call(ctx, CommandInvoke, p)
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, CommandShutdown, nil)
	return err
}
