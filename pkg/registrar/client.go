package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quanta/quanta/pkg/engine"
)

// Client talks to a registrar. Each call opens a fresh connection.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a client for the registrar at addr. A zero timeout means
// DefaultIOTimeout; a context deadline takes precedence.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Add requests a partition for a worker.
func (c *Client) Add(ctx context.Context, cfg engine.WorkerConfig) (string, error) {
	return c.add(ctx, Request{Kind: KindAddWorker, Worker: &cfg})
}

// AddCoordinator requests a partition for a coordinator process.
func (c *Client) AddCoordinator(ctx context.Context, cfg engine.CoordinatorConfig) (string, error) {
	return c.add(ctx, Request{Kind: KindAddCoordinator, Coordinator: &cfg})
}

// Remove returns partitionID to the registrar. It waits until the registrar
// has handled the request and closed the connection.
func (c *Client) Remove(ctx context.Context, partitionID string) error {
	return c.send(ctx, Request{Kind: KindRemove, PartitionID: partitionID})
}

// Halt asks the registrar to snapshot and stop.
func (c *Client) Halt(ctx context.Context) error {
	return c.send(ctx, Request{Kind: KindHalt})
}

func (c *Client) add(ctx context.Context, req Request) (string, error) {
	conn, err := c.request(ctx, req)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	resp, err := ReadFrame(conn)
	if errors.Is(err, io.EOF) {
		return "", engine.NewExhaustedError("registrar closed the connection without a partition id", nil)
	}
	if err != nil {
		return "", engine.NewConnectivityError("read registrar response", err)
	}
	id := string(resp)
	if !ValidPartitionID(id) {
		return "", engine.NewInvariantError(fmt.Sprintf("registrar returned malformed partition id %q", id), nil)
	}
	return id, nil
}

func (c *Client) send(ctx context.Context, req Request) error {
	conn, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := io.Copy(io.Discard, conn); err != nil {
		return engine.NewConnectivityError("wait for registrar", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, req Request) (net.Conn, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, engine.NewConnectivityError("dial registrar "+c.addr, err)
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, engine.NewConnectivityError("send "+string(req.Kind), err)
	}
	return conn, nil
}
