package source

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
)

// Client issues one-shot control requests to a receiver host. Each call
// opens its own connection, performs the greeting handshake, sends a single
// request and returns the acknowledgement payload.
type Client struct {
	url string
}

// NewClient creates a control client for the websocket endpoint at url.
func NewClient(url string) *Client {
	return &Client{url: url}
}

// Settings asks the receiver for its current acquisition settings.
func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, "settings")
}

// Selftest runs the receiver's hardware selftest and returns its report.
func (c *Client) Selftest(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, "selftest")
}

// Halt stops the acquisition the receiver is currently running.
func (c *Client) Halt(ctx context.Context) error {
	_, err := c.request(ctx, "halt")
	return err
}

// HaltMaster stops a master acquisition, detaching all listeners.
func (c *Client) HaltMaster(ctx context.Context) error {
	_, err := c.request(ctx, "halt_master")
	return err
}

// Shutdown powers the receiver host down.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.request(ctx, "shutdown")
	return err
}

func (c *Client) request(ctx context.Context, name string) (json.RawMessage, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, &ProtocolError{Op: name, Reason: err.Error()}
	}
	defer conn.Close(websocket.StatusNormalClosure, "request done")

	if err := awaitGreeting(ctx, conn); err != nil {
		return nil, err
	}
	if err := writeJSON(ctx, conn, &message{Type: "request", Request: name}); err != nil {
		return nil, err
	}
	msg, err := readStatus(ctx, conn, name)
	if err != nil {
		return nil, err
	}
	return msg.Message, nil
}
