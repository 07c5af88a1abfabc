package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client is a bridge connection used by tools to talk to a running engine
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

// Dial connects to the bridge socket at path and identifies as a tool,
// so the connection never receives platform broadcasts.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	c := &Client{conn: conn, scanner: scanner, enc: json.NewEncoder(conn)}

	if _, err := c.Request(ctx, Message{Type: TypeHello, Role: RoleTool}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge handshake failed: %w", err)
	}
	return c, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Request sends msg and waits for the reply carrying the same ID.
// Broadcasts received in the meantime are skipped. An error reply is
// returned as an error along with the reply.
func (c *Client) Request(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if err := c.enc.Encode(msg); err != nil {
		return Message{}, fmt.Errorf("failed to send request: %w", err)
	}

	for c.scanner.Scan() {
		var reply Message
		if err := json.Unmarshal(c.scanner.Bytes(), &reply); err != nil {
			return Message{}, fmt.Errorf("invalid reply: %w", err)
		}
		if reply.ID != msg.ID {
			continue
		}
		if reply.Type == TypeError {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	}

	if err := c.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("failed to read reply: %w", err)
	}
	return Message{}, errors.New("bridge closed the connection")
}
