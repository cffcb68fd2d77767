package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agentsh/loadguard/internal/guard"
)

// Client talks to a guard's control channel over one connection.
// It is not safe for concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, timeout: 10 * time.Second}
}

// Connect dials addr and returns a client.
func Connect(addr string, timeout time.Duration) (*Client, error) {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(msgType byte, payload []byte, want byte) ([]byte, error) {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := WriteFrame(c.conn, msgType, payload); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	got, reply, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	switch got {
	case want:
		return reply, nil
	case MsgError:
		return nil, errors.New(string(reply))
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, got)
	}
}

// SetPolicy replaces the guard's blacklist and returns the stored count.
func (c *Client) SetPolicy(names []string) (int, error) {
	if names == nil {
		names = []string{}
	}
	payload, err := json.Marshal(policyRequest{Names: names})
	if err != nil {
		return 0, err
	}
	reply, err := c.roundTrip(MsgSetPolicy, payload, MsgOK)
	if err != nil {
		return 0, err
	}
	var r policyReply
	if err := json.Unmarshal(reply, &r); err != nil {
		return 0, fmt.Errorf("decode reply: %w", err)
	}
	return r.Count, nil
}

// Status returns the guard's status.
func (c *Client) Status() (guard.Status, error) {
	var st guard.Status
	reply, err := c.roundTrip(MsgStatus, nil, MsgStatusReply)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(reply, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Stats returns the guard's counters in Prometheus text format.
func (c *Client) Stats() (string, error) {
	reply, err := c.roundTrip(MsgStats, nil, MsgStatsReply)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}
