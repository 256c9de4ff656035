package sip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Connection reads and writes SIP messages over a stream. Receives use a
// bounded deadline so callers can poll a shutdown signal between messages
// instead of blocking indefinitely.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewConnection wraps an accepted stream.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, r: bufio.NewReader(conn)}
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RecvTimeout blocks up to the given duration for one message. An idle
// timeout yields (nil, nil) so the caller can check for shutdown and poll
// again; a closed or failed stream yields an error.
func (c *Connection) RecvTimeout(timeout time.Duration) (*Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("sip: setting read deadline: %w", err)
	}

	line, err := c.r.ReadString('\r')
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if line != "" {
				// Partial message stranded by the deadline; fail
				// rather than silently dropping bytes.
				return nil, fmt.Errorf("sip: timed out mid-message")
			}
			return nil, nil
		}
		if errors.Is(err, io.EOF) && line == "" {
			return nil, fmt.Errorf("sip: peer disconnected")
		}
		return nil, fmt.Errorf("sip: receive failed: %w", err)
	}

	return Decode(line)
}

// Send writes one message.
func (c *Connection) Send(m *Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return fmt.Errorf("sip: setting write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(m.Encode() + "\r")); err != nil {
		return fmt.Errorf("sip: send failed: %w", err)
	}
	return nil
}

// Disconnect closes the stream. SIP has no goodbye message; the socket is
// simply chopped off.
func (c *Connection) Disconnect() error {
	return c.conn.Close()
}
