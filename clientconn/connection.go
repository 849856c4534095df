// Package clientconn implements ClientConnection: a per-TCP-connection line
// reader and response writer that submits each client line to a
// DeviceSession and writes the correlated response back, one command in
// flight per connection at a time (spec.md §4.4).
package clientconn

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"gcode-proxy/protocol"
	"gcode-proxy/session"
)

// Submitter is the subset of session.Session a connection depends on.
type Submitter interface {
	Submit(ctx context.Context, line, clientAddr string, deliver func(protocol.Response)) error
}

// Handlers is the subset of the four hooks owned by the client-facing side
// of the pipeline.
type Handlers interface {
	OnGCodeReceived(line, clientAddr string) string
	OnResponseSent(resp protocol.Response, clientAddr string)
}

// Connection owns one accepted TCP socket for the lifetime of that client.
type Connection struct {
	conn     net.Conn
	addr     string
	session  Submitter
	handlers Handlers

	mu     sync.Mutex
	closed bool
}

// New wraps an accepted socket. Run must be called to start serving it.
func New(conn net.Conn, session Submitter, handlers Handlers) *Connection {
	return &Connection{
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		session:  session,
		handlers: handlers,
	}
}

// Addr returns the remote address this connection serves.
func (c *Connection) Addr() string { return c.addr }

// Run reads newline-delimited lines from the socket until EOF, a read/write
// error, or ctx cancellation, submitting each non-empty line to the device
// and writing back its response before reading the next line. It returns
// once the connection is done; callers should not reuse c afterward.
//
// Lines are read with bufio.Reader.ReadString rather than bufio.Scanner:
// Scanner enforces a fixed MaxScanTokenSize (64KB by default) and fails the
// connection on any longer line, but spec.md §4.4 places no per-connection
// read buffer limit beyond the OS receive buffer.
func (c *Connection) Run(ctx context.Context) {
	defer c.Close()

	reader := bufio.NewReader(c.conn)
	for {
		raw, readErr := reader.ReadString('\n')
		line := strings.TrimRight(raw, "\r\n")
		if line != "" {
			rewritten := c.handlers.OnGCodeReceived(line, c.addr)
			if rewritten != "" {
				if err := c.session.Submit(ctx, rewritten, c.addr, c.deliver); err != nil {
					slog.Debug("submission did not complete", "client", c.addr, "error", err)
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Debug("client read error", "client", c.addr, "error", readErr)
			}
			return
		}
	}
}

// deliver writes a single response line back to the client, applying the
// response-sent hook. Invoked by the session for every response assigned to
// a command this connection submitted (informational lines zero or more
// times, then exactly once for the terminal response). A response arriving
// after the connection has already been closed is discarded, per spec.md
// §4.4 ("its response is discarded").
func (c *Connection) deliver(resp protocol.Response) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if _, err := c.conn.Write([]byte(resp.Text + "\n")); err != nil {
		slog.Debug("client write error", "client", c.addr, "error", err)
		c.Close()
		return
	}
	c.handlers.OnResponseSent(resp, c.addr)
}

// Close terminates the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
