// Package transport maintains a single TCP connection to a Snapcast
// server and exposes a framed, typed bidirectional message channel
// (spec §4.2). It performs no retries and no interpretation of
// payload contents; that is the Message Router's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapclient/snapclient-go/pkg/enginerr"
	"github.com/snapclient/snapclient-go/pkg/wire"
)

// ErrNotConnected is returned by Send/Recv before Connect succeeds or
// after Close.
var ErrNotConnected = errors.New("transport: not connected")

// Conn is a single framed TCP connection to a Snapcast server.
type Conn struct {
	log zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	dialer net.Dialer
}

// New creates an unconnected Conn. Call Connect to dial.
func New(log zerolog.Logger) *Conn {
	return &Conn{log: log.With().Str("component", "transport").Logger()}
}

// Connect blocks until the TCP dial to endpoint succeeds, fails, or
// ctx is cancelled (spec: "blocking dial with a caller-supplied cancel
// token; no internal retries").
func (c *Conn) Connect(ctx context.Context, endpoint string) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return enginerr.New(enginerr.Cancelled, "transport.connect", ctx.Err())
		}
		return enginerr.New(enginerr.Transport, "transport.connect", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	c.log.Info().Str("endpoint", endpoint).Msg("connected")
	return nil
}

// Send writes one framed Message. Writes of a single message are
// atomic with respect to other Send calls: no interleaving of two
// messages' bytes on the wire.
func (c *Conn) Send(m wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return enginerr.New(enginerr.Transport, "transport.send", ErrNotConnected)
	}

	buf := wire.Encode(m)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return enginerr.New(enginerr.Transport, "transport.send", ErrNotConnected)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return enginerr.New(enginerr.Transport, "transport.send", err)
	}
	return nil
}

// Recv blocks for exactly one framed Message, io.EOF (clean end of
// stream), or a terminal error. The header's Received timestamp is
// stamped with the moment the first header byte was observed.
func (c *Conn) Recv() (wire.Message, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return wire.Message{}, enginerr.New(enginerr.Transport, "transport.recv", ErrNotConnected)
	}

	var hdrBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:1]); err != nil {
		return wire.Message{}, classifyReadErr("transport.recv.header", err)
	}
	received := wire.TimePointFromMicros(time.Now().UnixMicro())
	if _, err := io.ReadFull(conn, hdrBuf[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return wire.Message{}, classifyReadErr("transport.recv.header", err)
	}

	hdr, err := wire.DecodeHeader(hdrBuf[:])
	if err != nil {
		return wire.Message{}, enginerr.New(enginerr.Protocol, "transport.recv.header", err)
	}
	hdr.Received = received

	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return wire.Message{}, classifyReadErr("transport.recv.payload", err)
		}
	}

	return wire.Message{Header: hdr, Payload: payload}, nil
}

// classifyReadErr maps a partial-read/EOF condition to the right
// enginerr.Kind. A clean EOF at a message boundary is reported as-is
// (io.EOF) so the router can treat it as a normal end-of-stream; any
// partial read mid-message is a protocol error per spec §4.2 ("Any
// partial read at EOF is a protocol error").
func classifyReadErr(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, net.ErrClosed) {
		return enginerr.New(enginerr.Cancelled, op, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return enginerr.New(enginerr.Protocol, op, fmt.Errorf("partial read at EOF: %w", err))
	}
	return enginerr.New(enginerr.Transport, op, err)
}

// Close is idempotent. It causes any outstanding Send/Recv to fail
// with a Cancelled error by closing the underlying socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.log.Info().Msg("closed")
	if err != nil {
		return enginerr.New(enginerr.Transport, "transport.close", err)
	}
	return nil
}
