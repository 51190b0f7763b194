// Package wire implements component A: a buffered, partial-read
// tolerant, timeout-aware byte stream over a single bidirectional
// transport. It generalizes the teacher's bufio.Reader/bufio.Writer
// wrapping of net.Conn (rfb.go's read/w/flush helpers) from
// panic-on-error to explicit error returns, and adds a deadline-based
// equivalent of the original's EAGAIN/select retry loop.
package wire

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

const (
	// DefaultTimeout is the default overall per-client I/O deadline.
	DefaultTimeout = 20 * time.Second
	// scratchSize is the bounded scratch buffer small reads are
	// served from; reads at or above this size stream directly into
	// the caller's buffer instead.
	scratchSize = 8 * 1024
	// retryInterval is the select-retry cadence accumulated toward
	// the overall timeout, mirroring the original's 5s select loop.
	retryInterval = 5 * time.Second
)

// SecureLayer wraps the raw transport bytes with an additional
// protocol: TLS (anonymous-DH or X.509/VeNCrypt) or a WebSockets
// framing layer. Once established, Conn reads and writes go through
// it transparently.
type SecureLayer interface {
	io.ReadWriteCloser
}

// Conn is the buffered, timeout-aware wrapper every RFB peer (client
// or server) reads and writes through.
type Conn struct {
	nc      net.Conn
	secure  SecureLayer
	br      *bufio.Reader
	bw      *bufio.Writer
	timeout time.Duration

	onWrite func(n int) // sockOffset callback for flow control (§4.F)
}

// New wraps a net.Conn with the default timeout and scratch buffer.
func New(nc net.Conn) *Conn {
	return &Conn{
		nc:      nc,
		br:      bufio.NewReaderSize(nc, scratchSize),
		bw:      bufio.NewWriterSize(nc, scratchSize),
		timeout: DefaultTimeout,
	}
}

// SetSecureLayer installs a SecureLayer (TLS or WebSocket framing)
// that subsequent reads/writes pass through. Any buffered bufio state
// is reset against the new layer.
func (c *Conn) SetSecureLayer(s SecureLayer) {
	c.secure = s
	c.br = bufio.NewReaderSize(s, scratchSize)
	c.bw = bufio.NewWriterSize(s, scratchSize)
}

// SetTimeout changes the per-call overall deadline (default 20s).
func (c *Conn) SetTimeout(d time.Duration) { c.timeout = d }

// SetWriteObserver registers a callback invoked with the number of
// bytes actually written to the wire after each WriteExact, used by
// the flow controller to track "sockOffset".
func (c *Conn) SetWriteObserver(fn func(n int)) { c.onWrite = fn }

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		d = dl
	}
	return d
}

// ReadExact reads exactly n bytes, honouring the configured timeout
// (or ctx's deadline if earlier). Reads below scratchSize are served
// from the bufio scratch buffer; reads at or above it bypass it.
func (c *Conn) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if err := c.nc.SetReadDeadline(c.deadline(ctx)); err != nil {
		return nil, rfberr.New(rfberr.Transport, "ReadExact", "set read deadline", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, classifyReadErr(err)
	}
	return buf, nil
}

// PeekExact returns the next n bytes without consuming them.
func (c *Conn) PeekExact(ctx context.Context, n int) ([]byte, error) {
	if err := c.nc.SetReadDeadline(c.deadline(ctx)); err != nil {
		return nil, rfberr.New(rfberr.Transport, "PeekExact", "set read deadline", err)
	}
	b, err := c.br.Peek(n)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return rfberr.New(rfberr.Transport, "read", "connection closed", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return rfberr.New(rfberr.Transport, "read", "timed out", err)
	}
	return rfberr.New(rfberr.Transport, "read", "i/o error", err)
}

// WriteExact writes all of b, resubmitting partial writes until
// complete or a hard error, accumulating toward the overall deadline
// in retryInterval increments the way the original's select-retry
// cadence did.
func (c *Conn) WriteExact(b []byte) error {
	deadline := time.Now().Add(c.timeout)
	remaining := b
	for len(remaining) > 0 {
		step := deadline
		if d := time.Now().Add(retryInterval); d.Before(step) {
			step = d
		}
		if err := c.nc.SetWriteDeadline(step); err != nil {
			return rfberr.New(rfberr.Transport, "WriteExact", "set write deadline", err)
		}
		// Write straight to the layer below: a bufio.Writer keeps its
		// first error, so a retry through c.bw could never resubmit.
		w := io.Writer(c.nc)
		if c.secure != nil {
			w = c.secure
		}
		n, err := w.Write(remaining)
		remaining = remaining[n:]
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && time.Now().Before(deadline) {
				continue
			}
			return rfberr.New(rfberr.Transport, "write", "i/o error", err)
		}
	}
	if err := c.bw.Flush(); err != nil {
		return rfberr.New(rfberr.Transport, "write", "flush failed", err)
	}
	if c.onWrite != nil {
		c.onWrite(len(b))
	}
	return nil
}

// WaitReadable blocks until the connection has data available or the
// timeout elapses.
func (c *Conn) WaitReadable(timeout time.Duration) error {
	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return rfberr.New(rfberr.Transport, "WaitReadable", "set read deadline", err)
	}
	_, err := c.br.Peek(1)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return rfberr.New(rfberr.Transport, "WaitReadable", "timed out", err)
		}
		return classifyReadErr(err)
	}
	return nil
}

// Close closes the underlying secure layer (if any) and transport.
func (c *Conn) Close() error {
	var err error
	if c.secure != nil {
		err = c.secure.Close()
	}
	if cerr := c.nc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RemoteAddr exposes the underlying transport's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
