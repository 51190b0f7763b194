package rfb

import (
	"context"

	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// Fence message flags, per the public protocol registry.
const (
	fenceBlockBefore = 1 << 0
	fenceBlockAfter  = 1 << 1
	fenceSyncNext    = 1 << 2
	fenceRequest     = 1 << 31
)

func appendU32(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// handleFence processes a Fence message received from the client: a
// Request fence must be echoed back with the Request flag cleared; a
// non-Request fence is the peer's reply to a ping this side sent
// (component F's RTT measurement).
func (c *Client) handleFence(ctx context.Context) error {
	if _, err := c.conn.ReadExact(ctx, 3); err != nil { // padding
		return rfberr.New(rfberr.Transport, "handleFence", "read padding", err)
	}
	flags, err := c.conn.ReadUint32(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleFence", "read flags", err)
	}
	length, err := c.conn.ReadUint8(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleFence", "read length", err)
	}
	data, err := c.conn.ReadExact(ctx, int(length))
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleFence", "read payload", err)
	}

	if flags&fenceRequest != 0 {
		return c.writeLocked(func() error { return c.writeFence(flags&^fenceRequest, data) })
	}
	c.flow.OnPong(nowNano())
	return nil
}

func (c *Client) writeFence(flags uint32, data []byte) error {
	out := []byte{cmdFence, 0, 0, 0}
	out = appendU32(out, flags)
	out = append(out, byte(len(data)))
	out = append(out, data...)
	return c.conn.WriteExact(out)
}

// SendRTTPing sends a Request|BlockBefore fence with a one-byte
// payload, recording the pending ping with the flow controller. A
// no-op if the client never negotiated the Fence pseudo-encoding.
func (c *Client) SendRTTPing() error {
	c.mu.Lock()
	enabled := c.pseudoFence
	c.mu.Unlock()
	if !enabled {
		return nil
	}
	c.flow.SendRTTPing(nowNano())
	return c.writeLocked(func() error {
		return c.writeFence(fenceRequest|fenceBlockBefore, []byte{0x01})
	})
}
