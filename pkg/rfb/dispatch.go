package rfb

import (
	"context"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// Client->server message tags, per the public protocol registry.
const (
	cmdSetPixelFormat           = 0
	cmdSetEncodings             = 2
	cmdFramebufferUpdateRequest = 3
	cmdKeyEvent                 = 4
	cmdPointerEvent             = 5
	cmdClientCutText            = 6
	cmdEnableContinuousUpdates  = 150
	cmdFence                    = 248
)

// Serve runs the Normal-phase dispatch loop for c until a fatal error
// or Close. It is the per-client-goroutine ("ServeThreaded") shape;
// the single-threaded poller drives the same per-step logic through
// DispatchOne instead (Server.Serve in poll.go, over
// internal/rfbpoll).
func (c *Client) Serve(ctx context.Context) error {
	for {
		if err := c.DispatchOne(ctx); err != nil {
			return c.fail(rfberr.KindOf(err), "Serve", "dispatch failed", err)
		}
	}
}

// DispatchOne reads and handles exactly one client message, consulting
// registered extensions before the built-in switch, per spec.md §4.D.
func (c *Client) DispatchOne(ctx context.Context) error {
	cmd, err := c.conn.ReadUint8(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "DispatchOne", "read command byte", err)
	}

	if ok, err := c.server.extensions.notifyMessage(c, cmd); ok || err != nil {
		return err
	}

	switch cmd {
	case cmdSetPixelFormat:
		return c.handleSetPixelFormat(ctx)
	case cmdSetEncodings:
		return c.handleSetEncodings(ctx)
	case cmdFramebufferUpdateRequest:
		return c.handleFramebufferUpdateRequest(ctx)
	case cmdKeyEvent:
		return c.handleKeyEvent(ctx)
	case cmdPointerEvent:
		return c.handlePointerEvent(ctx)
	case cmdClientCutText:
		return c.handleClientCutText(ctx)
	case cmdEnableContinuousUpdates:
		return c.handleEnableContinuousUpdates(ctx)
	case cmdFence:
		return c.handleFence(ctx)
	default:
		return rfberr.New(rfberr.Protocol, "DispatchOne", "unsupported command type", nil)
	}
}

func (c *Client) handleSetPixelFormat(ctx context.Context) error {
	if _, err := c.conn.ReadExact(ctx, 3); err != nil { // padding
		return rfberr.New(rfberr.Transport, "handleSetPixelFormat", "read padding", err)
	}
	body, err := c.conn.ReadExact(ctx, 16)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleSetPixelFormat", "read format", err)
	}
	f := parsePixelFormat(body)
	if err := f.Validate(); err != nil {
		return rfberr.New(rfberr.Protocol, "handleSetPixelFormat", "invalid pixel format", err)
	}
	c.mu.Lock()
	c.format = f
	c.translate = pixel.NewTranslator(f)
	c.mu.Unlock()
	return nil
}

func parsePixelFormat(b []byte) pixel.Format {
	return pixel.Format{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       uint16(b[4])<<8 | uint16(b[5]),
		GreenMax:     uint16(b[6])<<8 | uint16(b[7]),
		BlueMax:      uint16(b[8])<<8 | uint16(b[9]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

func (c *Client) handleSetEncodings(ctx context.Context) error {
	if _, err := c.conn.ReadExact(ctx, 1); err != nil { // padding
		return rfberr.New(rfberr.Transport, "handleSetEncodings", "read padding", err)
	}
	n, err := c.conn.ReadUint16(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleSetEncodings", "read count", err)
	}
	c.mu.Lock()
	var preferredSet bool
	for i := 0; i < int(n); i++ {
		raw, err := c.conn.ReadInt32(ctx)
		if err != nil {
			c.mu.Unlock()
			return rfberr.New(rfberr.Transport, "handleSetEncodings", "read encoding id", err)
		}
		id := encoding.Type(raw)
		if id >= 0 {
			if _, ok := c.encoders[id]; ok {
				c.enabledEncodings[id] = true
				if !preferredSet {
					c.preferredEncoding = id
					preferredSet = true
				}
			}
			continue
		}
		c.applyPseudoEncodingLocked(id)
	}
	alreadyInited := c.extensionsInited
	c.extensionsInited = true
	c.mu.Unlock()

	if !alreadyInited {
		c.server.extensions.notifyInit(c)
	}
	return nil
}

func (c *Client) applyPseudoEncodingLocked(id encoding.Type) {
	switch {
	case id == encoding.PseudoFence:
		c.pseudoFence = true
	case id == encoding.PseudoContinuousUpdates:
		c.pseudoContinuous = true
	case id == encoding.PseudoLastRect:
		c.pseudoLastRect = true
	case id == encoding.PseudoCursor, id == encoding.PseudoCursorWithAlpha:
		c.pseudoCursorShape = true
	case id == encoding.PseudoDesktopSize:
		c.pseudoNewFBSize = true
	case id <= -247 && id >= -256:
		c.zlibLevel = int(id) + 256
		if z, ok := c.encoders[encoding.Zlib]; ok {
			z.Reset()
		}
	case id <= -23 && id >= -32:
		c.tightQuality = int(id) + 32
	default:
		if c.server.extensions.notifyPseudoEncoding(c, int32(id)) {
			return
		}
	}
}

func (c *Client) handleFramebufferUpdateRequest(ctx context.Context) error {
	body, err := c.conn.ReadExact(ctx, 9)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleFramebufferUpdateRequest", "read body", err)
	}
	incremental := body[0] != 0
	x := int(uint16(body[1])<<8 | uint16(body[2]))
	y := int(uint16(body[3])<<8 | uint16(body[4]))
	w := int(uint16(body[5])<<8 | uint16(body[6]))
	h := int(uint16(body[7])<<8 | uint16(body[8]))
	rect := region.Rect{X1: x, Y1: y, X2: x + w, Y2: y + h}

	c.update.RequestUpdate(incremental, rect)
	_, err = c.update.Send()
	return err
}

func (c *Client) handleKeyEvent(ctx context.Context) error {
	body, err := c.conn.ReadExact(ctx, 7)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleKeyEvent", "read body", err)
	}
	down := body[0] != 0
	key := uint32(body[3])<<24 | uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6])
	if c.server.handler != nil {
		c.server.handler.OnKeyEvent(c, down, key)
	}
	return nil
}

func (c *Client) handlePointerEvent(ctx context.Context) error {
	body, err := c.conn.ReadExact(ctx, 5)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handlePointerEvent", "read body", err)
	}
	mask := body[0]
	x := int(uint16(body[1])<<8 | uint16(body[2]))
	y := int(uint16(body[3])<<8 | uint16(body[4]))
	if c.server.handler != nil {
		c.server.handler.OnPointerEvent(c, mask, x, y)
	}
	return nil
}

func (c *Client) handleClientCutText(ctx context.Context) error {
	if _, err := c.conn.ReadExact(ctx, 3); err != nil { // padding
		return rfberr.New(rfberr.Transport, "handleClientCutText", "read padding", err)
	}
	n, err := c.conn.ReadUint32(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleClientCutText", "read length", err)
	}
	text, err := c.conn.ReadExact(ctx, int(n))
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleClientCutText", "read text", err)
	}
	if c.server.handler != nil {
		c.server.handler.OnClipboard(c, string(text))
	}
	return nil
}
