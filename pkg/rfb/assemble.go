package rfb

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/update"
)

// cmdFramebufferUpdate is the server->client message tag for a
// FramebufferUpdate, per the public protocol registry.
const cmdFramebufferUpdate = 0

func appendU16(out []byte, v uint16) []byte { return append(out, byte(v>>8), byte(v)) }

// clientSender adapts *Client into update.Sender: it owns steps 6-9 of
// the send algorithm (count, prepend due pseudo-rects, per-rectangle
// encode with Raw fallback, flush). Defined as a named type over
// *Client (not a method directly on Client) so the update.Sender
// contract stays a small, separately documented adapter.
type clientSender Client

func (s *clientSender) client() *Client { return (*Client)(s) }

// SendUpdate implements update.Sender.
func (s *clientSender) SendUpdate(copies []update.CopyRect, pixels []region.Rect, dx, dy int) error {
	c := s.client()

	c.mu.Lock()
	pending := c.takePendingPseudoRectsLocked()
	clientFormat := c.format
	preferred := c.preferredEncoding
	c.mu.Unlock()

	total := len(pending) + len(copies) + len(pixels)
	if total == 0 {
		return nil
	}

	var out []byte
	out = append(out, cmdFramebufferUpdate, 0 /* padding */)
	out = appendU16(out, uint16(total))

	for _, p := range pending {
		out = append(out, p...)
	}

	for _, cp := range copies {
		r := encoding.FromRegionRect(cp.Rect)
		out = encoding.WireHeader(out, r, encoding.CopyRect)
		out = appendU16(out, uint16(r.X-dx))
		out = appendU16(out, uint16(r.Y-dy))
	}

	fb := c.server.fb
	for _, pr := range pixels {
		r := encoding.FromRegionRect(pr)
		var err error
		out, err = c.encodeRect(fb, r, clientFormat, preferred, out)
		if err != nil {
			return err
		}
	}

	return c.writeLocked(func() error { return c.conn.WriteExact(out) })
}

// encodeRect tries the client's preferred encoding first, falling
// back to Raw when the chosen encoder declines (ok=false) or the
// codec fails (§7: Codec errors fall back to Raw for pixel encodings
// rather than closing the connection; H.264 has no fallback and its
// error propagates instead, per spec.md §7).
func (c *Client) encodeRect(fb encoding.Framebuffer, r encoding.Rect, clientFormat pixel.Format, preferred encoding.Type, out []byte) ([]byte, error) {
	if enc, ok := c.encoders[preferred]; ok && preferred != encoding.Raw {
		wire, ok, err := enc.Encode(fb, r, clientFormat, out)
		if err != nil {
			if preferred == encoding.H264 {
				return out, err
			}
			c.server.cfg.Log.Warn("encoder failed, falling back to raw", map[string]interface{}{"encoding": preferred, "err": err})
		} else if ok {
			return wire, nil
		}
	}
	raw := c.encoders[encoding.Raw]
	wire, ok, err := raw.Encode(fb, r, clientFormat, out)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, nil
	}
	return wire, nil
}
