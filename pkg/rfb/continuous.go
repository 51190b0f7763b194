package rfb

import (
	"context"

	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// cmdEndOfContinuousUpdates is the server->client message tag sent
// when the server stops honouring continuous updates, per the
// RFC-VIII proposal shape spec.md §9/§13 directs this repo to follow
// (only rfbSendEndOfCU is defined in the original source; the request
// side is specified here).
const cmdEndOfContinuousUpdates = 150

// handleEnableContinuousUpdates parses
// EnableContinuousUpdates{enable:u8, x,y,w,h:u16} from the client. When
// enabled, the rectangle is added to the requested region once and an
// update is sent at once; the rectangle does not stay requested after
// that send, so later updates still wait for a
// FramebufferUpdateRequest. When disabled, EndOfContinuousUpdates is
// written.
func (c *Client) handleEnableContinuousUpdates(ctx context.Context) error {
	body, err := c.conn.ReadExact(ctx, 9)
	if err != nil {
		return rfberr.New(rfberr.Transport, "handleEnableContinuousUpdates", "read body", err)
	}
	enable := body[0] != 0
	x := int(uint16(body[1])<<8 | uint16(body[2]))
	y := int(uint16(body[3])<<8 | uint16(body[4]))
	w := int(uint16(body[5])<<8 | uint16(body[6]))
	h := int(uint16(body[7])<<8 | uint16(body[8]))
	rect := region.Rect{X1: x, Y1: y, X2: x + w, Y2: y + h}

	c.mu.Lock()
	c.continuousActive = enable
	c.mu.Unlock()

	if enable {
		c.update.RequestUpdate(true, rect)
		_, err := c.update.Send()
		return err
	}
	return c.writeLocked(func() error {
		return c.conn.WriteExact([]byte{cmdEndOfContinuousUpdates})
	})
}

// pushContinuous, while continuous updates are active, requests rect
// again and runs a send. It is unexported and nothing in this module
// calls it.
func (c *Client) pushContinuous(rect region.Rect) error {
	c.mu.Lock()
	active := c.continuousActive
	c.mu.Unlock()
	if !active {
		return nil
	}
	c.update.RequestUpdate(true, rect)
	_, err := c.update.Send()
	return err
}
