package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// CopyRectEncoder emits the 4-byte source position; it never touches
// pixel data and is only ever emitted for the pipeline's copyRegion,
// never for modifiedRegion.
type CopyRectEncoder struct {
	SrcX, SrcY int
}

func NewCopyRect() *CopyRectEncoder  { return &CopyRectEncoder{} }
func (e *CopyRectEncoder) Type() Type { return CopyRect }
func (e *CopyRectEncoder) Reset()     {}
func (e *CopyRectEncoder) Close() error { return nil }

func (e *CopyRectEncoder) Encode(_ Framebuffer, r Rect, _ pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, CopyRect)
	out = appendU16(out, uint16(e.SrcX))
	out = appendU16(out, uint16(e.SrcY))
	return out, true, nil
}

type CopyRectDecoder struct{}

func NewCopyRectDecoder() *CopyRectDecoder { return &CopyRectDecoder{} }
func (d *CopyRectDecoder) Type() Type      { return CopyRect }
func (d *CopyRectDecoder) Reset()          {}
func (d *CopyRectDecoder) Close() error    { return nil }

func (d *CopyRectDecoder) Decode(r Rect, _ pixel.Format, body []byte, sink PixelSink) error {
	if len(body) < 4 {
		return rfberr.New(rfberr.Protocol, "copyrect.Decode", "short body", nil)
	}
	srcX := int(uint16(body[0])<<8 | uint16(body[1]))
	srcY := int(uint16(body[2])<<8 | uint16(body[3]))
	sink.CopyRect(r.X, r.Y, r.W, r.H, srcX, srcY)
	return nil
}
