package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// Cursor carries the local cursor image the update pipeline prepends
// ahead of pixel rectangles as CursorShape/XCursor pseudo-rects, per
// step 7 of the send algorithm.
type Cursor struct {
	HotspotX, HotspotY int
	Width, Height      int
	// Pixels holds width*height RGB triples; Mask holds one bit per
	// pixel (row-major, MSB first, rows padded to a byte boundary),
	// 1 meaning opaque.
	Pixels []pixelKey
	Mask   []byte
}

func cursorMaskBytes(w, h int) int {
	return ((w + 7) / 8) * h
}

// EncodeCursorShape appends a RichCursor pseudo-rectangle: header
// {hotspotX,hotspotY,w,h,PseudoCursor}, then w*h pixels in
// clientFormat, then the row-padded bitmask.
func EncodeCursorShape(c Cursor, clientFormat pixel.Format, out []byte) []byte {
	out = appendU16(out, uint16(c.HotspotX))
	out = appendU16(out, uint16(c.HotspotY))
	out = appendU16(out, uint16(c.Width))
	out = appendU16(out, uint16(c.Height))
	out = appendU32(out, uint32(int32(PseudoCursor)))

	translate := pixel.NewTranslator(clientFormat)
	for _, p := range c.Pixels {
		out = translate(p[0], p[1], p[2], out)
	}
	out = append(out, c.Mask...)
	return out
}

// DecodeCursorShape reads back a RichCursor body (the 12-byte rect
// header is assumed already consumed by the caller, r carries its
// fields: X=hotspotX, Y=hotspotY, W=width, H=height).
func DecodeCursorShape(r Rect, srcFormat pixel.Format, body []byte) (Cursor, error) {
	bpp := srcFormat.BytesPerPixel()
	need := r.W*r.H*bpp + cursorMaskBytes(r.W, r.H)
	if len(body) < need {
		return Cursor{}, rfberr.New(rfberr.Protocol, "pseudo.DecodeCursorShape", "short body", nil)
	}
	c := Cursor{HotspotX: r.X, HotspotY: r.Y, Width: r.W, Height: r.H}
	off := 0
	for i := 0; i < r.W*r.H; i++ {
		rr, g, b := decodePixel(body[off:off+bpp], srcFormat)
		c.Pixels = append(c.Pixels, pixelKey{rr, g, b})
		off += bpp
	}
	maskLen := cursorMaskBytes(r.W, r.H)
	c.Mask = append([]byte(nil), body[off:off+maskLen]...)
	return c, nil
}

// EncodeXCursor appends the two-colour XCursor pseudo-rectangle: two
// fixed 3-byte RGB colours (foreground, background), a 1-bit-per-pixel
// bitmap, and the same row-padded bitmask as RichCursor.
func EncodeXCursor(c Cursor, bg, fg [3]uint8, out []byte) []byte {
	out = appendU16(out, uint16(c.HotspotX))
	out = appendU16(out, uint16(c.HotspotY))
	out = appendU16(out, uint16(c.Width))
	out = appendU16(out, uint16(c.Height))
	out = appendU32(out, uint32(int32(PseudoXCursor)))
	out = append(out, fg[0], fg[1], fg[2])
	out = append(out, bg[0], bg[1], bg[2])

	rowBytes := (c.Width + 7) / 8
	for y := 0; y < c.Height; y++ {
		var row []byte = make([]byte, rowBytes)
		for x := 0; x < c.Width; x++ {
			if c.Pixels[y*c.Width+x] == pixelKey(fg) {
				row[x/8] |= 1 << (7 - uint(x%8))
			}
		}
		out = append(out, row...)
	}
	out = append(out, c.Mask...)
	return out
}

// EncodeNewFBSize appends the NewFBSize pseudo-rectangle signalling a
// framebuffer resize: header only, {x,y} unused, {w,h} the new
// dimensions, no body.
func EncodeNewFBSize(width, height int, out []byte) []byte {
	return WireHeader(out, Rect{W: width, H: height}, PseudoDesktopSize)
}

// EncodeLastRect appends the LastRect sentinel: an empty rectangle
// with no pixel body, terminating an update whose true rectangle
// count could not be known up front.
func EncodeLastRect(out []byte) []byte {
	return WireHeader(out, Rect{}, PseudoLastRect)
}
