package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// RawEncoder emits translated pixels row by row, generalized from the
// teacher's pushGenericLocked/pushRGBAScreensThousandsLocked pair into
// a single generic path driven by a pixel.Translator. It returns the
// complete rectangle in one slice, which nothing downstream splits at
// UpdateBufSize; a rectangle whose single scanline would exceed
// UpdateBufSize is rejected with an error.
type RawEncoder struct{}

func NewRaw() *RawEncoder { return &RawEncoder{} }

func (e *RawEncoder) Type() Type { return Raw }
func (e *RawEncoder) Reset()     {}
func (e *RawEncoder) Close() error { return nil }

func (e *RawEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	if r.W <= 0 || r.H <= 0 {
		return out, false, rfberr.New(rfberr.Codec, "raw.Encode", "empty rectangle", nil)
	}
	out = WireHeader(out, r, Raw)
	translate := pixel.NewTranslator(clientFormat)
	rowBytes := r.W * clientFormat.BytesPerPixel()
	if rowBytes > UpdateBufSize {
		return out, false, rfberr.New(rfberr.Transport, "raw.Encode", "scanline wider than flush buffer", nil)
	}
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			red, green, blue := fb.At(x, y)
			out = translate(red, green, blue, out)
		}
	}
	return out, true, nil
}

// RawDecoder reconstructs pixels from raw wire bytes.
type RawDecoder struct{}

func NewRawDecoder() *RawDecoder   { return &RawDecoder{} }
func (d *RawDecoder) Type() Type   { return Raw }
func (d *RawDecoder) Reset()       {}
func (d *RawDecoder) Close() error { return nil }

func (d *RawDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	bpp := srcFormat.BytesPerPixel()
	need := r.W * r.H * bpp
	if len(body) < need {
		return rfberr.New(rfberr.Protocol, "raw.Decode", "short rectangle body", nil)
	}
	i := 0
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			rr, g, b := decodePixel(body[i:i+bpp], srcFormat)
			sink.SetPixel(x, y, rr, g, b)
			i += bpp
		}
	}
	return nil
}

// decodePixel reverses appendPixel/translate: interpret bpp wire
// bytes as a pixel.Format value and scale each channel back to 8 bits.
func decodePixel(b []byte, f pixel.Format) (r, g, bl uint8) {
	var v uint32
	if f.BigEndian {
		for _, c := range b {
			v = v<<8 | uint32(c)
		}
	} else {
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint32(b[i])
		}
	}
	if !f.TrueColour {
		return uint8(v), 0, 0
	}
	r = scaleDown(v, f.RedShift, f.RedMax)
	g = scaleDown(v, f.GreenShift, f.GreenMax)
	bl = scaleDown(v, f.BlueShift, f.BlueMax)
	return
}

func scaleDown(v uint32, shift uint8, max uint16) uint8 {
	bits := bitsFor(max)
	c := (v >> shift) & uint32(max)
	if bits >= 8 {
		return uint8(c >> uint(bits-8))
	}
	return uint8(c << uint(8-bits))
}

func bitsFor(max uint16) int {
	n := 0
	for v := uint32(max); v != 0; v >>= 1 {
		n++
	}
	return n
}
