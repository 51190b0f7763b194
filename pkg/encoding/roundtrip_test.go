package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
)

// recordingSink is a client-side PixelSink backed by a flat grid, used
// to assert what a real client's local framebuffer mirror would end up
// holding after decoding a rectangle.
type recordingSink struct {
	w, h int
	px   [][3]uint8
}

func newRecordingSink(w, h int) *recordingSink {
	return &recordingSink{w: w, h: h, px: make([][3]uint8, w*h)}
}

func (s *recordingSink) SetPixel(x, y int, r, g, b uint8) {
	s.px[y*s.w+x] = [3]uint8{r, g, b}
}

// CopyRect always goes through a temporary buffer, the same way
// pixel.Framebuffer.CopyRect protects against overlap, since a client
// mirror is just as exposed to source/destination aliasing as the
// server's own store.
func (s *recordingSink) CopyRect(x, y, w, h, srcX, srcY int) {
	tmp := make([][3]uint8, w*h)
	for ry := 0; ry < h; ry++ {
		for rx := 0; rx < w; rx++ {
			tmp[ry*w+rx] = s.px[(srcY+ry)*s.w+(srcX+rx)]
		}
	}
	for ry := 0; ry < h; ry++ {
		for rx := 0; rx < w; rx++ {
			s.px[(y+ry)*s.w+(x+rx)] = tmp[ry*w+rx]
		}
	}
}

func (s *recordingSink) at(x, y int) [3]uint8 { return s.px[y*s.w+x] }

// fillTestPattern paints a deterministic, not-flat gradient into fb so
// every codec under test has more than one colour to work with.
func fillTestPattern(fb *pixel.Framebuffer) {
	w, h := fb.Dimensions()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fb.Set(x, y, uint8(x*16+y), uint8(x+y*7), uint8((x^y)*3))
		}
	}
}

func requireExactRoundTrip(t *testing.T, fb *pixel.Framebuffer, r Rect, sink *recordingSink) {
	t.Helper()
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			wantR, wantG, wantB := fb.At(x, y)
			got := sink.at(x, y)
			require.Equalf(t, [3]uint8{wantR, wantG, wantB}, got, "pixel (%d,%d)", x, y)
		}
	}
}

// TestRoundTripLosslessCodecs is property 3: for every lossless
// encoding, decode_E(encode_E(R, F), F) reproduces R exactly. Tight is
// exercised at quality -1 (lossless, no JPEG sub-mode) so its
// assertion can be exact rather than tolerance-based; the JPEG and
// H264 lossy paths are out of scope for this property.
func TestRoundTripLosslessCodecs(t *testing.T) {
	format := pixel.RGBA888()
	fb := pixel.NewFramebuffer(16, 16, format, 0)
	fillTestPattern(fb)
	r := Rect{X: 0, Y: 0, W: 16, H: 16}

	cases := []struct {
		name string
		enc  Encoder
		dec  Decoder
	}{
		{"Raw", NewRaw(), NewRawDecoder()},
		{"RRE", NewRRE(), NewRREDecoder()},
		{"CoRRE", NewCoRRE(), NewCoRREDecoder()},
		{"Hextile", NewHextile(), NewHextileDecoder()},
		{"Zlib", NewZlib(6), NewZlibDecoder()},
		{"ZlibHex", NewZlibHex(6), NewZlibHexDecoder()},
		{"ZRLE", NewZRLE(), NewZRLEDecoder()},
		{"Tight-lossless", NewTight(-1), NewTightDecoder()},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			wire, ok, err := tc.enc.Encode(fb, r, format, nil)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.enc.Type(), Type(int32(wire[8])<<24|int32(wire[9])<<16|int32(wire[10])<<8|int32(wire[11])))

			sink := newRecordingSink(16, 16)
			err = tc.dec.Decode(r, format, wire[12:], sink)
			require.NoError(t, err)
			requireExactRoundTrip(t, fb, r, sink)
		})
	}
}

// TestRoundTripSubRectangle checks the same property 3 invariant
// against an offset, non-origin rectangle, since several codecs above
// special-case tile boundaries relative to r.X/r.Y.
func TestRoundTripSubRectangle(t *testing.T) {
	format := pixel.RGBA888()
	fb := pixel.NewFramebuffer(32, 32, format, 0)
	fillTestPattern(fb)
	r := Rect{X: 5, Y: 9, W: 17, H: 13}

	cases := []struct {
		name string
		enc  Encoder
		dec  Decoder
	}{
		{"Raw", NewRaw(), NewRawDecoder()},
		{"Hextile", NewHextile(), NewHextileDecoder()},
		{"ZRLE", NewZRLE(), NewZRLEDecoder()},
		{"Tight-lossless", NewTight(-1), NewTightDecoder()},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			wire, ok, err := tc.enc.Encode(fb, r, format, nil)
			require.NoError(t, err)
			require.True(t, ok)

			sink := newRecordingSink(32, 32)
			err = tc.dec.Decode(r, format, wire[12:], sink)
			require.NoError(t, err)
			requireExactRoundTrip(t, fb, r, sink)
		})
	}
}

// TestCopyRectAppliesSourceOffsetBothDirections is property 4: applying
// the emitted CopyRect message to a client mirror reproduces the same
// rectangle pixel.Framebuffer.CopyRect itself would have produced, for
// both a positive and a negative (dx, dy).
func TestCopyRectAppliesSourceOffsetBothDirections(t *testing.T) {
	format := pixel.RGBA888()

	for _, tc := range []struct {
		name           string
		sx, sy, cw, ch int
		dx, dy         int
	}{
		{"positive-offset", 2, 2, 6, 6, 10, 8},
		{"negative-offset", 20, 18, 6, 6, -10, -8},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fb := pixel.NewFramebuffer(32, 32, format, 0)
			fillTestPattern(fb)

			// Seed the client mirror with a full copy of the source, the
			// way an initial non-incremental Raw update would.
			sink := newRecordingSink(32, 32)
			full := Rect{X: 0, Y: 0, W: 32, H: 32}
			wire, ok, err := NewRaw().Encode(fb, full, format, nil)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, NewRawDecoder().Decode(full, format, wire[12:], sink))

			destX, destY := tc.sx+tc.dx, tc.sy+tc.dy
			dest := Rect{X: destX, Y: destY, W: tc.cw, H: tc.ch}
			cpEnc := &CopyRectEncoder{SrcX: tc.sx, SrcY: tc.sy}
			cpWire, ok, err := cpEnc.Encode(fb, dest, format, nil)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, NewCopyRectDecoder().Decode(dest, format, cpWire[12:], sink))

			// The server's own store applies the identical copy so the
			// two can be compared rectangle-for-rectangle.
			fb.CopyRect(tc.sx, tc.sy, tc.cw, tc.ch, tc.dx, tc.dy)
			requireExactRoundTrip(t, fb, dest, sink)
		})
	}
}
