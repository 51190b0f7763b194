package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// RREEncoder scans the rectangle, identifies the most-frequent pixel
// as the background, and emits {bgPixel, nSubrects, [fgPixel,x,y,w,h]*}
// per the protocol's RRE description. No pack repo implements RRE (it
// is a bespoke RFB sub-encoding, not a general-purpose scheme), so the
// scan/run-length logic below is written directly from the spec text.
type RREEncoder struct{}

func NewRRE() *RREEncoder   { return &RREEncoder{} }
func (e *RREEncoder) Type() Type { return RRE }
func (e *RREEncoder) Reset()     {}
func (e *RREEncoder) Close() error { return nil }

type pixelKey [3]uint8

func scanColours(fb Framebuffer, r Rect) map[pixelKey]int {
	counts := make(map[pixelKey]int)
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			rr, g, b := fb.At(x, y)
			counts[pixelKey{rr, g, b}]++
		}
	}
	return counts
}

func mostFrequent(counts map[pixelKey]int) pixelKey {
	var best pixelKey
	bestN := -1
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best
}

// subRects finds maximal same-colour axis-aligned runs that are not
// the background colour, merged row to row when identical in X
// extent to avoid one subrect per scanline for vertical stripes.
func subRects(fb Framebuffer, r Rect, bg pixelKey) []struct {
	px      pixelKey
	x, y, w, h int
} {
	type key = pixelKey
	type openRun struct {
		px   key
		x, w int
		y, h int
	}
	var open []openRun
	var done []struct {
		px      pixelKey
		x, y, w, h int
	}
	for y := r.Y; y < r.Y+r.H; y++ {
		var rowRuns []openRun
		x := r.X
		for x < r.X+r.W {
			rr, g, b := fb.At(x, y)
			px := key{rr, g, b}
			startX := x
			for x < r.X+r.W {
				rr2, g2, b2 := fb.At(x, y)
				if (key{rr2, g2, b2}) != px {
					break
				}
				x++
			}
			if px != bg {
				rowRuns = append(rowRuns, openRun{px: px, x: startX, w: x - startX, y: y, h: 1})
			}
		}
		// try to extend matching open runs from the previous row
		var stillOpen []openRun
		used := make([]bool, len(rowRuns))
		for _, o := range open {
			extended := false
			for i, rr := range rowRuns {
				if !used[i] && rr.px == o.px && rr.x == o.x && rr.w == o.w {
					stillOpen = append(stillOpen, openRun{px: o.px, x: o.x, w: o.w, y: o.y, h: o.h + 1})
					used[i] = true
					extended = true
					break
				}
			}
			if !extended {
				done = append(done, struct {
					px      pixelKey
					x, y, w, h int
				}{o.px, o.x, o.y, o.w, o.h})
			}
		}
		for i, rr := range rowRuns {
			if !used[i] {
				stillOpen = append(stillOpen, openRun{px: rr.px, x: rr.x, w: rr.w, y: rr.y, h: 1})
			}
		}
		open = stillOpen
	}
	for _, o := range open {
		done = append(done, struct {
			px      pixelKey
			x, y, w, h int
		}{o.px, o.x, o.y, o.w, o.h})
	}
	return done
}

func (e *RREEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, RRE)
	counts := scanColours(fb, r)
	bg := mostFrequent(counts)
	subs := subRects(fb, r, bg)

	translate := pixel.NewTranslator(clientFormat)
	out = appendU32(out, uint32(len(subs)))
	out = translate(bg[0], bg[1], bg[2], out)
	for _, s := range subs {
		out = translate(s.px[0], s.px[1], s.px[2], out)
		out = appendU16(out, uint16(s.x-r.X))
		out = appendU16(out, uint16(s.y-r.Y))
		out = appendU16(out, uint16(s.w))
		out = appendU16(out, uint16(s.h))
	}
	return out, true, nil
}

type RREDecoder struct{}

func NewRREDecoder() *RREDecoder { return &RREDecoder{} }
func (d *RREDecoder) Type() Type { return RRE }
func (d *RREDecoder) Reset()     {}
func (d *RREDecoder) Close() error { return nil }

func (d *RREDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	bpp := srcFormat.BytesPerPixel()
	if len(body) < 4+bpp {
		return rfberr.New(rfberr.Protocol, "rre.Decode", "short header", nil)
	}
	n := int(GetUint32(body[0:4]))
	off := 4
	bgR, bgG, bgB := decodePixel(body[off:off+bpp], srcFormat)
	off += bpp
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			sink.SetPixel(x, y, bgR, bgG, bgB)
		}
	}
	for i := 0; i < n; i++ {
		if len(body) < off+bpp+8 {
			return rfberr.New(rfberr.Protocol, "rre.Decode", "short subrect", nil)
		}
		fr, fg, fb := decodePixel(body[off:off+bpp], srcFormat)
		off += bpp
		sx := int(GetUint16(body[off : off+2]))
		sy := int(GetUint16(body[off+2 : off+4]))
		sw := int(GetUint16(body[off+4 : off+6]))
		sh := int(GetUint16(body[off+6 : off+8]))
		off += 8
		for y := r.Y + sy; y < r.Y+sy+sh; y++ {
			for x := r.X + sx; x < r.X+sx+sw; x++ {
				sink.SetPixel(x, y, fr, fg, fb)
			}
		}
	}
	return nil
}

func GetUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func GetUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
