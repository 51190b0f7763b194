package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// correMaxWidth/Height bound each CoRRE source tile per the protocol.
const (
	correMaxWidth  = 48
	correMaxHeight = 48
)

// CoRREEncoder splits the rectangle into tiles of at most
// correMaxWidth x correMaxHeight and RRE-encodes each with 8-bit
// subrect coordinates, per the protocol's CoRRE description.
type CoRREEncoder struct{ inner *RREEncoder }

func NewCoRRE() *CoRREEncoder     { return &CoRREEncoder{inner: NewRRE()} }
func (e *CoRREEncoder) Type() Type { return CoRRE }
func (e *CoRREEncoder) Reset()     {}
func (e *CoRREEncoder) Close() error { return nil }

func (e *CoRREEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, CoRRE)
	translate := pixel.NewTranslator(clientFormat)
	for ty := r.Y; ty < r.Y+r.H; ty += correMaxHeight {
		th := min(correMaxHeight, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += correMaxWidth {
			tw := min(correMaxWidth, r.X+r.W-tx)
			tile := Rect{X: tx, Y: ty, W: tw, H: th}
			counts := scanColours(fb, tile)
			bg := mostFrequent(counts)
			subs := subRects(fb, tile, bg)
			out = appendU32(out, uint32(len(subs)))
			out = translate(bg[0], bg[1], bg[2], out)
			for _, s := range subs {
				out = translate(s.px[0], s.px[1], s.px[2], out)
				out = append(out, byte(s.x-tx), byte(s.y-ty), byte(s.w), byte(s.h))
			}
		}
	}
	return out, true, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type CoRREDecoder struct{}

func NewCoRREDecoder() *CoRREDecoder { return &CoRREDecoder{} }
func (d *CoRREDecoder) Type() Type   { return CoRRE }
func (d *CoRREDecoder) Reset()       {}
func (d *CoRREDecoder) Close() error { return nil }

func (d *CoRREDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	bpp := srcFormat.BytesPerPixel()
	off := 0
	for ty := r.Y; ty < r.Y+r.H; ty += correMaxHeight {
		th := min(correMaxHeight, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += correMaxWidth {
			tw := min(correMaxWidth, r.X+r.W-tx)
			if len(body) < off+4+bpp {
				return rfberr.New(rfberr.Protocol, "corre.Decode", "short tile header", nil)
			}
			n := int(GetUint32(body[off : off+4]))
			off += 4
			bgR, bgG, bgB := decodePixel(body[off:off+bpp], srcFormat)
			off += bpp
			for y := ty; y < ty+th; y++ {
				for x := tx; x < tx+tw; x++ {
					sink.SetPixel(x, y, bgR, bgG, bgB)
				}
			}
			for i := 0; i < n; i++ {
				if len(body) < off+bpp+4 {
					return rfberr.New(rfberr.Protocol, "corre.Decode", "short subrect", nil)
				}
				fr, fg, fb := decodePixel(body[off:off+bpp], srcFormat)
				off += bpp
				sx, sy, sw, sh := int(body[off]), int(body[off+1]), int(body[off+2]), int(body[off+3])
				off += 4
				for y := ty + sy; y < ty+sy+sh; y++ {
					for x := tx + sx; x < tx+sx+sw; x++ {
						sink.SetPixel(x, y, fr, fg, fb)
					}
				}
			}
		}
	}
	return nil
}
