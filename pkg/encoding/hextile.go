package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

const hextileSize = 16

// Hextile subencoding mask bits.
const (
	hextileRaw               = 1 << 0
	hextileBackgroundSpecified = 1 << 1
	hextileForegroundSpecified = 1 << 2
	hextileAnySubrects        = 1 << 3
	hextileSubrectsColoured   = 1 << 4
)

// HextileEncoder tiles the rectangle into 16x16 cells in row-major
// order, carrying forward background/foreground colours between
// cells and never re-emitting an unchanged bg/fg, per the protocol.
type HextileEncoder struct{}

func NewHextile() *HextileEncoder   { return &HextileEncoder{} }
func (e *HextileEncoder) Type() Type { return Hextile }
func (e *HextileEncoder) Reset()     {}
func (e *HextileEncoder) Close() error { return nil }

func (e *HextileEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, Hextile)
	translate := pixel.NewTranslator(clientFormat)

	var haveBG, haveFG bool
	var bg, fg pixelKey

	for ty := r.Y; ty < r.Y+r.H; ty += hextileSize {
		th := min(hextileSize, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += hextileSize {
			tw := min(hextileSize, r.X+r.W-tx)
			tile := Rect{X: tx, Y: ty, W: tw, H: th}
			counts := scanColours(fb, tile)

			if len(counts) == 1 {
				var only pixelKey
				for k := range counts {
					only = k
				}
				mask := byte(0)
				if !haveBG || bg != only {
					mask |= hextileBackgroundSpecified
					bg = only
					haveBG = true
				}
				out = append(out, mask)
				if mask&hextileBackgroundSpecified != 0 {
					out = translate(bg[0], bg[1], bg[2], out)
				}
				continue
			}

			tileBG := mostFrequent(counts)
			subs := subRects(fb, tile, tileBG)
			mask := byte(hextileAnySubrects)
			if !haveBG || bg != tileBG {
				mask |= hextileBackgroundSpecified
			}
			coloured := false
			for i := 1; i < len(subs); i++ {
				if subs[i].px != subs[0].px {
					coloured = true
					break
				}
			}
			if coloured {
				mask |= hextileSubrectsColoured
			} else if !haveFG || fg != subs[0].px {
				mask |= hextileForegroundSpecified
			}

			out = append(out, mask)
			if mask&hextileBackgroundSpecified != 0 {
				bg, haveBG = tileBG, true
				out = translate(bg[0], bg[1], bg[2], out)
			}
			if len(subs) == 0 {
				continue
			}
			if !coloured && mask&hextileForegroundSpecified != 0 {
				fg, haveFG = subs[0].px, true
				out = translate(fg[0], fg[1], fg[2], out)
			}
			out = append(out, byte(len(subs)))
			for _, s := range subs {
				if coloured {
					out = translate(s.px[0], s.px[1], s.px[2], out)
				}
				out = append(out, byte((s.x-tx)<<4|(s.y-ty)), byte((s.w-1)<<4|(s.h-1)))
			}
		}
	}
	return out, true, nil
}

type HextileDecoder struct{}

func NewHextileDecoder() *HextileDecoder { return &HextileDecoder{} }
func (d *HextileDecoder) Type() Type     { return Hextile }
func (d *HextileDecoder) Reset()         {}
func (d *HextileDecoder) Close() error   { return nil }

func (d *HextileDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	bpp := srcFormat.BytesPerPixel()
	off := 0
	var bg, fg [3]uint8
	for ty := r.Y; ty < r.Y+r.H; ty += hextileSize {
		th := min(hextileSize, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += hextileSize {
			tw := min(hextileSize, r.X+r.W-tx)
			if off >= len(body) {
				return rfberr.New(rfberr.Protocol, "hextile.Decode", "short mask", nil)
			}
			mask := body[off]
			off++
			if mask&hextileRaw != 0 {
				need := tw * th * bpp
				if len(body) < off+need {
					return rfberr.New(rfberr.Protocol, "hextile.Decode", "short raw tile", nil)
				}
				i := off
				for y := ty; y < ty+th; y++ {
					for x := tx; x < tx+tw; x++ {
						rr, g, b := decodePixel(body[i:i+bpp], srcFormat)
						sink.SetPixel(x, y, rr, g, b)
						i += bpp
					}
				}
				off += need
				continue
			}
			if mask&hextileBackgroundSpecified != 0 {
				if len(body) < off+bpp {
					return rfberr.New(rfberr.Protocol, "hextile.Decode", "short bg", nil)
				}
				r0, g0, b0 := decodePixel(body[off:off+bpp], srcFormat)
				bg = [3]uint8{r0, g0, b0}
				off += bpp
			}
			for y := ty; y < ty+th; y++ {
				for x := tx; x < tx+tw; x++ {
					sink.SetPixel(x, y, bg[0], bg[1], bg[2])
				}
			}
			if mask&hextileForegroundSpecified != 0 {
				if len(body) < off+bpp {
					return rfberr.New(rfberr.Protocol, "hextile.Decode", "short fg", nil)
				}
				r0, g0, b0 := decodePixel(body[off:off+bpp], srcFormat)
				fg = [3]uint8{r0, g0, b0}
				off += bpp
			}
			if mask&hextileAnySubrects == 0 {
				continue
			}
			if off >= len(body) {
				return rfberr.New(rfberr.Protocol, "hextile.Decode", "short subrect count", nil)
			}
			n := int(body[off])
			off++
			for i := 0; i < n; i++ {
				colour := fg
				if mask&hextileSubrectsColoured != 0 {
					if len(body) < off+bpp {
						return rfberr.New(rfberr.Protocol, "hextile.Decode", "short coloured subrect", nil)
					}
					r0, g0, b0 := decodePixel(body[off:off+bpp], srcFormat)
					colour = [3]uint8{r0, g0, b0}
					off += bpp
				}
				if len(body) < off+2 {
					return rfberr.New(rfberr.Protocol, "hextile.Decode", "short subrect geometry", nil)
				}
				xy := body[off]
				wh := body[off+1]
				off += 2
				sx, sy := int(xy>>4), int(xy&0xf)
				sw, sh := int(wh>>4)+1, int(wh&0xf)+1
				for y := ty + sy; y < ty+sy+sh; y++ {
					for x := tx + sx; x < tx+sx+sw; x++ {
						sink.SetPixel(x, y, colour[0], colour[1], colour[2])
					}
				}
			}
		}
	}
	return nil
}
