package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

const zrleTileSize = 64

// ZRLE subencoding values. 2-16 is "packed palette of N colours";
// 128 is plain run-length; 129-255 is "palette RLE of subencoding-128
// colours". This implementation's encoder only ever emits Raw, Solid
// and packed-palette tiles (it never emits the two RLE variants,
// mirroring the same no-run-length simplification this package's
// Tight encoder makes for its palette filter); the
// decoder accepts the full subencoding range since any compliant ZRLE
// sender may use them.
const (
	zrleRaw        = 0
	zrleSolid      = 1
	zrlePlainRLE   = 128
	zrlePaletteRLE = 129
)

// ZRLEEncoder tiles the rectangle into 64x64 blocks and writes every
// tile's bytes into one persistent deflate stream shared across the
// whole rectangle (and, per the protocol, across the connection's
// lifetime). Grounded on zlib.go's persistent-stream plumbing; no pack
// repo implements ZRLE.
type ZRLEEncoder struct {
	*persistentDeflate
}

func NewZRLE() *ZRLEEncoder {
	return &ZRLEEncoder{persistentDeflate: newPersistentDeflate()}
}

func (e *ZRLEEncoder) Type() Type { return ZRLE }

func (e *ZRLEEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, ZRLE)
	translate := pixel.NewTranslator(clientFormat)

	var tileBytes []byte
	for ty := r.Y; ty < r.Y+r.H; ty += zrleTileSize {
		th := min(zrleTileSize, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += zrleTileSize {
			tw := min(zrleTileSize, r.X+r.W-tx)
			tile := Rect{X: tx, Y: ty, W: tw, H: th}
			counts := scanColours(fb, tile)

			if len(counts) == 1 {
				var only pixelKey
				for k := range counts {
					only = k
				}
				tileBytes = append(tileBytes, zrleSolid)
				tileBytes = translate(only[0], only[1], only[2], tileBytes)
				continue
			}

			if len(counts) <= 16 {
				tileBytes = e.encodePackedPalette(fb, tile, counts, translate, tileBytes)
				continue
			}

			tileBytes = append(tileBytes, zrleRaw)
			for y := tile.Y; y < tile.Y+tile.H; y++ {
				for x := tile.X; x < tile.X+tile.W; x++ {
					rr, g, b := fb.At(x, y)
					tileBytes = translate(rr, g, b, tileBytes)
				}
			}
		}
	}

	compressed, err := e.deflate(tileBytes)
	if err != nil {
		return out, false, err
	}
	out = appendU32(out, uint32(len(compressed)))
	out = append(out, compressed...)
	return out, true, nil
}

func (e *ZRLEEncoder) encodePackedPalette(fb Framebuffer, tile Rect, counts map[pixelKey]int, translate pixel.Translator, out []byte) []byte {
	palette := make([]pixelKey, 0, len(counts))
	index := make(map[pixelKey]int, len(counts))
	for k := range counts {
		index[k] = len(palette)
		palette = append(palette, k)
	}
	out = append(out, byte(len(palette)))
	for _, k := range palette {
		out = translate(k[0], k[1], k[2], out)
	}

	bitsPerIndex := 8
	switch {
	case len(palette) <= 2:
		bitsPerIndex = 1
	case len(palette) <= 4:
		bitsPerIndex = 2
	case len(palette) <= 16:
		bitsPerIndex = 4
	}
	for y := tile.Y; y < tile.Y+tile.H; y++ {
		var cur byte
		var filled int
		for x := tile.X; x < tile.X+tile.W; x++ {
			rr, g, b := fb.At(x, y)
			idx := byte(index[pixelKey{rr, g, b}])
			cur |= idx << (8 - bitsPerIndex - filled)
			filled += bitsPerIndex
			if filled == 8 {
				out = append(out, cur)
				cur, filled = 0, 0
			}
		}
		if filled > 0 {
			out = append(out, cur)
		}
	}
	return out
}

// ZRLEDecoder mirrors the encoder with one persistent inflate stream
// per connection.
type ZRLEDecoder struct {
	stream *persistentInflate
}

func NewZRLEDecoder() *ZRLEDecoder { return &ZRLEDecoder{stream: newPersistentInflate()} }
func (d *ZRLEDecoder) Type() Type  { return ZRLE }
func (d *ZRLEDecoder) Reset()      { d.stream = newPersistentInflate() }
func (d *ZRLEDecoder) Close() error {
	if d.stream == nil {
		return nil
	}
	return d.stream.Close()
}

func (d *ZRLEDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	if len(body) < 4 {
		return rfberr.New(rfberr.Protocol, "zrle.Decode", "short length", nil)
	}
	n := int(GetUint32(body[0:4]))
	if len(body) < 4+n {
		return rfberr.New(rfberr.Protocol, "zrle.Decode", "short payload", nil)
	}
	bpp := srcFormat.BytesPerPixel()
	want := 0
	for ty := r.Y; ty < r.Y+r.H; ty += zrleTileSize {
		th := min(zrleTileSize, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += zrleTileSize {
			tw := min(zrleTileSize, r.X+r.W-tx)
			want += 1 + tw*th*bpp // worst case: raw subencoding
		}
	}
	raw, err := d.stream.InflateChunk(body[4:4+n], want)
	if err != nil {
		return rfberr.New(rfberr.Codec, "zrle.Decode", "inflate failed", err)
	}

	off := 0
	for ty := r.Y; ty < r.Y+r.H; ty += zrleTileSize {
		th := min(zrleTileSize, r.Y+r.H-ty)
		for tx := r.X; tx < r.X+r.W; tx += zrleTileSize {
			tw := min(zrleTileSize, r.X+r.W-tx)
			tile := Rect{X: tx, Y: ty, W: tw, H: th}
			n, err := decodeZRLETile(raw[off:], tile, bpp, srcFormat, sink)
			if err != nil {
				return err
			}
			off += n
		}
	}
	return nil
}

func decodeZRLETile(body []byte, tile Rect, bpp int, srcFormat pixel.Format, sink PixelSink) (int, error) {
	if len(body) < 1 {
		return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short subencoding", nil)
	}
	sub := body[0]
	off := 1

	switch {
	case sub == zrleRaw:
		need := tile.W * tile.H * bpp
		if len(body) < off+need {
			return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short raw tile", nil)
		}
		i := off
		for y := tile.Y; y < tile.Y+tile.H; y++ {
			for x := tile.X; x < tile.X+tile.W; x++ {
				rr, g, b := decodePixel(body[i:i+bpp], srcFormat)
				sink.SetPixel(x, y, rr, g, b)
				i += bpp
			}
		}
		return off + need, nil

	case sub == zrleSolid:
		if len(body) < off+bpp {
			return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short solid pixel", nil)
		}
		rr, g, b := decodePixel(body[off:off+bpp], srcFormat)
		for y := tile.Y; y < tile.Y+tile.H; y++ {
			for x := tile.X; x < tile.X+tile.W; x++ {
				sink.SetPixel(x, y, rr, g, b)
			}
		}
		return off + bpp, nil

	case sub >= 2 && sub <= 16:
		paletteLen := int(sub)
		if len(body) < off+paletteLen*bpp {
			return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short packed palette", nil)
		}
		palette := make([][3]uint8, paletteLen)
		for i := 0; i < paletteLen; i++ {
			rr, g, b := decodePixel(body[off:off+bpp], srcFormat)
			palette[i] = [3]uint8{rr, g, b}
			off += bpp
		}
		bitsPerIndex := 8
		switch {
		case paletteLen <= 2:
			bitsPerIndex = 1
		case paletteLen <= 4:
			bitsPerIndex = 2
		default:
			bitsPerIndex = 4
		}
		rowBytes := (tile.W*bitsPerIndex + 7) / 8
		need := rowBytes * tile.H
		if len(body) < off+need {
			return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short packed indices", nil)
		}
		for row := 0; row < tile.H; row++ {
			rowData := body[off+row*rowBytes : off+(row+1)*rowBytes]
			filled, byteIdx := 0, 0
			for x := 0; x < tile.W; x++ {
				idx := (rowData[byteIdx] >> (8 - bitsPerIndex - filled)) & ((1 << bitsPerIndex) - 1)
				c := palette[idx]
				sink.SetPixel(tile.X+x, tile.Y+row, c[0], c[1], c[2])
				filled += bitsPerIndex
				if filled == 8 {
					filled, byteIdx = 0, byteIdx+1
				}
			}
		}
		return off + need, nil

	case sub == zrlePlainRLE:
		x, y := tile.X, tile.Y
		total := tile.W * tile.H
		done := 0
		for done < total {
			if len(body) < off+bpp {
				return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short plain RLE pixel", nil)
			}
			rr, g, b := decodePixel(body[off:off+bpp], srcFormat)
			off += bpp
			runLen := 1
			for {
				if len(body) < off+1 {
					return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short plain RLE run", nil)
				}
				v := body[off]
				off++
				runLen += int(v)
				if v != 0xff {
					break
				}
			}
			for i := 0; i < runLen && done < total; i++ {
				sink.SetPixel(x, y, rr, g, b)
				x++
				if x >= tile.X+tile.W {
					x = tile.X
					y++
				}
				done++
			}
		}
		return off, nil

	case sub >= zrlePaletteRLE:
		paletteLen := int(sub) - 128
		if len(body) < off+paletteLen*bpp {
			return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short palette RLE palette", nil)
		}
		palette := make([][3]uint8, paletteLen)
		for i := 0; i < paletteLen; i++ {
			rr, g, b := decodePixel(body[off:off+bpp], srcFormat)
			palette[i] = [3]uint8{rr, g, b}
			off += bpp
		}
		x, y := tile.X, tile.Y
		total := tile.W * tile.H
		done := 0
		for done < total {
			if len(body) < off+1 {
				return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short palette RLE tag", nil)
			}
			tag := body[off]
			off++
			idx := int(tag & 0x7f)
			runLen := 1
			if tag&0x80 != 0 {
				runLen = 1
				for {
					if len(body) < off+1 {
						return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "short palette RLE run", nil)
					}
					v := body[off]
					off++
					runLen += int(v)
					if v != 0xff {
						break
					}
				}
			}
			c := palette[idx]
			for i := 0; i < runLen && done < total; i++ {
				sink.SetPixel(x, y, c[0], c[1], c[2])
				x++
				if x >= tile.X+tile.W {
					x = tile.X
					y++
				}
				done++
			}
		}
		return off, nil

	default:
		return 0, rfberr.New(rfberr.Protocol, "zrle.decodeTile", "unknown subencoding", nil)
	}
}
