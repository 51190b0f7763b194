package encoding

import (
	"bytes"
	"compress/zlib"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// Tight compression-control bits (first byte of the compact-length
// header for a Basic-filter subrectangle) and stream selectors.
const (
	tightExplicitFilter = 1 << 6
	tightStreamMask     = 0x03
	tightResetMask      = 0x0f

	tightFilterCopy    = 0
	tightFilterPalette = 1
	tightFilterGradient = 2

	tightFillID    = 0x80
	tightJPEGID    = 0x90
	tightBasicID   = 0x00 // low 2 bits carry the stream id when below 0x80
	tightStreamCount = 4
)

// TightEncoder implements the four-stream Tight scheme: Fill for
// solid rectangles, JPEG for photographic content above the area
// threshold, Palette for low-colour-count blocks, and Basic (raw
// through one of four independent zlib streams) otherwise. No pack
// repo carries Tight; the stream-selection and compact-length framing
// below follow the protocol text directly, reusing image/jpeg for the
// photographic path per DESIGN.md (stdlib is the only JPEG encoder in
// the corpus; no third-party JPEG library appears anywhere in the
// pack).
type TightEncoder struct {
	quality int // 0-9, -1 = lossless (no JPEG)
	zw      [tightStreamCount]*zlib.Writer
	buf     [tightStreamCount]bytes.Buffer
}

func NewTight(quality int) *TightEncoder {
	e := &TightEncoder{quality: quality}
	for i := range e.zw {
		e.zw[i], _ = zlib.NewWriterLevel(&e.buf[i], zlib.DefaultCompression)
	}
	return e
}

func (e *TightEncoder) Type() Type { return Tight }

func (e *TightEncoder) Reset() {
	for i := range e.zw {
		e.buf[i].Reset()
		e.zw[i], _ = zlib.NewWriterLevel(&e.buf[i], zlib.DefaultCompression)
	}
}

func (e *TightEncoder) Close() error {
	for i := range e.zw {
		if e.zw[i] != nil {
			if err := e.zw[i].Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *TightEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, Tight)

	counts := scanColours(fb, r)
	if len(counts) == 1 {
		var only pixelKey
		for k := range counts {
			only = k
		}
		out = append(out, tightFillID)
		translate := pixel.NewTranslator(clientFormat)
		out = translate(only[0], only[1], only[2], out)
		return out, true, nil
	}

	if e.quality >= 0 && r.W*r.H >= 4096 {
		jpegBytes, err := e.encodeJPEG(fb, r)
		if err == nil {
			out = append(out, tightJPEGID)
			out = appendCompactLength(out, len(jpegBytes))
			out = append(out, jpegBytes...)
			return out, true, nil
		}
	}

	if len(counts) <= 256 {
		return e.encodePalette(fb, r, clientFormat, counts, out)
	}
	return e.encodeBasic(fb, r, clientFormat, out)
}

func (e *TightEncoder) encodeJPEG(fb Framebuffer, r Rect) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.W, r.H))
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			rr, g, b := fb.At(r.X+x, r.Y+y)
			img.SetRGBA(x, y, color.RGBA{R: rr, G: g, B: b, A: 0xff})
		}
	}
	var buf bytes.Buffer
	q := 10 + e.quality*10 // crude quality-level 0-9 to JPEG quality mapping
	if q > 100 {
		q = 100
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *TightEncoder) encodePalette(fb Framebuffer, r Rect, clientFormat pixel.Format, counts map[pixelKey]int, out []byte) ([]byte, bool, error) {
	palette := make([]pixelKey, 0, len(counts))
	index := make(map[pixelKey]int, len(counts))
	for k := range counts {
		index[k] = len(palette)
		palette = append(palette, k)
	}

	bitsPerIndex := 8
	if len(palette) <= 2 {
		bitsPerIndex = 1
	} else if len(palette) <= 4 {
		bitsPerIndex = 2
	} else if len(palette) <= 16 {
		bitsPerIndex = 4
	}

	translate := pixel.NewTranslator(clientFormat)
	var paletteBytes []byte
	for _, k := range palette {
		paletteBytes = translate(k[0], k[1], k[2], paletteBytes)
	}

	var indexed []byte
	if bitsPerIndex == 8 {
		indexed = make([]byte, 0, r.W*r.H)
		for y := r.Y; y < r.Y+r.H; y++ {
			for x := r.X; x < r.X+r.W; x++ {
				rr, g, b := fb.At(x, y)
				indexed = append(indexed, byte(index[pixelKey{rr, g, b}]))
			}
		}
	} else {
		rowBytes := (r.W*bitsPerIndex + 7) / 8
		indexed = make([]byte, 0, rowBytes*r.H)
		for y := r.Y; y < r.Y+r.H; y++ {
			var cur byte
			var filled int
			for x := r.X; x < r.X+r.W; x++ {
				rr, g, b := fb.At(x, y)
				idx := byte(index[pixelKey{rr, g, b}])
				cur |= idx << (8 - bitsPerIndex - filled)
				filled += bitsPerIndex
				if filled == 8 {
					indexed = append(indexed, cur)
					cur, filled = 0, 0
				}
			}
			if filled > 0 {
				indexed = append(indexed, cur)
			}
		}
	}

	streamID := 1
	compressed, err := e.deflate(streamID, indexed)
	if err != nil {
		return out, false, err
	}

	out = append(out, byte(tightFilterPalette<<4)|tightExplicitFilter|byte(streamID))
	out = append(out, byte(len(palette)-1))
	out = append(out, paletteBytes...)
	out = appendCompactLength(out, len(compressed))
	out = append(out, compressed...)
	return out, true, nil
}

func (e *TightEncoder) encodeBasic(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	raw := rawPixels(fb, r, clientFormat)
	streamID := 0
	compressed, err := e.deflate(streamID, raw)
	if err != nil {
		return out, false, err
	}
	out = append(out, byte(streamID))
	out = appendCompactLength(out, len(compressed))
	out = append(out, compressed...)
	return out, true, nil
}

func (e *TightEncoder) deflate(streamID int, data []byte) ([]byte, error) {
	if _, err := e.zw[streamID].Write(data); err != nil {
		return nil, rfberr.New(rfberr.Codec, "tight.Encode", "deflate write failed", err)
	}
	if err := e.zw[streamID].Flush(); err != nil {
		return nil, rfberr.New(rfberr.Codec, "tight.Encode", "deflate flush failed", err)
	}
	out := append([]byte(nil), e.buf[streamID].Bytes()...)
	e.buf[streamID].Reset()
	return out, nil
}

func decodeJPEGInto(data []byte, r Rect, sink PixelSink) error {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return rfberr.New(rfberr.Codec, "tight.decodeJPEG", "jpeg decode failed", err)
	}
	bounds := img.Bounds()
	for y := 0; y < r.H && y < bounds.Dy(); y++ {
		for x := 0; x < r.W && x < bounds.Dx(); x++ {
			rr, gg, bb, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			sink.SetPixel(r.X+x, r.Y+y, uint8(rr>>8), uint8(gg>>8), uint8(bb>>8))
		}
	}
	return nil
}

// appendCompactLength writes Tight's 1-3 byte variable-length integer.
func appendCompactLength(out []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func readCompactLength(body []byte) (n int, consumed int, err error) {
	shift := 0
	for i := 0; i < 3 && i < len(body); i++ {
		b := body[i]
		n |= int(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return n, i + 1, nil
		}
	}
	return 0, 0, rfberr.New(rfberr.Protocol, "tight.readCompactLength", "malformed compact length", nil)
}

// TightDecoder mirrors the encoder's stream selection. Each of the
// four basic/palette streams gets its own persistentInflate so window
// state tracks the encoder's four independent zlib.Writer instances.
type TightDecoder struct {
	streams [tightStreamCount]*persistentInflate
}

func NewTightDecoder() *TightDecoder {
	d := &TightDecoder{}
	for i := range d.streams {
		d.streams[i] = newPersistentInflate()
	}
	return d
}

func (d *TightDecoder) Type() Type { return Tight }
func (d *TightDecoder) Reset() {
	for i := range d.streams {
		d.streams[i] = newPersistentInflate()
	}
}
func (d *TightDecoder) Close() error {
	for _, s := range d.streams {
		if s != nil {
			if err := s.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *TightDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	if len(body) < 1 {
		return rfberr.New(rfberr.Protocol, "tight.Decode", "empty body", nil)
	}
	ctl := body[0]
	bpp := srcFormat.BytesPerPixel()

	switch {
	case ctl == tightFillID:
		if len(body) < 1+bpp {
			return rfberr.New(rfberr.Protocol, "tight.Decode", "short fill pixel", nil)
		}
		rr, g, b := decodePixel(body[1:1+bpp], srcFormat)
		for y := r.Y; y < r.Y+r.H; y++ {
			for x := r.X; x < r.X+r.W; x++ {
				sink.SetPixel(x, y, rr, g, b)
			}
		}
		return nil

	case ctl == tightJPEGID:
		n, consumed, err := readCompactLength(body[1:])
		if err != nil {
			return err
		}
		start := 1 + consumed
		if len(body) < start+n {
			return rfberr.New(rfberr.Protocol, "tight.Decode", "short jpeg payload", nil)
		}
		return decodeJPEGInto(body[start:start+n], r, sink)

	default:
		filter := tightFilterCopy
		streamID := int(ctl & tightStreamMask)
		if ctl&tightExplicitFilter != 0 {
			filter = int(ctl>>4) & 0x03
		}
		switch filter {
		case tightFilterPalette:
			return d.decodePalette(r, srcFormat, streamID, body[1:], sink)
		case tightFilterGradient:
			return rfberr.New(rfberr.Codec, "tight.Decode", "gradient filter not supported", nil)
		default:
			return d.decodeBasic(r, srcFormat, streamID, body[1:], sink)
		}
	}
}

func (d *TightDecoder) decodeBasic(r Rect, srcFormat pixel.Format, streamID int, body []byte, sink PixelSink) error {
	n, consumed, err := readCompactLength(body)
	if err != nil {
		return err
	}
	body = body[consumed:]
	if len(body) < n {
		return rfberr.New(rfberr.Protocol, "tight.decodeBasic", "short payload", nil)
	}
	bpp := srcFormat.BytesPerPixel()
	want := r.W * r.H * bpp
	raw, err := d.streams[streamID].InflateChunk(body[:n], want)
	if err != nil {
		return rfberr.New(rfberr.Codec, "tight.decodeBasic", "inflate failed", err)
	}
	i := 0
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			rr, g, b := decodePixel(raw[i:i+bpp], srcFormat)
			sink.SetPixel(x, y, rr, g, b)
			i += bpp
		}
	}
	return nil
}

func (d *TightDecoder) decodePalette(r Rect, srcFormat pixel.Format, streamID int, body []byte, sink PixelSink) error {
	if len(body) < 1 {
		return rfberr.New(rfberr.Protocol, "tight.decodePalette", "short palette count", nil)
	}
	paletteLen := int(body[0]) + 1
	body = body[1:]
	bpp := srcFormat.BytesPerPixel()
	if len(body) < paletteLen*bpp {
		return rfberr.New(rfberr.Protocol, "tight.decodePalette", "short palette", nil)
	}
	palette := make([][3]uint8, paletteLen)
	for i := 0; i < paletteLen; i++ {
		rr, g, b := decodePixel(body[i*bpp:(i+1)*bpp], srcFormat)
		palette[i] = [3]uint8{rr, g, b}
	}
	body = body[paletteLen*bpp:]

	bitsPerIndex := 8
	if paletteLen <= 2 {
		bitsPerIndex = 1
	} else if paletteLen <= 4 {
		bitsPerIndex = 2
	} else if paletteLen <= 16 {
		bitsPerIndex = 4
	}
	rowBytes := (r.W*bitsPerIndex + 7) / 8
	want := rowBytes * r.H
	if bitsPerIndex == 8 {
		want = r.W * r.H
	}

	n, consumed, err := readCompactLength(body)
	if err != nil {
		return err
	}
	body = body[consumed:]
	if len(body) < n {
		return rfberr.New(rfberr.Protocol, "tight.decodePalette", "short payload", nil)
	}
	raw, err := d.streams[streamID].InflateChunk(body[:n], want)
	if err != nil {
		return rfberr.New(rfberr.Codec, "tight.decodePalette", "inflate failed", err)
	}

	if bitsPerIndex == 8 {
		i := 0
		for y := r.Y; y < r.Y+r.H; y++ {
			for x := r.X; x < r.X+r.W; x++ {
				c := palette[raw[i]]
				sink.SetPixel(x, y, c[0], c[1], c[2])
				i++
			}
		}
		return nil
	}

	for row := 0; row < r.H; row++ {
		rowData := raw[row*rowBytes : (row+1)*rowBytes]
		filled := 0
		byteIdx := 0
		for x := 0; x < r.W; x++ {
			idx := (rowData[byteIdx] >> (8 - bitsPerIndex - filled)) & ((1 << bitsPerIndex) - 1)
			c := palette[idx]
			sink.SetPixel(r.X+x, r.Y+row, c[0], c[1], c[2])
			filled += bitsPerIndex
			if filled == 8 {
				filled = 0
				byteIdx++
			}
		}
	}
	return nil
}
