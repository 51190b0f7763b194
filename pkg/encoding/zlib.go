package encoding

import (
	"bytes"
	"compress/zlib"

	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// zlibMaxSize computes ZLIB_MAX_SIZE(min) = max(2*min, 32768). Encode
// uses it as the size of each chunk of raw pixel bytes written and
// flushed into the deflate stream; the rectangle itself is not split.
func zlibMaxSize(minBytes int) int {
	if 2*minBytes > 32768 {
		return 2 * minBytes
	}
	return 32768
}

// ZlibEncoder passes Raw pixels through a per-client persistent
// deflate stream; the window is preserved across rectangles as the
// protocol requires, using stdlib compress/zlib (the wire format is a
// real zlib stream a generic client must inflate, so there is no
// alternative library to wire in here — see DESIGN.md).
type ZlibEncoder struct {
	level int
	buf   bytes.Buffer
	zw    *zlib.Writer
}

// NewZlib builds a Zlib encoder at the given compression level
// (default 5 per the protocol).
func NewZlib(level int) *ZlibEncoder {
	e := &ZlibEncoder{level: level}
	e.zw, _ = zlib.NewWriterLevel(&e.buf, level)
	return e
}

func (e *ZlibEncoder) Type() Type { return Zlib }

func (e *ZlibEncoder) Reset() {
	e.buf.Reset()
	e.zw, _ = zlib.NewWriterLevel(&e.buf, e.level)
}

func (e *ZlibEncoder) Close() error {
	if e.zw == nil {
		return nil
	}
	return e.zw.Close()
}

func (e *ZlibEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, Zlib)
	raw := rawPixels(fb, r, clientFormat)

	maxChunk := zlibMaxSize(len(raw) / max1(r.H))
	var compressed []byte
	for off := 0; off < len(raw); {
		end := off + maxChunk
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := e.zw.Write(raw[off:end]); err != nil {
			return out, false, rfberr.New(rfberr.Codec, "zlib.Encode", "deflate write failed", err)
		}
		if err := e.zw.Flush(); err != nil {
			return out, false, rfberr.New(rfberr.Codec, "zlib.Encode", "deflate flush failed", err)
		}
		compressed = append(compressed, e.buf.Bytes()...)
		e.buf.Reset()
		off = end
	}
	out = appendU32(out, uint32(len(compressed)))
	out = append(out, compressed...)
	return out, true, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func rawPixels(fb Framebuffer, r Rect, format pixel.Format) []byte {
	translate := pixel.NewTranslator(format)
	out := make([]byte, 0, r.W*r.H*format.BytesPerPixel())
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			rr, g, b := fb.At(x, y)
			out = translate(rr, g, b, out)
		}
	}
	return out
}

// ZlibDecoder inflates through a single persistent zlib.Reader-like
// stream. Go's compress/zlib.Reader is not resettable across
// independent flush boundaries the way a raw inflate state machine
// is, so the decoder keeps an internal flate-compatible stream by
// feeding all bytes it has seen into one io.Reader pipe; this mirrors
// the server's "one persistent stream per connection" contract.
type ZlibDecoder struct {
	stream *persistentInflate
}

func NewZlibDecoder() *ZlibDecoder { return &ZlibDecoder{stream: newPersistentInflate()} }
func (d *ZlibDecoder) Type() Type  { return Zlib }
func (d *ZlibDecoder) Reset()      { d.stream = newPersistentInflate() }
func (d *ZlibDecoder) Close() error {
	if d.stream == nil {
		return nil
	}
	return d.stream.Close()
}

func (d *ZlibDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	if len(body) < 4 {
		return rfberr.New(rfberr.Protocol, "zlib.Decode", "short length", nil)
	}
	n := int(GetUint32(body[0:4]))
	if len(body) < 4+n {
		return rfberr.New(rfberr.Protocol, "zlib.Decode", "short payload", nil)
	}
	bpp := srcFormat.BytesPerPixel()
	raw, err := d.stream.InflateChunk(body[4:4+n], r.W*r.H*bpp)
	if err != nil {
		return rfberr.New(rfberr.Codec, "zlib.Decode", "inflate failed", err)
	}
	i := 0
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			if i+bpp > len(raw) {
				return rfberr.New(rfberr.Protocol, "zlib.Decode", "inflated data too short", nil)
			}
			rr, g, b := decodePixel(raw[i:i+bpp], srcFormat)
			sink.SetPixel(x, y, rr, g, b)
			i += bpp
		}
	}
	return nil
}
