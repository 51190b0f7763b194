package encoding

import (
	"bytes"
	"compress/zlib"

	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// ZlibHexEncoder runs the same tiling and subencoding rules as Hextile
// but writes every tile's bytes into a persistent deflate stream
// instead of directly onto the wire, per the ZlibHex (TightVNC
// extension) scheme no pack repo implements; grounded on hextile.go's
// tiling logic plus zlib.go's persistent-stream handling.
type ZlibHexEncoder struct {
	level int
	buf   bytes.Buffer
	zw    *zlib.Writer
	inner *HextileEncoder
}

func NewZlibHex(level int) *ZlibHexEncoder {
	e := &ZlibHexEncoder{level: level, inner: NewHextile()}
	e.zw, _ = zlib.NewWriterLevel(&e.buf, level)
	return e
}

func (e *ZlibHexEncoder) Type() Type { return ZlibHex }
func (e *ZlibHexEncoder) Reset() {
	e.buf.Reset()
	e.zw, _ = zlib.NewWriterLevel(&e.buf, e.level)
}
func (e *ZlibHexEncoder) Close() error {
	if e.zw == nil {
		return nil
	}
	return e.zw.Close()
}

func (e *ZlibHexEncoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, ZlibHex)

	hexBody, _, err := e.inner.Encode(fb, r, clientFormat, nil)
	if err != nil {
		return out, false, err
	}
	hexBody = hexBody[12:] // strip the Hextile rectangle header the inner encoder wrote

	if _, err := e.zw.Write(hexBody); err != nil {
		return out, false, rfberr.New(rfberr.Codec, "zlibhex.Encode", "deflate write failed", err)
	}
	if err := e.zw.Flush(); err != nil {
		return out, false, rfberr.New(rfberr.Codec, "zlibhex.Encode", "deflate flush failed", err)
	}
	compressed := append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()

	// The inflated Hextile body is self-delimiting only once parsed;
	// a client must know how many raw bytes to pull out of the
	// deflate stream before it can start interpreting tile masks, so
	// the raw length is carried alongside the compressed length.
	out = appendU32(out, uint32(len(hexBody)))
	out = appendU32(out, uint32(len(compressed)))
	out = append(out, compressed...)
	return out, true, nil
}

type ZlibHexDecoder struct {
	stream *persistentInflate
	inner  *HextileDecoder
}

func NewZlibHexDecoder() *ZlibHexDecoder {
	return &ZlibHexDecoder{stream: newPersistentInflate(), inner: NewHextileDecoder()}
}
func (d *ZlibHexDecoder) Type() Type { return ZlibHex }
func (d *ZlibHexDecoder) Reset()     { d.stream = newPersistentInflate() }
func (d *ZlibHexDecoder) Close() error {
	if d.stream == nil {
		return nil
	}
	return d.stream.Close()
}

func (d *ZlibHexDecoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	if len(body) < 8 {
		return rfberr.New(rfberr.Protocol, "zlibhex.Decode", "short length", nil)
	}
	rawLen := int(GetUint32(body[0:4]))
	n := int(GetUint32(body[4:8]))
	if len(body) < 8+n {
		return rfberr.New(rfberr.Protocol, "zlibhex.Decode", "short payload", nil)
	}
	raw, err := d.stream.InflateChunk(body[8:8+n], rawLen)
	if err != nil {
		return rfberr.New(rfberr.Codec, "zlibhex.Decode", "inflate failed", err)
	}
	return d.inner.Decode(r, srcFormat, raw, sink)
}
