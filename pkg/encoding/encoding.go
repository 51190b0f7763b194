// Package encoding implements component C: the family of rectangle
// encoders (server side) and decoders (client side), each with its
// own compressor/decompressor state keyed by connection. The
// interface split (Type/Encode/Decode) is adapted from the
// ServerMessage/Encoding contract found in the pack's go-vnc
// reference (Type() uint8, Read(conn, io.Reader)), generalized to the
// server-encode direction as well.
package encoding

import (
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
)

// Type is the wire encoding identifier, as assigned by the public RFB
// registry. Negative values are pseudo-encodings.
type Type int32

const (
	Raw       Type = 0
	CopyRect  Type = 1
	RRE       Type = 2
	CoRRE     Type = 4
	Hextile   Type = 5
	Zlib      Type = 6
	Tight     Type = 7
	ZlibHex   Type = 8
	ZRLE      Type = 16
	H264      Type = 50
)

// Pseudo-encoding identifiers, advertised the same way as real
// encodings but never carrying pixel data.
const (
	PseudoCursor             Type = -239
	PseudoXCursor            Type = -240
	PseudoDesktopSize         Type = -223 // NewFBSize
	PseudoLastRect            Type = -224
	PseudoContinuousUpdates   Type = -313
	PseudoFence               Type = -312
	PseudoCursorWithAlpha     Type = -314
	PseudoCompressLevel0      Type = -256 // -256..-247 select zlib level 0..9
	PseudoQualityLevel0       Type = -32  // -32..-23 select JPEG quality 0..9
)

// UPDATE_BUF_SIZE bounds how much pixel data one Raw flush carries
// before being split mid-rectangle.
const UpdateBufSize = 30000

// Rect carries a rectangle's header fields; the framebuffer to encode
// from is passed to Encode separately.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) region() region.Rect {
	return region.Rect{X1: r.X, Y1: r.Y, X2: r.X + r.W, Y2: r.Y + r.H}
}

// FromRegionRect converts a region.Rect into an encoding.Rect.
func FromRegionRect(r region.Rect) Rect {
	return Rect{X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height()}
}

// Framebuffer is the minimal read surface an encoder needs from
// pkg/pixel.Framebuffer, declared locally to avoid a cyclic import
// and to keep the encoder contract narrow.
type Framebuffer interface {
	At(x, y int) (r, g, b uint8)
	Row(y, x1, x2 int) []byte
	Format() pixel.Format
}

// WireHeader writes the 12-byte rectangle header {x,y,w,h,encoding}
// common to every encoding.
func WireHeader(out []byte, r Rect, enc Type) []byte {
	out = appendU16(out, uint16(r.X))
	out = appendU16(out, uint16(r.Y))
	out = appendU16(out, uint16(r.W))
	out = appendU16(out, uint16(r.H))
	out = appendU32(out, uint32(int32(enc)))
	return out
}

func appendU16(out []byte, v uint16) []byte {
	return append(out, byte(v>>8), byte(v))
}
func appendU32(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Encoder is the server-side contract every rectangle encoding
// implements: encode one rectangle of the framebuffer, in
// clientFormat, appending wire bytes (including the 12-byte header)
// to out. Returning ok=false means "not applicable to this rectangle",
// which the caller (pkg/rfb's rectangle assembly) treats by falling
// back to Raw; the encoders in this package return ok=false only
// together with an error.
type Encoder interface {
	Type() Type
	Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) (wire []byte, ok bool, err error)
	// Reset discards any persistent per-connection state (zlib
	// streams, palettes, ...), used when a client reconnects or
	// explicitly requests a stream reset.
	Reset()
	// Close releases any resources (zlib writers) held by the
	// encoder.
	Close() error
}

// Decoder is the client-side mirror of Encoder: given the rectangle
// header already read and the rectangle's remaining wire bytes, produce
// decoded pixels via the Sink.
type Decoder interface {
	Type() Type
	Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error
	Reset()
	Close() error
}

// PixelSink receives decoded 8-bit RGB pixels, used by client-side
// decoders so they stay agnostic of how the application stores its
// local framebuffer mirror.
type PixelSink interface {
	SetPixel(x, y int, r, g, b uint8)
	CopyRect(x, y, w, h, srcX, srcY int)
}
