package encoding

import (
	"image"
	"image/color"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding/h264"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// H264Encoder keeps one h264.Context per rectangle slot (position and
// size), bounded by h264.MaxContexts, and wraps the context's output
// in the {length,flags}+NAL framing described in the protocol's H264
// section.
type H264Encoder struct {
	lru          *h264.LRU
	resetAllNext bool
}

func NewH264() *H264Encoder { return &H264Encoder{lru: h264.NewLRU()} }

func (e *H264Encoder) Type() Type { return H264 }

func (e *H264Encoder) Reset() { e.ResetAllContexts() }

func (e *H264Encoder) Close() error { return nil }

// ResetAllContexts forces every rectangle slot to emit a keyframe on
// its next Encode call, with the wire flags carrying both
// ResetContext and ResetAllContexts, per the pseudo-encoding/flag the
// client sends after e.g. a pixel format change.
func (e *H264Encoder) ResetAllContexts() {
	e.lru.ResetAll()
	e.resetAllNext = true
}

// SetBitrate reconfigures the underlying codec's target bitrate. The
// software stand-in codec has no rate knob of its own, but a bitrate
// change still invalidates every outstanding reference frame the same
// way a real encoder's re-initialisation would, so it drives the same
// full reset as ResetAllContexts.
func (e *H264Encoder) SetBitrate(_ int) {
	e.ResetAllContexts()
}

func (e *H264Encoder) Encode(fb Framebuffer, r Rect, clientFormat pixel.Format, out []byte) ([]byte, bool, error) {
	out = WireHeader(out, r, H264)

	slot := h264.Slot{X: r.X, Y: r.Y, W: r.W, H: r.H}
	ctx := e.lru.Get(slot)

	frame := image.NewRGBA(image.Rect(0, 0, r.W, r.H))
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			rr, g, b := fb.At(r.X+x, r.Y+y)
			frame.SetRGBA(x, y, color.RGBA{R: rr, G: g, B: b, A: 0xff})
		}
	}

	nal, isIDR, err := ctx.Encode(frame)
	if err != nil {
		return out, false, rfberr.New(rfberr.Codec, "h264.Encode", "encode failed", err)
	}

	flags := h264.Flags(0)
	if isIDR {
		flags |= h264.FlagResetContext
	}
	if e.resetAllNext {
		flags |= h264.FlagResetAllContexts
		e.resetAllNext = false
	}
	out = h264.PutHeader(out, len(nal), flags)
	out = append(out, nal...)
	return out, true, nil
}

// H264Decoder mirrors the encoder's per-slot context table on the
// client side.
type H264Decoder struct {
	lru *h264.LRU
}

func NewH264Decoder() *H264Decoder { return &H264Decoder{lru: h264.NewLRU()} }
func (d *H264Decoder) Type() Type  { return H264 }
func (d *H264Decoder) Reset()      { d.lru.ResetAll() }
func (d *H264Decoder) Close() error { return nil }

func (d *H264Decoder) Decode(r Rect, srcFormat pixel.Format, body []byte, sink PixelSink) error {
	nalLen, flags, err := h264.ParseHeader(body)
	if err != nil {
		return rfberr.New(rfberr.Protocol, "h264.Decode", err.Error(), nil)
	}
	if len(body) < 8+nalLen {
		return rfberr.New(rfberr.Protocol, "h264.Decode", "short NAL payload", nil)
	}
	nal := body[8 : 8+nalLen]

	if flags&h264.FlagResetAllContexts != 0 {
		d.lru.ResetAll()
	}
	slot := h264.Slot{X: r.X, Y: r.Y, W: r.W, H: r.H}
	if flags&h264.FlagResetContext != 0 {
		d.lru.ResetContext(slot)
	}
	ctx := d.lru.Get(slot)
	isIDR := flags&h264.FlagResetContext != 0 || flags&h264.FlagResetAllContexts != 0

	frame, err := ctx.Decode(nal, isIDR)
	if err != nil {
		return rfberr.New(rfberr.Codec, "h264.Decode", "decode failed", err)
	}
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			c := frame.RGBAAt(x, y)
			sink.SetPixel(r.X+x, r.Y+y, c.R, c.G, c.B)
		}
	}
	return nil
}
