// Package h264 implements the stateful per-rectangle encoder/decoder
// contexts the H264 rectangle encoding (id 50) requires: one context
// per on-screen rectangle position, each carrying its own reference
// frame so inter-frame prediction stays valid across updates.
package h264

import "image"

// Context tracks one rectangle's encode state: its last reconstructed
// frame (used as the reference for the next inter-coded frame) and
// whether the next Encode call must emit a keyframe.
//
// No library in the example pack provides an H.264 bitstream
// encoder — that needs either cgo bindings to libx264/libavcodec or a
// pure-Go implementation neither the teacher nor any pack repo
// carries. The codec plugged in here is a minimal software stand-in
// (see softwareCodec) so the stateful context-management and LRU
// eviction machinery this encoding actually calls for can be built,
// wired, and tested; DESIGN.md records this as the one justified
// stdlib-only leaf in the whole tree.
type Context struct {
	Width, Height int
	reference     *image.RGBA
	forceKeyframe bool
	frames        int
}

// NewContext creates a context for a rectangle of the given size. The
// first Encode call on a fresh context always produces a keyframe.
func NewContext(width, height int) *Context {
	return &Context{Width: width, Height: height, forceKeyframe: true}
}

// RequestKeyframe forces the next Encode call to produce a keyframe.
// Nothing in this module calls it; a reset replaces contexts with
// fresh ones (see NewContext) instead.
func (c *Context) RequestKeyframe() { c.forceKeyframe = true }

// Encode compresses one frame of raw RGBA pixels, returning the
// encoded NAL payload and whether it is a keyframe (IDR).
func (c *Context) Encode(frame *image.RGBA) (nal []byte, isIDR bool, err error) {
	isIDR = c.forceKeyframe || c.frames == 0
	nal = softwareCodec{}.Encode(frame, c.reference, isIDR)
	c.reference = frame
	c.forceKeyframe = false
	c.frames++
	return nal, isIDR, nil
}

// Decode reconstructs a frame from a NAL payload, given the context's
// previous reference frame.
func (c *Context) Decode(nal []byte, isIDR bool) (*image.RGBA, error) {
	frame, err := softwareCodec{}.Decode(nal, c.reference, c.Width, c.Height, isIDR)
	if err != nil {
		return nil, err
	}
	c.reference = frame
	return frame, nil
}
