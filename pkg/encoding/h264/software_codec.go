package h264

import (
	"encoding/binary"
	"fmt"
	"image"
)

// softwareCodec is the stdlib-only stand-in for a real H.264
// bitstream codec (see the Context doc comment). It round-trips a
// frame losslessly rather than compressing it: a keyframe payload is
// the raw RGBA bytes, a delta payload is the XOR against the
// reference frame (so static regions collapse to runs of zero bytes;
// the payload goes on the wire as is, without any deflate step, and
// carries no Annex-B NAL units or SPS/PPS). This keeps the LRU/context-eviction
// logic exercised by something that actually decodes correctly,
// without pretending to a specification for a real H.264 elementary
// stream this module does not implement.
type softwareCodec struct{}

func (softwareCodec) Encode(frame, reference *image.RGBA, isIDR bool) []byte {
	if isIDR || reference == nil {
		return append([]byte(nil), frame.Pix...)
	}
	out := make([]byte, len(frame.Pix))
	for i, b := range frame.Pix {
		out[i] = b ^ referenceByte(reference, i)
	}
	return out
}

func (softwareCodec) Decode(nal []byte, reference *image.RGBA, width, height int, isIDR bool) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if len(nal) != len(img.Pix) {
		return nil, fmt.Errorf("h264: payload length %d does not match frame size %d", len(nal), len(img.Pix))
	}
	if isIDR || reference == nil {
		copy(img.Pix, nal)
		return img, nil
	}
	for i, b := range nal {
		img.Pix[i] = b ^ referenceByte(reference, i)
	}
	return img, nil
}

func referenceByte(reference *image.RGBA, i int) byte {
	if reference == nil || i >= len(reference.Pix) {
		return 0
	}
	return reference.Pix[i]
}

// Flags mirrors the protocol's per-rectangle H264 flag word.
type Flags uint32

const (
	FlagResetContext    Flags = 1 << 0
	FlagResetAllContexts Flags = 1 << 1
)

// PutHeader writes the {length uint32}{flags uint32} header the wire
// framing places before each rectangle's NAL bytes.
func PutHeader(out []byte, nalLen int, flags Flags) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(nalLen))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(flags))
	return append(out, hdr[:]...)
}

// ParseHeader reads the 8-byte header back out.
func ParseHeader(body []byte) (nalLen int, flags Flags, err error) {
	if len(body) < 8 {
		return 0, 0, fmt.Errorf("h264: short header")
	}
	nalLen = int(binary.BigEndian.Uint32(body[0:4]))
	flags = Flags(binary.BigEndian.Uint32(body[4:8]))
	return nalLen, flags, nil
}
