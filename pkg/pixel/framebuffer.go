package pixel

import "sync"

// Framebuffer owns the server-side pixel surface: width, height, a
// byte buffer of height*paddedStride, the server's own Format, and a
// padded stride honouring paddedStride >= width*(bpp/8). It is
// replaced wholesale on a NewFBSize handshake, never resized in
// place, and access is serialised the way the teacher's LockableImage
// guarded its image.Image.
type Framebuffer struct {
	mu      sync.RWMutex
	width   int
	height  int
	stride  int
	pixels  []byte
	format  Format
	colours ColourMap
}

// NewFramebuffer allocates a framebuffer of the given dimensions and
// server pixel format, with a stride equal to the minimum required
// (no extra padding) unless stride is explicitly larger.
func NewFramebuffer(width, height int, format Format, stride int) *Framebuffer {
	minStride := width * format.BytesPerPixel()
	if stride < minStride {
		stride = minStride
	}
	return &Framebuffer{
		width:  width,
		height: height,
		stride: stride,
		pixels: make([]byte, stride*height),
		format: format,
	}
}

// Dimensions returns the current width and height.
func (f *Framebuffer) Dimensions() (w, h int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.width, f.height
}

// Format returns the server's pixel format.
func (f *Framebuffer) Format() Format {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.format
}

// ColourMap returns the peer-maintained colour map (only meaningful
// when Format().TrueColour is false).
func (f *Framebuffer) ColourMap() *ColourMap {
	return &f.colours
}

// Stride returns the padded row stride in bytes.
func (f *Framebuffer) Stride() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stride
}

// At returns the 8-bit-per-channel RGB triple at (x, y), decoded from
// the server's native Format.
func (f *Framebuffer) At(x, y int) (r, g, b uint8) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.atLocked(x, y)
}

func (f *Framebuffer) atLocked(x, y int) (r, g, b uint8) {
	bpp := f.format.BytesPerPixel()
	off := y*f.stride + x*bpp
	var v uint32
	px := f.pixels[off : off+bpp]
	if f.format.BigEndian {
		for _, b := range px {
			v = v<<8 | uint32(b)
		}
	} else {
		for i := len(px) - 1; i >= 0; i-- {
			v = v<<8 | uint32(px[i])
		}
	}
	if !f.format.TrueColour {
		idx := v
		if int(idx) < len(f.colours.Entries) {
			e := f.colours.Entries[idx]
			return uint8(e.R >> 8), uint8(e.G >> 8), uint8(e.B >> 8)
		}
		return 0, 0, 0
	}
	r = shiftOut(v, f.format.RedShift, f.format.RedMax)
	g = shiftOut(v, f.format.GreenShift, f.format.GreenMax)
	b = shiftOut(v, f.format.BlueShift, f.format.BlueMax)
	return
}

func shiftOut(v uint32, shift uint8, max uint16) uint8 {
	bits := bitsFor(max)
	c := (v >> shift) & uint32(max)
	if bits >= 8 {
		return uint8(c >> uint(bits-8))
	}
	return uint8(c << uint(8-bits))
}

// Set writes one server-native pixel at (x, y) given 8-bit RGB.
func (f *Framebuffer) Set(x, y int, r, g, b uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bpp := f.format.BytesPerPixel()
	scale := func(v uint8, max uint16) uint32 {
		bits := bitsFor(max)
		if bits >= 8 {
			return uint32(v)
		}
		return uint32(v) >> (8 - uint(bits))
	}
	val := (scale(r, f.format.RedMax) << f.format.RedShift) |
		(scale(g, f.format.GreenMax) << f.format.GreenShift) |
		(scale(b, f.format.BlueMax) << f.format.BlueShift)
	off := y*f.stride + x*bpp
	px := f.pixels[off : off+bpp]
	if f.format.BigEndian {
		for i := bpp - 1; i >= 0; i-- {
			px[i] = byte(val)
			val >>= 8
		}
	} else {
		for i := 0; i < bpp; i++ {
			px[i] = byte(val)
			val >>= 8
		}
	}
}

// Row returns the raw native-format bytes for scanline y, columns
// [x1,x2).
func (f *Framebuffer) Row(y, x1, x2 int) []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	bpp := f.format.BytesPerPixel()
	off := y*f.stride + x1*bpp
	end := y*f.stride + x2*bpp
	out := make([]byte, end-off)
	copy(out, f.pixels[off:end])
	return out
}

// CopyRect copies a rectangle within the framebuffer by (dx, dy),
// honouring overlap the way a real screen blit would (top-to-bottom
// or bottom-to-top depending on the sign of dy, left-to-right or
// right-to-left depending on the sign of dx), used to keep the
// server's own pixel store consistent with what CopyRect told clients
// to do.
func (f *Framebuffer) CopyRect(x, y, w, h, dx, dy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bpp := f.format.BytesPerPixel()
	srcX, srcY := x, y
	dstX, dstY := x+dx, y+dy

	yRange := makeRange(h, dy > 0)
	for _, ry := range yRange {
		sY := srcY + ry
		dY := dstY + ry
		xRange := makeRange(w, dx > 0)
		rowBuf := make([]byte, w*bpp)
		sOff := sY*f.stride + srcX*bpp
		copy(rowBuf, f.pixels[sOff:sOff+w*bpp])
		for _, rx := range xRange {
			dOff := dY*f.stride + (dstX+rx)*bpp
			sOff := rx * bpp
			copy(f.pixels[dOff:dOff+bpp], rowBuf[sOff:sOff+bpp])
		}
	}
}

// makeRange returns 0..n-1 in increasing order, or n-1..0 when
// reversed is requested, so overlapping copies never clobber
// as-yet-unread source pixels.
func makeRange(n int, reversed bool) []int {
	out := make([]int, n)
	if !reversed {
		for i := 0; i < n; i++ {
			out[i] = i
		}
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = n - 1 - i
	}
	return out
}

// Resize replaces the framebuffer with a new one of the given
// dimensions, per the NewFBSize handshake; existing pixel data is not
// preserved (a real resize is always followed by a full repaint).
func (f *Framebuffer) Resize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width = width
	f.height = height
	f.stride = width * f.format.BytesPerPixel()
	f.pixels = make([]byte, f.stride*height)
}

// SetFormat updates the server's own native pixel format (rare; most
// deployments fix this once at startup).
func (f *Framebuffer) SetFormat(format Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.format = format
	f.stride = f.width * format.BytesPerPixel()
	f.pixels = make([]byte, f.stride*f.height)
}
