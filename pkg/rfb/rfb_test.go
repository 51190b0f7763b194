package rfb

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/encoding/h264"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
)

func rectOf(x1, y1, x2, y2 int) region.Rect {
	return region.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// testClient drives the raw byte protocol directly over one end of a
// net.Pipe, the way a real VNC client would, so these tests exercise
// the full wire handshake and dispatch loop rather than calling into
// package internals.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, conn: conn}
}

func (c *testClient) writeExact(b []byte) {
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) readExact(n int) []byte {
	b := make([]byte, n)
	_, err := fillBuf(c.conn, b)
	require.NoError(c.t, err)
	return b
}

func fillBuf(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// handshakeNone drives S1's handshake over RFB 3.8 with only the None
// security type offered, returning the parsed ServerInit fields.
func (c *testClient) handshakeNone() (w, h int, name string) {
	c.writeExact([]byte(protoVersion8))
	serverVersion := c.readExact(len(protoVersion8))
	require.Equal(c.t, protoVersion8, string(serverVersion))

	count := c.readExact(1)
	types := c.readExact(int(count[0]))
	require.Contains(c.t, types, uint8(securityNone))

	c.writeExact([]byte{securityNone})

	result := c.readExact(4)
	require.Equal(c.t, uint32(0), binary.BigEndian.Uint32(result))

	c.writeExact([]byte{1}) // ClientInit shared-flag

	dims := c.readExact(4)
	w = int(binary.BigEndian.Uint16(dims[0:2]))
	h = int(binary.BigEndian.Uint16(dims[2:4]))
	_ = c.readExact(16) // PixelFormat
	nameLen := c.readExact(4)
	name = string(c.readExact(int(binary.BigEndian.Uint32(nameLen))))
	return
}

func (c *testClient) setEncodings(types ...int32) {
	var out []byte
	out = append(out, cmdSetEncodings, 0)
	out = binary.BigEndian.AppendUint16(out, uint16(len(types)))
	for _, t := range types {
		out = binary.BigEndian.AppendUint32(out, uint32(t))
	}
	c.writeExact(out)
}

// readUpdateHeader reads a FramebufferUpdate's {cmd, pad, nRects}
// prefix, returning nRects, for callers that parse the rectangles
// themselves instead of going through readUpdate.
func (c *testClient) readUpdateHeader() int {
	hdr := c.readExact(4)
	require.Equal(c.t, uint8(cmdFramebufferUpdate), hdr[0])
	return int(binary.BigEndian.Uint16(hdr[2:4]))
}

func (c *testClient) readRectHeader() (x, y, w, h int, enc int32) {
	rh := c.readExact(12)
	x = int(binary.BigEndian.Uint16(rh[0:2]))
	y = int(binary.BigEndian.Uint16(rh[2:4]))
	w = int(binary.BigEndian.Uint16(rh[4:6]))
	h = int(binary.BigEndian.Uint16(rh[6:8]))
	enc = int32(binary.BigEndian.Uint32(rh[8:12]))
	return
}

// readH264Rect parses the {length,flags}+NAL framing an H264
// rectangle body carries after its 12-byte rectangle header.
func (c *testClient) readH264Rect() (flags h264.Flags, nal []byte) {
	hdr := c.readExact(8)
	nalLen := binary.BigEndian.Uint32(hdr[0:4])
	flags = h264.Flags(binary.BigEndian.Uint32(hdr[4:8]))
	nal = c.readExact(int(nalLen))
	return
}

func (c *testClient) requestUpdate(incremental bool, x, y, w, h int) {
	out := []byte{cmdFramebufferUpdateRequest, boolByte(incremental)}
	out = binary.BigEndian.AppendUint16(out, uint16(x))
	out = binary.BigEndian.AppendUint16(out, uint16(y))
	out = binary.BigEndian.AppendUint16(out, uint16(w))
	out = binary.BigEndian.AppendUint16(out, uint16(h))
	c.writeExact(out)
}

type wireRect struct {
	x, y, w, h int
	enc        int32
	body       []byte
}

// readUpdate parses a FramebufferUpdate into its rectangle headers and
// raw per-rectangle bodies, assuming every rectangle uses an encoding
// whose byte length can be derived from the encoding id (Raw/CopyRect
// only, which is all these tests emit).
func (c *testClient) readUpdate(bytesPerPixel int) []wireRect {
	hdr := c.readExact(4)
	require.Equal(c.t, uint8(cmdFramebufferUpdate), hdr[0])
	n := int(binary.BigEndian.Uint16(hdr[2:4]))

	rects := make([]wireRect, 0, n)
	for i := 0; i < n; i++ {
		rh := c.readExact(12)
		r := wireRect{
			x:   int(binary.BigEndian.Uint16(rh[0:2])),
			y:   int(binary.BigEndian.Uint16(rh[2:4])),
			w:   int(binary.BigEndian.Uint16(rh[4:6])),
			h:   int(binary.BigEndian.Uint16(rh[6:8])),
			enc: int32(binary.BigEndian.Uint32(rh[8:12])),
		}
		switch encoding.Type(r.enc) {
		case encoding.Raw:
			r.body = c.readExact(r.w * r.h * bytesPerPixel)
		case encoding.CopyRect:
			r.body = c.readExact(4)
		default:
			c.t.Fatalf("readUpdate: unhandled encoding %d", r.enc)
		}
		rects = append(rects, r)
	}
	return rects
}

func newTestServer(t *testing.T, w, h int) (*Server, net.Conn) {
	s := NewServer(nil,
		WithName("test"),
		WithDesktopSize(w, h),
		WithAllowNoneAuth(true),
		WithReadTimeout(5*time.Second),
	)
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	var g errgroup.Group
	g.Go(func() error {
		ctx := context.Background()
		c, err := s.Accept(ctx, serverConn)
		if err != nil {
			return err
		}
		return c.Serve(ctx)
	})
	t.Cleanup(func() { _ = g.Wait() })
	return s, clientConn
}

// TestHandshakeInvarianceAcrossMinorVersions is property 1: whichever
// minor version a client speaks, both sides agree on {minor, security}
// and the first post-init message from the server is a
// FramebufferUpdate, never a SetColourMapEntries, since this server
// always negotiates a TrueColour format.
func TestHandshakeInvarianceAcrossMinorVersions(t *testing.T) {
	for _, version := range []string{protoVersion3, protoVersion7, protoVersion8} {
		version := version
		t.Run(version, func(t *testing.T) {
			_, clientConn := newTestServer(t, 4, 4)
			tc := newTestClient(t, clientConn)

			tc.writeExact([]byte(version))
			serverVersion := tc.readExact(len(protoVersion8))
			require.Equal(t, protoVersion8, string(serverVersion))

			if version == protoVersion3 {
				// 3.3: server picks unilaterally, no byte from the client.
				typ := tc.readExact(4)
				require.Equal(t, uint32(securityNone), binary.BigEndian.Uint32(typ))
			} else {
				count := tc.readExact(1)
				types := tc.readExact(int(count[0]))
				require.Contains(t, types, uint8(securityNone))
				tc.writeExact([]byte{securityNone})
				if version == protoVersion8 {
					result := tc.readExact(4)
					require.Equal(t, uint32(0), binary.BigEndian.Uint32(result))
				}
			}

			tc.writeExact([]byte{1})
			_ = tc.readExact(4)  // ServerInit width/height
			_ = tc.readExact(16) // PixelFormat
			nameLen := tc.readExact(4)
			tc.readExact(int(binary.BigEndian.Uint32(nameLen)))

			tc.setEncodings(int32(encoding.Raw))
			tc.requestUpdate(false, 0, 0, 4, 4)
			rects := tc.readUpdate(4)
			require.Len(t, rects, 1)
			require.Equal(t, encoding.Raw, encoding.Type(rects[0].enc))
		})
	}
}

// TestNonIncrementalRequestReturnsFullRawRect is S1.
func TestNonIncrementalRequestReturnsFullRawRect(t *testing.T) {
	_, clientConn := newTestServer(t, 4, 4)
	tc := newTestClient(t, clientConn)

	w, h, name := tc.handshakeNone()
	require.Equal(t, 4, w)
	require.Equal(t, 4, h)
	require.Equal(t, "test", name)

	tc.setEncodings(int32(encoding.Raw))
	tc.requestUpdate(false, 0, 0, 4, 4)

	rects := tc.readUpdate(4)
	require.Len(t, rects, 1)
	require.Equal(t, encoding.Raw, encoding.Type(rects[0].enc))
	require.Equal(t, 0, rects[0].x)
	require.Equal(t, 0, rects[0].y)
	require.Equal(t, 4, rects[0].w)
	require.Equal(t, 4, rects[0].h)
	require.Len(t, rects[0].body, 64)
}

// TestIncrementalUpdateReturnsOnlyModifiedRect is S2.
func TestIncrementalUpdateReturnsOnlyModifiedRect(t *testing.T) {
	s, clientConn := newTestServer(t, 4, 4)
	tc := newTestClient(t, clientConn)
	tc.handshakeNone()
	tc.setEncodings(int32(encoding.Raw))

	// Establish the requested region before the mark lands.
	tc.requestUpdate(true, 0, 0, 4, 4)

	var marked *Client
	s.Each(func(c *Client) { marked = c })
	require.NotNil(t, marked)
	marked.MarkModified(rectOf(1, 1, 3, 3))

	tc.requestUpdate(true, 0, 0, 4, 4)
	rects := tc.readUpdate(4)
	require.Len(t, rects, 1)
	require.Equal(t, 1, rects[0].x)
	require.Equal(t, 1, rects[0].y)
	require.Equal(t, 2, rects[0].w)
	require.Equal(t, 2, rects[0].h)
	require.Len(t, rects[0].body, 16)
}

// TestCopyRectPrecedesRawRectInSameUpdate is S3.
func TestCopyRectPrecedesRawRectInSameUpdate(t *testing.T) {
	s, clientConn := newTestServer(t, 4, 4)
	tc := newTestClient(t, clientConn)
	tc.handshakeNone()
	tc.setEncodings(int32(encoding.CopyRect), int32(encoding.Raw))
	tc.requestUpdate(true, 0, 0, 4, 4)

	var marked *Client
	s.Each(func(c *Client) { marked = c })
	require.NotNil(t, marked)
	// ScheduleCopy's rect is the destination; source = dest shifted by
	// (-dx, -dy), so a copy of [0,0,2,2] by (dx=2, dy=0) is scheduled
	// as a destination rect of [2,0,4,2].
	marked.ScheduleCopy(rectOf(2, 0, 4, 2), 2, 0)
	marked.MarkModified(rectOf(0, 0, 2, 2))

	tc.requestUpdate(true, 0, 0, 4, 4)
	rects := tc.readUpdate(4)
	require.Len(t, rects, 2)

	require.Equal(t, encoding.CopyRect, encoding.Type(rects[0].enc))
	require.Equal(t, 2, rects[0].x)
	require.Equal(t, 0, rects[0].y)
	require.Equal(t, 2, rects[0].w)
	require.Equal(t, 2, rects[0].h)
	srcX := binary.BigEndian.Uint16(rects[0].body[0:2])
	srcY := binary.BigEndian.Uint16(rects[0].body[2:4])
	require.Equal(t, uint16(0), srcX)
	require.Equal(t, uint16(0), srcY)

	require.Equal(t, encoding.Raw, encoding.Type(rects[1].enc))
	require.Equal(t, 0, rects[1].x)
	require.Equal(t, 0, rects[1].y)
	require.Equal(t, 2, rects[1].w)
	require.Equal(t, 2, rects[1].h)
}

// TestFenceRoundTripMeasuresRTT is S4.
func TestFenceRoundTripMeasuresRTT(t *testing.T) {
	s, clientConn := newTestServer(t, 4, 4)
	tc := newTestClient(t, clientConn)
	tc.handshakeNone()
	tc.setEncodings(int32(encoding.Raw), int32(encoding.PseudoFence))

	var marked *Client
	s.Each(func(c *Client) { marked = c })
	require.NotNil(t, marked)

	require.Equal(t, int64(0), marked.flow.ETAUncongested(nowNano()), "no RTT measured yet")

	require.NoError(t, marked.SendRTTPing())

	hdr := tc.readExact(4)
	require.Equal(t, uint8(cmdFence), hdr[0])
	flags := binary.BigEndian.Uint32(tc.readExact(4))
	require.Equal(t, uint32(fenceRequest|fenceBlockBefore), flags)
	length := tc.readExact(1)
	payload := tc.readExact(int(length[0]))

	// Echo the fence back exactly as a real client would: same flags
	// with the Request bit cleared, same payload.
	out := []byte{cmdFence, 0, 0, 0}
	out = binary.BigEndian.AppendUint32(out, flags&^fenceRequest)
	out = append(out, byte(len(payload)))
	out = append(out, payload...)
	tc.writeExact(out)

	require.Eventually(t, func() bool {
		return marked.flow.ETAUncongested(nowNano()) > 0
	}, time.Second, time.Millisecond, "server must record an RTT measurement after the echoed fence")
}

// TestH264MultiEmissionFlags is S5.
func TestH264MultiEmissionFlags(t *testing.T) {
	s, clientConn := newTestServer(t, 4, 4)
	tc := newTestClient(t, clientConn)
	tc.handshakeNone()
	tc.setEncodings(int32(encoding.H264))

	var marked *Client
	s.Each(func(c *Client) { marked = c })
	require.NotNil(t, marked)

	tc.requestUpdate(false, 0, 0, 4, 4)
	require.Equal(t, 1, tc.readUpdateHeader())
	x, y, w, h, enc := tc.readRectHeader()
	require.Equal(t, 0, x)
	require.Equal(t, 0, y)
	require.Equal(t, 4, w)
	require.Equal(t, 4, h)
	require.Equal(t, encoding.H264, encoding.Type(enc))
	flags1, _ := tc.readH264Rect()
	require.Equal(t, h264.FlagResetContext, flags1, "first emission for a fresh slot is a keyframe")

	marked.MarkModified(rectOf(0, 0, 4, 4))
	tc.requestUpdate(true, 0, 0, 4, 4)
	require.Equal(t, 1, tc.readUpdateHeader())
	tc.readRectHeader()
	flags2, _ := tc.readH264Rect()
	require.Equal(t, h264.Flags(0), flags2, "second emission reuses the context, no reset")

	h264Enc, ok := marked.encoders[encoding.H264].(*encoding.H264Encoder)
	require.True(t, ok)
	h264Enc.SetBitrate(500_000)

	marked.MarkModified(rectOf(0, 0, 4, 4))
	tc.requestUpdate(true, 0, 0, 4, 4)
	require.Equal(t, 1, tc.readUpdateHeader())
	tc.readRectHeader()
	flags3, _ := tc.readH264Rect()
	require.Equal(t, h264.FlagResetContext|h264.FlagResetAllContexts, flags3, "a bitrate change forces a full reset")
}
