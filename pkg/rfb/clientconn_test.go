package rfb

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
)

// recordingSink is a minimal encoding.PixelSink that records every
// pixel and CopyRect call, used to assert a ClientConn decoded exactly
// what the server's own encoders produced.
type recordingSink struct {
	pixels map[[2]int][3]uint8
	copies []copyCall
}

type copyCall struct{ x, y, w, h, srcX, srcY int }

func newRecordingSink() *recordingSink {
	return &recordingSink{pixels: make(map[[2]int][3]uint8)}
}

func (s *recordingSink) SetPixel(x, y int, r, g, b uint8) {
	s.pixels[[2]int{x, y}] = [3]uint8{r, g, b}
}

func (s *recordingSink) CopyRect(x, y, w, h, srcX, srcY int) {
	s.copies = append(s.copies, copyCall{x, y, w, h, srcX, srcY})
}

// dialTestClient dials a freshly-constructed real Server over a
// net.Pipe, the client-side mirror of newTestServer: it exercises the
// full version/security/init handshake against this package's own
// server implementation, proving the two directions agree on the
// wire.
func dialTestClient(t *testing.T, w, h int, encs []encoding.Type, sink encoding.PixelSink) (*Server, *ClientConn) {
	s := NewServer(nil,
		WithName("view-test"),
		WithDesktopSize(w, h),
		WithAllowNoneAuth(true),
		WithReadTimeout(5*time.Second),
	)
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = serverConn.Close(); _ = clientConn.Close() })

	accepted := make(chan error, 1)
	go func() {
		ctx := context.Background()
		c, err := s.Accept(ctx, serverConn)
		if err != nil {
			accepted <- err
			return
		}
		accepted <- nil
		_ = c.Serve(ctx)
	}()

	cfg := ClientConfig{Encodings: encs, ReadTimeout: 5 * time.Second}
	cc, err := Dial(context.Background(), clientConn, cfg, sink)
	require.NoError(t, err)
	require.NoError(t, <-accepted)
	t.Cleanup(func() { _ = cc.Close() })
	return s, cc
}

func TestDialNegotiatesInitFields(t *testing.T) {
	_, cc := dialTestClient(t, 4, 4, []encoding.Type{encoding.Raw}, newRecordingSink())
	require.Equal(t, 4, cc.Width())
	require.Equal(t, 4, cc.Height())
	require.Equal(t, "view-test", cc.DesktopName())
	require.True(t, cc.Format().TrueColour)
	require.Equal(t, PhaseNormal, cc.phase)
}

func TestRequestUpdateDecodesRawRect(t *testing.T) {
	s, cc := dialTestClient(t, 2, 2, []encoding.Type{encoding.Raw}, newRecordingSink())
	s.Framebuffer().Set(0, 0, 10, 20, 30)
	s.Framebuffer().Set(1, 1, 40, 50, 60)

	ctx := context.Background()
	require.NoError(t, cc.RequestUpdate(ctx, false, region.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2}))
	require.NoError(t, cc.DispatchOne(ctx))

	sink := cc.sink.(*recordingSink)
	require.Equal(t, [3]uint8{10, 20, 30}, sink.pixels[[2]int{0, 0}])
	require.Equal(t, [3]uint8{40, 50, 60}, sink.pixels[[2]int{1, 1}])
}

func TestRequestUpdateDecodesCopyRect(t *testing.T) {
	s, cc := dialTestClient(t, 4, 4, []encoding.Type{encoding.CopyRect, encoding.Raw}, newRecordingSink())

	ctx := context.Background()
	// Establish the requested region before anything is marked, the
	// same ordering TestIncrementalUpdateReturnsOnlyModifiedRect uses:
	// an incremental request with nothing modified yet sends no reply.
	require.NoError(t, cc.RequestUpdate(ctx, true, region.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}))

	var marked *Client
	s.Each(func(c *Client) { marked = c })
	require.NotNil(t, marked)
	marked.ScheduleCopy(rectOf(2, 0, 4, 2), 2, 0)
	marked.MarkModified(rectOf(0, 0, 2, 2))

	require.NoError(t, cc.RequestUpdate(ctx, true, region.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}))
	require.NoError(t, cc.DispatchOne(ctx))

	sink := cc.sink.(*recordingSink)
	require.Len(t, sink.copies, 1)
	require.Equal(t, copyCall{x: 2, y: 0, w: 2, h: 2, srcX: 0, srcY: 0}, sink.copies[0])
}

func TestRequestUpdateDecodesHextileRect(t *testing.T) {
	s, cc := dialTestClient(t, 20, 20, []encoding.Type{encoding.Hextile}, newRecordingSink())
	s.Framebuffer().Set(5, 5, 1, 2, 3)

	ctx := context.Background()
	require.NoError(t, cc.RequestUpdate(ctx, false, region.Rect{X1: 0, Y1: 0, X2: 20, Y2: 20}))
	require.NoError(t, cc.DispatchOne(ctx))

	sink := cc.sink.(*recordingSink)
	require.Equal(t, [3]uint8{1, 2, 3}, sink.pixels[[2]int{5, 5}])
	require.Equal(t, [3]uint8{0, 0, 0}, sink.pixels[[2]int{0, 0}])
}

func TestRequestUpdateDecodesTightRect(t *testing.T) {
	s, cc := dialTestClient(t, 32, 32, []encoding.Type{encoding.Tight}, newRecordingSink())
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			s.Framebuffer().Set(x, y, uint8(x*7), uint8(y*7), 128)
		}
	}

	ctx := context.Background()
	require.NoError(t, cc.RequestUpdate(ctx, false, region.Rect{X1: 0, Y1: 0, X2: 32, Y2: 32}))
	require.NoError(t, cc.DispatchOne(ctx))

	sink := cc.sink.(*recordingSink)
	require.Equal(t, [3]uint8{0, 0, 128}, sink.pixels[[2]int{0, 0}])
	require.Equal(t, [3]uint8{7 * 10, 7 * 10, 128}, sink.pixels[[2]int{10, 10}])
}

// fakeServerConn drives the raw server-side bytes directly over a
// net.Pipe, the client-side mirror of testClient in rfb_test.go, for
// messages this repo's own Server never emits (the LastRect sentinel,
// SetColourMapEntries — this server always negotiates TrueColour).
type fakeServerConn struct {
	t    *testing.T
	conn net.Conn
}

func newFakeServerConn(t *testing.T, conn net.Conn) *fakeServerConn {
	return &fakeServerConn{t: t, conn: conn}
}

func (f *fakeServerConn) writeExact(b []byte) {
	_, err := f.conn.Write(b)
	require.NoError(f.t, err)
}

// writeAsync writes b on a separate goroutine, since net.Pipe's Write
// blocks until a peer Read has drained it: the caller is expected to
// be driving that Read (e.g. cc.DispatchOne) concurrently.
func (f *fakeServerConn) writeAsync(b []byte) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := f.conn.Write(b)
		errCh <- err
	}()
	return errCh
}

func (f *fakeServerConn) readExact(n int) []byte {
	b := make([]byte, n)
	_, err := fillBuf(f.conn, b)
	require.NoError(f.t, err)
	return b
}

// driveHandshake plays the server side of a minimal RFB 3.8/None
// handshake, mirroring testClient.handshakeNone in reverse.
func (f *fakeServerConn) driveHandshake(w, h uint16, name string) {
	f.writeExact([]byte(protoVersion8))
	require.Equal(f.t, []byte(protoVersion8), f.readExact(len(protoVersion8)))

	f.writeExact([]byte{1, securityNone}) // one type offered: None
	chosen := f.readExact(1)
	require.Equal(f.t, []byte{securityNone}, chosen)
	f.writeExact([]byte{0, 0, 0, 0}) // SecurityResult OK

	require.Equal(f.t, []byte{1}, f.readExact(1)) // ClientInit shared flag

	var out []byte
	out = appendU16(out, w)
	out = appendU16(out, h)
	out = appendPixelFormat(out, pixel.Format{
		BitsPerPixel: 32, Depth: 24, TrueColour: true,
		RedMax: 255, GreenMax: 255, BlueMax: 255,
		RedShift: 16, GreenShift: 8, BlueShift: 0,
	})
	nameBytes := []byte(name)
	out = append(out, byte(len(nameBytes)>>24), byte(len(nameBytes)>>16), byte(len(nameBytes)>>8), byte(len(nameBytes)))
	out = append(out, nameBytes...)
	f.writeExact(out)

	// SetEncodings: {cmd, pad, count, types...}
	require.Equal(f.t, byte(cmdSetEncodings), f.readExact(1)[0])
	f.readExact(1) // pad
	count := f.readExact(2)
	n := int(count[0])<<8 | int(count[1])
	f.readExact(n * 4)
}

func newFakeServerPipe(t *testing.T) (*fakeServerConn, *ClientConn, *recordingSink) {
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = serverConn.Close(); _ = clientConn.Close() })
	fsc := newFakeServerConn(t, serverConn)

	sink := newRecordingSink()
	cfg := ClientConfig{Encodings: []encoding.Type{encoding.Raw}, ReadTimeout: 5 * time.Second}

	type dialResult struct {
		cc  *ClientConn
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		cc, err := Dial(context.Background(), clientConn, cfg, sink)
		done <- dialResult{cc, err}
	}()

	fsc.driveHandshake(8, 8, "fake")
	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.cc.Close() })
	return fsc, res.cc, sink
}

func TestLastRectSentinelTerminatesUpdate(t *testing.T) {
	fsc, cc, sink := newFakeServerPipe(t)

	var out []byte
	out = append(out, cmdFramebufferUpdate, 0)
	out = appendU16(out, 0xFFFF)
	// One Raw rectangle of 1x1, then the LastRect sentinel.
	out = append(out, encoding.WireHeader(nil, encoding.Rect{X: 0, Y: 0, W: 1, H: 1}, encoding.Raw)...)
	out = append(out, 9, 9, 9, 0) // bpp=4 raw pixel bytes
	out = append(out, encoding.WireHeader(nil, encoding.Rect{}, encoding.PseudoLastRect)...)
	errCh := fsc.writeAsync(out)

	require.NoError(t, cc.DispatchOne(context.Background()))
	require.NoError(t, <-errCh)
	require.Equal(t, [3]uint8{9, 9, 9}, sink.pixels[[2]int{0, 0}])
}

func TestSetColourMapEntriesParsesEntries(t *testing.T) {
	fsc, cc, _ := newFakeServerPipe(t)

	var out []byte
	out = append(out, cmdSetColourMapEntries, 0)
	out = appendU16(out, 5) // first colour
	out = appendU16(out, 2) // n colours
	out = appendU16(out, 100)
	out = appendU16(out, 200)
	out = appendU16(out, 300)
	out = appendU16(out, 400)
	out = appendU16(out, 500)
	out = appendU16(out, 600)
	errCh := fsc.writeAsync(out)

	require.NoError(t, cc.DispatchOne(context.Background()))
	require.NoError(t, <-errCh)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	require.Len(t, cc.colourMap.Entries, 7)
	require.Equal(t, pixel.ColourMapEntry{R: 100, G: 200, B: 300}, cc.colourMap.Entries[5])
	require.Equal(t, pixel.ColourMapEntry{R: 400, G: 500, B: 600}, cc.colourMap.Entries[6])
}

func TestBellInvokesCallback(t *testing.T) {
	fsc, cc, _ := newFakeServerPipe(t)

	rang := make(chan struct{}, 1)
	cc.cfg.OnBell = func() { rang <- struct{}{} }

	errCh := fsc.writeAsync([]byte{cmdBell})
	require.NoError(t, cc.DispatchOne(context.Background()))
	require.NoError(t, <-errCh)

	select {
	case <-rang:
	default:
		t.Fatal("OnBell was not invoked")
	}
}

func TestServerCutTextInvokesCallback(t *testing.T) {
	fsc, cc, _ := newFakeServerPipe(t)

	var got string
	cc.cfg.OnCutText = func(text string) { got = text }

	var out []byte
	out = append(out, cmdServerCutText, 0, 0, 0)
	out = append(out, 0, 0, 0, 5)
	out = append(out, "hello"...)
	errCh := fsc.writeAsync(out)

	require.NoError(t, cc.DispatchOne(context.Background()))
	require.NoError(t, <-errCh)
	require.Equal(t, "hello", got)
}
