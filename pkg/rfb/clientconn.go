package rfb

import (
	"context"
	"net"
	"sync"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
	"github.com/LibVNC/libvncserver-sub002/pkg/wire"
)

// Server->client message tags, per the public protocol registry
// (cmdFramebufferUpdate itself lives in assemble.go, shared with the
// server side that emits it).
const (
	cmdSetColourMapEntries = 1
	cmdBell                = 2
	cmdServerCutText       = 3
)

// ClientConn is the client-side mirror of Client: it drives the
// handshake in the opposite direction and dispatches server->client
// messages, decoding each rectangle via pkg/encoding's Decoder set
// (the same codecs Server/Client use to encode, run backwards) into
// an application-supplied PixelSink. Grounded on bigangryrobot's
// go-vnc ClientConn (Connect/protocolVersionHandshake/securityHandshake
// /ListenAndHandle shape) and CambridgeSoftwareLtd's go-vnc encodings.go
// (each Encoding.Read pulling exactly the bytes it needs off the wire,
// generalized here into readRectBody below).
type ClientConn struct {
	rawConn net.Conn
	conn    *wire.Conn

	cfg  ClientConfig
	sink encoding.PixelSink

	minor int
	phase Phase

	mu          sync.Mutex
	format      pixel.Format
	width       int
	height      int
	desktopName string
	colourMap   pixel.ColourMap

	decoders map[encoding.Type]encoding.Decoder

	outputMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial performs the full client handshake (Version, Security, Init)
// over nc, advertises cfg.Encodings, and returns a ready PhaseNormal
// ClientConn, or an error if the handshake failed at any step.
// Decoded pixels are delivered to sink as FramebufferUpdate messages
// arrive; the caller drives that by running Serve/DispatchOne.
func Dial(ctx context.Context, nc net.Conn, cfg ClientConfig, sink encoding.PixelSink) (*ClientConn, error) {
	cfg.setDefaults()
	cc := &ClientConn{
		rawConn:  nc,
		conn:     wire.New(nc),
		cfg:      cfg,
		sink:     sink,
		phase:    PhaseVersion,
		decoders: encoding.NewDecoderSet(),
		closed:   make(chan struct{}),
	}
	cc.conn.SetTimeout(cfg.ReadTimeout)

	if err := cc.runHandshake(ctx); err != nil {
		_ = cc.Close()
		return nil, err
	}
	return cc, nil
}

// DialAddr dials network/addr and hands the resulting net.Conn to Dial.
func DialAddr(ctx context.Context, network, addr string, cfg ClientConfig, sink encoding.PixelSink) (*ClientConn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, rfberr.New(rfberr.Transport, "DialAddr", "dial failed", err)
	}
	cc, err := Dial(ctx, nc, cfg, sink)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return cc, nil
}

func (cc *ClientConn) runHandshake(ctx context.Context) error {
	if err := cc.negotiateVersion(ctx); err != nil {
		return err
	}
	cc.phase = PhaseSecurity
	if err := cc.negotiateSecurity(ctx); err != nil {
		return err
	}
	cc.phase = PhaseInit
	if err := cc.runInit(ctx); err != nil {
		return err
	}
	if err := cc.SetEncodings(ctx, cc.cfg.Encodings); err != nil {
		return err
	}
	if cc.cfg.Format.BitsPerPixel != 0 {
		if err := cc.SetPixelFormat(ctx, cc.cfg.Format); err != nil {
			return err
		}
	}
	cc.phase = PhaseNormal
	return nil
}

func (cc *ClientConn) negotiateVersion(ctx context.Context) error {
	line, err := cc.conn.ReadExact(ctx, len(protoVersion8))
	if err != nil {
		return rfberr.New(rfberr.Transport, "negotiateVersion", "read server version", err)
	}
	switch string(line) {
	case protoVersion3:
		cc.minor = 3
	case protoVersion7:
		cc.minor = 7
	case protoVersion8:
		cc.minor = 8
	default:
		return rfberr.New(rfberr.Protocol, "negotiateVersion", "unsupported server version", nil)
	}
	// Echo the server's own version line back, per the seed scenario
	// S1: the client never offers a version the server didn't send.
	if err := cc.conn.WriteExact(line); err != nil {
		return rfberr.New(rfberr.Transport, "negotiateVersion", "write client version", err)
	}
	return nil
}

func (cc *ClientConn) negotiateSecurity(ctx context.Context) error {
	if cc.minor == 3 {
		t, err := cc.conn.ReadUint32(ctx)
		if err != nil {
			return rfberr.New(rfberr.Transport, "negotiateSecurity", "read 3.3 security type", err)
		}
		return cc.performSecurity(ctx, uint8(t))
	}

	n, err := cc.conn.ReadUint8(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "negotiateSecurity", "read type count", err)
	}
	if n == 0 {
		return cc.readFailureReason(ctx)
	}
	types := make([]uint8, n)
	for i := range types {
		types[i], err = cc.conn.ReadUint8(ctx)
		if err != nil {
			return rfberr.New(rfberr.Transport, "negotiateSecurity", "read type list", err)
		}
	}
	chosen := pickSecurityType(types, cc.cfg.Password)
	if err := cc.conn.WriteUint8(chosen); err != nil {
		return rfberr.New(rfberr.Transport, "negotiateSecurity", "write chosen type", err)
	}
	return cc.performSecurity(ctx, chosen)
}

// pickSecurityType prefers VNCAuth whenever a password is configured
// and offered (a server offering only VNCAuth with no password
// configured will simply fail authentication), otherwise None, else
// the first type offered.
func pickSecurityType(offered []uint8, password string) uint8 {
	if password != "" {
		for _, t := range offered {
			if t == securityVNCAuth {
				return securityVNCAuth
			}
		}
	}
	for _, t := range offered {
		if t == securityNone {
			return securityNone
		}
	}
	return offered[0]
}

func (cc *ClientConn) performSecurity(ctx context.Context, chosen uint8) error {
	switch chosen {
	case securityNone:
		if cc.minor >= 8 {
			return cc.readSecurityResult(ctx)
		}
		return nil
	case securityVNCAuth:
		challenge, err := cc.conn.ReadExact(ctx, challengeSize)
		if err != nil {
			return rfberr.New(rfberr.Transport, "performSecurity", "read challenge", err)
		}
		response, err := encryptChallenge(cc.cfg.Password, challenge)
		if err != nil {
			return rfberr.New(rfberr.Auth, "performSecurity", "derive response", err)
		}
		if err := cc.conn.WriteExact(response); err != nil {
			return rfberr.New(rfberr.Transport, "performSecurity", "write response", err)
		}
		return cc.readSecurityResult(ctx)
	default:
		return rfberr.New(rfberr.Protocol, "performSecurity", "unsupported security type", nil)
	}
}

func (cc *ClientConn) readSecurityResult(ctx context.Context) error {
	status, err := cc.conn.ReadUint32(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "readSecurityResult", "read result", err)
	}
	if status == securityResultOK {
		return nil
	}
	if cc.minor < 8 {
		return rfberr.New(rfberr.Auth, "readSecurityResult", "authentication failed", nil)
	}
	return cc.readFailureReason(ctx)
}

func (cc *ClientConn) readFailureReason(ctx context.Context) error {
	n, err := cc.conn.ReadUint32(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "readFailureReason", "read reason length", err)
	}
	reason, err := cc.conn.ReadExact(ctx, int(n))
	if err != nil {
		return rfberr.New(rfberr.Transport, "readFailureReason", "read reason", err)
	}
	return rfberr.New(rfberr.Auth, "readFailureReason", string(reason), nil)
}

func (cc *ClientConn) runInit(ctx context.Context) error {
	if err := cc.conn.WriteUint8(1); err != nil { // ClientInit shared-flag, always shared
		return rfberr.New(rfberr.Transport, "runInit", "write ClientInit", err)
	}
	w, err := cc.conn.ReadUint16(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "runInit", "read width", err)
	}
	h, err := cc.conn.ReadUint16(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "runInit", "read height", err)
	}
	fmtBytes, err := cc.conn.ReadExact(ctx, 16)
	if err != nil {
		return rfberr.New(rfberr.Transport, "runInit", "read pixel format", err)
	}
	format := parsePixelFormat(fmtBytes)
	if err := format.Validate(); err != nil {
		return rfberr.New(rfberr.Protocol, "runInit", "invalid server pixel format", err)
	}
	nameLen, err := cc.conn.ReadUint32(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "runInit", "read name length", err)
	}
	name, err := cc.conn.ReadExact(ctx, int(nameLen))
	if err != nil {
		return rfberr.New(rfberr.Transport, "runInit", "read name", err)
	}

	cc.mu.Lock()
	cc.format = format
	cc.width, cc.height = int(w), int(h)
	cc.desktopName = string(name)
	cc.mu.Unlock()
	return nil
}

// Width, Height, DesktopName, and Format report the state negotiated
// during Init (width/height may subsequently change via a NewFBSize
// pseudo-rectangle; Format may change if the caller sets a non-zero
// ClientConfig.Format or calls SetPixelFormat itself).
func (cc *ClientConn) Width() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.width
}

func (cc *ClientConn) Height() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.height
}

func (cc *ClientConn) DesktopName() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.desktopName
}

func (cc *ClientConn) Format() pixel.Format {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.format
}

// SetPixelFormat sends the client->server SetPixelFormat message.
func (cc *ClientConn) SetPixelFormat(ctx context.Context, f pixel.Format) error {
	var out []byte
	out = append(out, cmdSetPixelFormat, 0, 0, 0)
	out = appendPixelFormat(out, f)
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "SetPixelFormat", "write", err)
	}
	cc.mu.Lock()
	cc.format = f
	cc.mu.Unlock()
	return nil
}

// SetEncodings sends the client->server SetEncodings message.
func (cc *ClientConn) SetEncodings(ctx context.Context, types []encoding.Type) error {
	var out []byte
	out = append(out, cmdSetEncodings, 0)
	out = appendU16(out, uint16(len(types)))
	for _, t := range types {
		out = wire.PutUint32(out, uint32(int32(t)))
	}
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "SetEncodings", "write", err)
	}
	return nil
}

// RequestUpdate sends a FramebufferUpdateRequest for rect.
func (cc *ClientConn) RequestUpdate(ctx context.Context, incremental bool, rect region.Rect) error {
	out := []byte{cmdFramebufferUpdateRequest, boolByte(incremental)}
	out = appendU16(out, uint16(rect.X1))
	out = appendU16(out, uint16(rect.Y1))
	out = appendU16(out, uint16(rect.Width()))
	out = appendU16(out, uint16(rect.Height()))
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "RequestUpdate", "write", err)
	}
	return nil
}

// SendKeyEvent sends a KeyEvent message.
func (cc *ClientConn) SendKeyEvent(ctx context.Context, down bool, keysym uint32) error {
	out := []byte{cmdKeyEvent, boolByte(down), 0, 0}
	out = wire.PutUint32(out, keysym)
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "SendKeyEvent", "write", err)
	}
	return nil
}

// SendPointerEvent sends a PointerEvent message.
func (cc *ClientConn) SendPointerEvent(ctx context.Context, buttonMask uint8, x, y int) error {
	out := []byte{cmdPointerEvent, buttonMask}
	out = appendU16(out, uint16(x))
	out = appendU16(out, uint16(y))
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "SendPointerEvent", "write", err)
	}
	return nil
}

// SendClientCutText sends a ClientCutText message.
func (cc *ClientConn) SendClientCutText(ctx context.Context, text string) error {
	out := []byte{cmdClientCutText, 0, 0, 0}
	out = wire.PutUint32(out, uint32(len(text)))
	out = append(out, text...)
	if err := cc.writeLocked(out); err != nil {
		return rfberr.New(rfberr.Transport, "SendClientCutText", "write", err)
	}
	return nil
}

func (cc *ClientConn) writeLocked(b []byte) error {
	cc.outputMu.Lock()
	defer cc.outputMu.Unlock()
	return cc.conn.WriteExact(b)
}

// Close releases the decoders' resources and closes the transport.
func (cc *ClientConn) Close() error {
	var agg rfberr.Aggregate
	cc.closeOnce.Do(func() {
		cc.phase = PhaseClosed
		close(cc.closed)
		for _, d := range cc.decoders {
			agg.Append(d.Close())
		}
		agg.Append(cc.conn.Close())
	})
	return agg.ErrorOrNil()
}

func (cc *ClientConn) fail(kind rfberr.Kind, op, msg string, cause error) error {
	err := rfberr.New(kind, op, msg, cause)
	cc.cfg.Log.Error("client connection failed", err, nil)
	_ = cc.Close()
	return err
}

// FramebufferSink adapts a *pixel.Framebuffer into encoding.PixelSink,
// so a ClientConn can decode straight into a local framebuffer mirror
// the way cmd/rfbview does. FB may be swapped out (e.g. once the real
// dimensions are known after Init, or on a NewFBSize resize) by taking
// FramebufferSink by pointer, since ClientConn retains whichever
// PixelSink value it was given at Dial time.
type FramebufferSink struct {
	FB *pixel.Framebuffer
}

func (s *FramebufferSink) SetPixel(x, y int, r, g, b uint8) { s.FB.Set(x, y, r, g, b) }

func (s *FramebufferSink) CopyRect(x, y, w, h, srcX, srcY int) {
	s.FB.CopyRect(srcX, srcY, w, h, x-srcX, y-srcY)
}
