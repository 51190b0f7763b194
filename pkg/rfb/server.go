package rfb

import (
	"context"
	"net"

	"github.com/LibVNC/libvncserver-sub002/internal/rfbtimer"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// protoVersion3, protoVersion7, protoVersion8 are the version strings
// this server advertises and accepts, named after the teacher's
// v3/v7/v8 constants (rfb.go).
const (
	protoVersion3 = "RFB 003.003\n"
	protoVersion7 = "RFB 003.007\n"
	protoVersion8 = "RFB 003.008\n"
)

// Security types, per the public protocol registry.
const (
	securityInvalid = 0
	securityNone    = 1
	securityVNCAuth = 2
	securityVeNCrypt = 19
)

// Server owns the shared framebuffer, the client slotmap, the timer
// service, and the extension registry, replacing the source's global
// mutable singletons (spec.md §9) with one explicit ServerContext.
type Server struct {
	cfg       ServerConfig
	fb        *pixel.Framebuffer
	clients   *slotMap
	timers    *rfbtimer.Service
	extensions *ExtensionRegistry
	handler   Handler
	tlsConfig TLSConfig
}

// NewServer builds a Server with the given Handler and options.
func NewServer(handler Handler, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		cfg:        cfg,
		fb:         pixel.NewFramebuffer(cfg.DesktopWidth, cfg.DesktopHeight, cfg.Format, 0),
		clients:    newSlotMap(),
		timers:     rfbtimer.NewService(),
		extensions: &ExtensionRegistry{},
		handler:    handler,
	}
}

// Framebuffer exposes the server's shared pixel surface so the
// application can paint into it and then call MarkModified on the
// relevant clients (or broadcast via Each).
func (s *Server) Framebuffer() *pixel.Framebuffer { return s.fb }

// Extensions returns the registry applications register hooks into
// before calling Serve.
func (s *Server) Extensions() *ExtensionRegistry { return s.extensions }

// SetTLSConfig installs the certificate material used for VeNCrypt
// ChannelSecurity upgrades.
func (s *Server) SetTLSConfig(cfg TLSConfig) { s.tlsConfig = cfg }

// Each calls fn for every currently connected client.
func (s *Server) Each(fn func(*Client)) { s.clients.each(fn) }

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int { return s.clients.len() }

// Accept drives the handshake (Version, optional ChannelSecurity,
// Security, Init) over nc and returns a ready PhaseNormal Client, or
// an error if the handshake failed at any step. The caller is
// responsible for then running Client.Serve.
func (s *Server) Accept(ctx context.Context, nc net.Conn) (*Client, error) {
	c := newClient(s, nc)
	if err := s.runHandshake(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	s.clients.put(c)
	s.extensions.notifyNewClient(c)
	return c, nil
}

func (s *Server) runHandshake(ctx context.Context, c *Client) error {
	if err := s.negotiateVersion(ctx, c); err != nil {
		return err
	}
	if c.minor >= 7 && s.tlsConfig.ServerCertFile != "" {
		c.phase = PhaseChannelSecurity
		if _, err := c.runVeNCrypt(ctx, s.tlsConfig, []uint32{veNCryptX509None, veNCryptTLSNone, veNCryptPlain}); err != nil {
			return err
		}
	}
	c.phase = PhaseSecurity
	if err := s.negotiateSecurity(ctx, c); err != nil {
		return err
	}
	c.phase = PhaseInit
	if err := s.runInit(ctx, c); err != nil {
		return err
	}
	c.phase = PhaseNormal
	return nil
}

func (s *Server) negotiateVersion(ctx context.Context, c *Client) error {
	if err := c.conn.WriteExact([]byte(protoVersion8)); err != nil {
		return rfberr.New(rfberr.Transport, "negotiateVersion", "write server version", err)
	}
	line, err := c.conn.ReadExact(ctx, len(protoVersion8))
	if err != nil {
		return rfberr.New(rfberr.Transport, "negotiateVersion", "read client version", err)
	}
	switch string(line) {
	case protoVersion3:
		c.minor = 3
	case protoVersion7:
		c.minor = 7
	case protoVersion8:
		c.minor = 8
	default:
		if s.cfg.MinProtocolMinor <= 3 {
			// Legacy fallback: treat anything unrecognised as 3.3,
			// per the "protocolFallbackMinorVersion = 3" behaviour
			// noted as observed-but-not-mandated (spec.md §9).
			c.minor = 3
			return nil
		}
		return rfberr.New(rfberr.Protocol, "negotiateVersion", "unsupported client version", nil)
	}
	if c.minor < s.cfg.MinProtocolMinor {
		return rfberr.New(rfberr.Protocol, "negotiateVersion", "client minor below configured minimum", nil)
	}
	return nil
}

func (s *Server) negotiateSecurity(ctx context.Context, c *Client) error {
	types := s.offeredSecurityTypes()
	if c.minor == 3 {
		// 3.3 has no negotiation: the server picks unilaterally.
		if err := c.conn.WriteUint32(uint32(types[0])); err != nil {
			return rfberr.New(rfberr.Transport, "negotiateSecurity", "write 3.3 security type", err)
		}
		return s.performSecurity(ctx, c, types[0])
	}

	if err := c.conn.WriteUint8(uint8(len(types))); err != nil {
		return rfberr.New(rfberr.Transport, "negotiateSecurity", "write type count", err)
	}
	for _, t := range types {
		if err := c.conn.WriteUint8(t); err != nil {
			return rfberr.New(rfberr.Transport, "negotiateSecurity", "write type list", err)
		}
	}
	chosen, err := c.conn.ReadUint8(ctx)
	if err != nil {
		return rfberr.New(rfberr.Transport, "negotiateSecurity", "read chosen type", err)
	}
	found := false
	for _, t := range types {
		if t == chosen {
			found = true
		}
	}
	if !found {
		return rfberr.New(rfberr.Protocol, "negotiateSecurity", "client chose unoffered security type", nil)
	}
	return s.performSecurity(ctx, c, chosen)
}

func (s *Server) offeredSecurityTypes() []uint8 {
	if s.cfg.Passwords != nil {
		return []uint8{securityVNCAuth}
	}
	if s.cfg.AllowNoneAuth {
		return []uint8{securityNone}
	}
	return []uint8{securityInvalid}
}

func (s *Server) performSecurity(ctx context.Context, c *Client, chosen uint8) error {
	switch chosen {
	case securityNone:
		if c.minor >= 8 {
			return c.writeSecurityResult(true, "")
		}
		return nil
	case securityVNCAuth:
		viewOnly, err := c.runVNCAuth(ctx)
		if err != nil {
			_ = c.writeSecurityResult(false, "authentication failed")
			return err
		}
		c.viewOnly = viewOnly
		return c.writeSecurityResult(true, "")
	case securityInvalid:
		// 3.3's failure mode: the reason string follows the u32 type
		// directly, with no separate SecurityResult byte.
		reason := []byte("server has no security types to offer")
		var out []byte
		out = append(out, byte(len(reason)>>24), byte(len(reason)>>16), byte(len(reason)>>8), byte(len(reason)))
		out = append(out, reason...)
		_ = c.conn.WriteExact(out)
		return rfberr.New(rfberr.Auth, "performSecurity", "no security types configured", nil)
	default:
		return rfberr.New(rfberr.Protocol, "performSecurity", "unsupported security type", nil)
	}
}

func (s *Server) runInit(ctx context.Context, c *Client) error {
	if _, err := c.conn.ReadUint8(ctx); err != nil { // shared-flag byte, unused by this server
		return rfberr.New(rfberr.Transport, "runInit", "read ClientInit", err)
	}

	w, h := s.fb.Dimensions()
	c.mu.Lock()
	c.format = s.fb.Format()
	c.translate = pixel.NewTranslator(c.format)
	c.mu.Unlock()

	var out []byte
	out = appendU16(out, uint16(w))
	out = appendU16(out, uint16(h))
	out = appendPixelFormat(out, c.format)
	name := []byte(s.cfg.Name)
	out = append(out, byte(len(name)>>24), byte(len(name)>>16), byte(len(name)>>8), byte(len(name)))
	out = append(out, name...)
	return c.conn.WriteExact(out)
}

func appendPixelFormat(out []byte, f pixel.Format) []byte {
	out = append(out, f.BitsPerPixel, f.Depth, boolByte(f.BigEndian), boolByte(f.TrueColour))
	out = appendU16(out, f.RedMax)
	out = appendU16(out, f.GreenMax)
	out = appendU16(out, f.BlueMax)
	out = append(out, f.RedShift, f.GreenShift, f.BlueShift)
	out = append(out, 0, 0, 0) // 3 padding bytes
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
