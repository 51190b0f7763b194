package rfb

import (
	"time"

	"github.com/LibVNC/libvncserver-sub002/internal/rfblog"
	"github.com/LibVNC/libvncserver-sub002/pkg/passwd"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
)

// ServerConfig carries every construction-time parameter a Server
// needs, the idiomatic analogue of the teacher's package-level
// flag.Bool/flag.String globals (*profile, *listen), generalized off
// a single process flag set into a plain struct usable by library
// callers and by the cobra-based example CLI.
type ServerConfig struct {
	Name            string
	DesktopWidth    int
	DesktopHeight   int
	Format          pixel.Format
	Log             rfblog.Sink
	ReadTimeout     time.Duration
	DeferUpdateTime time.Duration
	ZlibLevel       int
	TightQuality    int
	Passwords       *passwd.File
	AllowNoneAuth   bool
	MinProtocolMinor int
}

// Option mutates a ServerConfig at construction time.
type Option func(*ServerConfig)

// WithName sets the ServerInit desktop name (default "rfb-go").
func WithName(name string) Option {
	return func(c *ServerConfig) { c.Name = name }
}

// WithDesktopSize sets the initial framebuffer dimensions.
func WithDesktopSize(w, h int) Option {
	return func(c *ServerConfig) { c.DesktopWidth, c.DesktopHeight = w, h }
}

// WithPixelFormat sets the server's native PixelFormat.
func WithPixelFormat(f pixel.Format) Option {
	return func(c *ServerConfig) { c.Format = f }
}

// WithLogSink installs a logging sink; defaults to rfblog.Nop.
func WithLogSink(sink rfblog.Sink) Option {
	return func(c *ServerConfig) { c.Log = sink }
}

// WithReadTimeout overrides the default 20s per-client I/O deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *ServerConfig) { c.ReadTimeout = d }
}

// WithDeferUpdateTime sets the update pipeline's coalescing window.
func WithDeferUpdateTime(d time.Duration) Option {
	return func(c *ServerConfig) { c.DeferUpdateTime = d }
}

// WithCompression sets the zlib level and Tight JPEG quality every
// client's encoders are built with. A client's compress-level and
// quality pseudo-encodings are recorded on the Client but do not change
// the level or quality of those encoders.
func WithCompression(zlibLevel, tightQuality int) Option {
	return func(c *ServerConfig) { c.ZlibLevel, c.TightQuality = zlibLevel, tightQuality }
}

// WithPasswords enables VNC-Auth against the given password file
// instead of the None security type.
func WithPasswords(f *passwd.File) Option {
	return func(c *ServerConfig) { c.Passwords = f }
}

// WithMinProtocolMinor refuses any client minor below this value
// (default 3, accepting 3/7/8 per spec).
func WithMinProtocolMinor(minor int) Option {
	return func(c *ServerConfig) { c.MinProtocolMinor = minor }
}

// WithAllowNoneAuth controls whether the None security type is
// offered when no password file is configured; false makes an
// unconfigured server refuse every client during security negotiation.
func WithAllowNoneAuth(allow bool) Option {
	return func(c *ServerConfig) { c.AllowNoneAuth = allow }
}

func defaultConfig() ServerConfig {
	return ServerConfig{
		Name:             "rfb-go",
		DesktopWidth:     1280,
		DesktopHeight:    720,
		Format:           pixel.RGBA888(),
		Log:              rfblog.Nop,
		ReadTimeout:      20 * time.Second,
		DeferUpdateTime:  5 * time.Millisecond,
		ZlibLevel:        5,
		TightQuality:     80,
		AllowNoneAuth:    true,
		MinProtocolMinor: 3,
	}
}
