package rfb

import (
	"time"

	"github.com/LibVNC/libvncserver-sub002/internal/rfblog"
	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
)

// ClientConfig carries every construction-time parameter Dial needs,
// the client-side mirror of ServerConfig: a plain struct instead of
// the teacher's package-level globals, usable both by library callers
// and by the cobra-based cmd/rfbview example.
type ClientConfig struct {
	// Password authenticates VNC-Auth if the server offers it; ignored
	// if the server only offers None.
	Password string
	// Format is the PixelFormat requested via SetPixelFormat once the
	// connection is established; the zero value keeps the server's
	// native ServerInit format.
	Format pixel.Format
	// Encodings lists, in preference order, the encodings advertised
	// via SetEncodings. Defaults to every encoding this package can
	// decode, most-compressed first.
	Encodings []encoding.Type
	// ReadTimeout bounds every blocking read (default 20s).
	ReadTimeout time.Duration
	Log         rfblog.Sink

	// OnBell, if set, is invoked for every Bell message.
	OnBell func()
	// OnCutText, if set, is invoked with the server clipboard contents
	// carried by a ServerCutText message.
	OnCutText func(text string)
}

func defaultClientEncodings() []encoding.Type {
	return []encoding.Type{
		encoding.Tight,
		encoding.ZRLE,
		encoding.Hextile,
		encoding.ZlibHex,
		encoding.Zlib,
		encoding.CoRRE,
		encoding.RRE,
		encoding.CopyRect,
		encoding.H264,
		encoding.Raw,
	}
}

func (cfg *ClientConfig) setDefaults() {
	if cfg.Log == nil {
		cfg.Log = rfblog.Nop
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	if len(cfg.Encodings) == 0 {
		cfg.Encodings = defaultClientEncodings()
	}
}
