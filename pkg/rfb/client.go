package rfb

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/LibVNC/libvncserver-sub002/pkg/encoding"
	"github.com/LibVNC/libvncserver-sub002/pkg/flow"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
	"github.com/LibVNC/libvncserver-sub002/pkg/update"
	"github.com/LibVNC/libvncserver-sub002/pkg/wire"
)

// Client is the per-connection session state (ClientState in
// spec.md §3), created by Server.Accept and destroyed on any fatal
// I/O or protocol error. It holds no pointers to other clients; the
// server's slotMap indexes every live Client by id.
type Client struct {
	id     uuid.UUID
	server *Server

	rawConn net.Conn
	conn    *wire.Conn

	phase Phase
	minor int

	viewOnly bool

	mu                sync.Mutex // guards format/translator/encodings below
	format            pixel.Format
	translate         pixel.Translator
	preferredEncoding encoding.Type
	enabledEncodings  map[encoding.Type]bool
	pseudoFence       bool
	pseudoContinuous  bool
	pseudoLastRect    bool
	pseudoCursorShape bool
	pseudoNewFBSize   bool
	tightQuality      int
	zlibLevel         int

	encoders map[encoding.Type]encoding.Encoder

	update *update.Pipeline
	flow   *flow.Controller

	continuousActive bool

	pendingCursor    *encoding.Cursor
	pendingNewFBSize bool

	extensionsInited bool

	outputMu sync.Mutex // serialises writes on the wire (outputMutex)

	closeOnce sync.Once
	closed    chan struct{}
}

// SetCursor schedules a cursor-shape pseudo-rectangle ahead of the
// next pixel update, if the client enabled the CursorShape
// pseudo-encoding (no-op otherwise).
func (c *Client) SetCursor(cur encoding.Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pseudoCursorShape {
		return
	}
	c.pendingCursor = &cur
	c.update.MarkModified(region.Rect{})
}

// NotifyResize schedules a NewFBSize pseudo-rectangle ahead of the
// next update, if the client enabled the DesktopSize pseudo-encoding.
func (c *Client) NotifyResize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pseudoNewFBSize {
		return
	}
	c.pendingNewFBSize = true
}

// takePendingPseudoRectsLocked consumes and encodes any due
// cursor-shape/NewFBSize pseudo-rectangles, in the order step 7 of the
// send algorithm requires (cursor shape precedes cursor position
// precedes pixel rects; NewFBSize, when emitted, is the only
// rectangle in its update). Caller must hold c.mu.
func (c *Client) takePendingPseudoRectsLocked() [][]byte {
	var out [][]byte
	if c.pendingNewFBSize {
		w, h := c.server.fb.Dimensions()
		out = append(out, encoding.EncodeNewFBSize(w, h, nil))
		c.pendingNewFBSize = false
		return out
	}
	if c.pendingCursor != nil {
		out = append(out, encoding.EncodeCursorShape(*c.pendingCursor, c.format, nil))
		c.pendingCursor = nil
	}
	return out
}

// ID returns the client's stable identifier.
func (c *Client) ID() uuid.UUID { return c.id }

// Phase returns the client's current handshake/dispatch phase.
func (c *Client) Phase() Phase { return c.phase }

// ViewOnly reports whether this client authenticated as view-only.
func (c *Client) ViewOnly() bool { return c.viewOnly }

// RemoteAddr exposes the underlying transport's remote address.
func (c *Client) RemoteAddr() net.Addr { return c.rawConn.RemoteAddr() }

func newClient(s *Server, nc net.Conn) *Client {
	c := &Client{
		id:               uuid.New(),
		server:           s,
		rawConn:          nc,
		conn:             wire.New(nc),
		phase:            PhaseVersion,
		enabledEncodings: make(map[encoding.Type]bool),
		zlibLevel:        s.cfg.ZlibLevel,
		tightQuality:     s.cfg.TightQuality,
		closed:           make(chan struct{}),
	}
	c.conn.SetTimeout(s.cfg.ReadTimeout)
	c.encoders = encoding.NewEncoderSet(c.zlibLevel, c.tightQuality)
	c.flow = flow.NewController()
	_, fbHeight := s.fb.Dimensions()
	c.update = update.New(update.Config{
		Sender:          (*clientSender)(c),
		Gate:            c.flow,
		Timers:          s.timers,
		DeferUpdateTime: s.cfg.DeferUpdateTime,
		FrameHeight:     fbHeight,
	})
	c.conn.SetWriteObserver(func(n int) {
		c.flow.SockOffsetAdvanced(int64(n), nowNano())
	})
	return c
}

// MarkModified accumulates rect into the client's modified region,
// the application-facing half of component E's input surface.
func (c *Client) MarkModified(rect region.Rect) { c.update.MarkModified(rect) }

// ScheduleCopy accumulates a CopyRect candidate.
func (c *Client) ScheduleCopy(rect region.Rect, dx, dy int) { c.update.ScheduleCopy(rect, dx, dy) }

// Close moves the client to PhaseClosed, notifies extensions, and
// aggregates any errors freeing its per-encoding resources and closing
// the connection. A deferred send already armed on the timer service
// is not cancelled.
func (c *Client) Close() error {
	var aggErr error
	c.closeOnce.Do(func() {
		c.phase = PhaseClosed
		close(c.closed)
		c.server.extensions.notifyClose(c)

		var agg rfberr.Aggregate
		for _, enc := range c.encoders {
			agg.Append(enc.Close())
		}
		agg.Append(c.conn.Close())
		c.server.clients.delete(c.id)
		aggErr = agg.ErrorOrNil()
	})
	return aggErr
}

func (c *Client) fail(kind rfberr.Kind, op, msg string, cause error) error {
	err := rfberr.New(kind, op, msg, cause)
	c.server.cfg.Log.Error("client session failed", err, nil)
	_ = c.Close()
	return err
}

// writeLocked serialises a multi-part write under outputMutex, the
// discipline spec.md §5 requires for any write spanning more than one
// WriteExact call.
func (c *Client) writeLocked(fn func() error) error {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()
	return fn()
}
