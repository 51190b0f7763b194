// Package flow implements component F: fence-based RTT measurement,
// bytes-in-flight accounting, and the TCP-Vegas-style congestion
// window that gates the update pipeline's sends.
package flow

// Window bounds, in bytes.
const (
	MinimumWindow = 4 << 10
	MaximumWindow = 4 << 20
	InitialWindow = 16 << 10
)

// Ping is one outstanding RTT probe: the position in the outgoing
// byte stream at which it was sent, whether the connection was
// already congested at that moment, and any extra-buffer estimate
// carried alongside it.
type Ping struct {
	TS        int64 // nanoseconds, caller-supplied clock
	Pos       int64
	Extra     int64
	Congested bool
}

// Pong is the measurement recorded once a Ping is echoed back.
type Pong struct {
	Pos int64
	TS  int64
}

// Controller tracks one connection's congestion state. All timing
// inputs are nanosecond int64s supplied by the caller (never
// time.Now() directly) so tests can drive a simulated clock.
type Controller struct {
	congWindow int64
	baseRTT    int64 // -1 == unknown/infinite
	lastSent   int64 // position, bytes
	lastUpdate int64 // position, bytes
	extraBuffer int64

	inSlowStart bool
	pending     []Ping
	lastPong    Pong

	minRTT          int64
	minCongestedRTT int64
	measurements    int
	lastAdjustment  int64

	lastSentTS int64
	lastUpdateTS int64

	pendingSyncFence bool
}

func NewController() *Controller {
	return &Controller{
		congWindow:      InitialWindow,
		baseRTT:         -1,
		minRTT:          -1,
		minCongestedRTT: -1,
		inSlowStart:     true,
	}
}

// CongestionWindow returns the current window size in bytes.
func (c *Controller) CongestionWindow() int64 { return c.congWindow }

// SockOffsetAdvanced is the Wire I/O write-observer callback: pos is
// the new absolute byte offset of the outgoing stream, nowNS the
// caller's clock.
func (c *Controller) SockOffsetAdvanced(pos int64, nowNS int64) {
	if c.baseRTT > 0 && c.lastUpdate > 0 {
		deltaBytes := pos - c.lastUpdate
		elapsed := nowNS - c.lastUpdateTS
		expected := elapsed * c.congWindow / c.baseRTT
		extra := deltaBytes - expected
		if extra > 0 {
			c.extraBuffer += extra
		}
	}
	c.lastUpdate = pos
	c.lastUpdateTS = nowNS
	c.lastSent = pos
	c.lastSentTS = nowNS
}

// SendRTTPing records a new outstanding ping at the given position
// and clock reading; callers write the actual Fence wire message
// themselves (pkg/rfb owns the wire format).
func (c *Controller) SendRTTPing(nowNS int64) Ping {
	p := Ping{TS: nowNS, Pos: c.lastUpdate, Extra: c.extraBuffer, Congested: c.IsCongested(nowNS)}
	c.pending = append(c.pending, p)
	return p
}

// OnPong processes one echoed fence, updating RTT statistics and
// running the adjustment rule once ≥3 measurements have accumulated
// since the last adjustment.
func (c *Controller) OnPong(nowNS int64) {
	if len(c.pending) == 0 {
		return
	}
	p := c.pending[0]
	c.pending = c.pending[1:]

	rtt := nowNS - p.TS
	c.lastPong = Pong{Pos: p.Pos, TS: nowNS}

	if c.baseRTT < 0 || rtt < c.baseRTT {
		c.baseRTT = rtt
	}
	if c.minRTT < 0 || rtt < c.minRTT {
		c.minRTT = rtt
	}
	if p.Congested {
		if c.minCongestedRTT < 0 || rtt < c.minCongestedRTT {
			c.minCongestedRTT = rtt
		}
	}
	c.measurements++

	if c.measurements >= 3 {
		c.adjust(nowNS)
	}
}

func (c *Controller) adjust(nowNS int64) {
	defer func() {
		c.measurements = 0
		c.minRTT = -1
		c.minCongestedRTT = -1
		c.lastAdjustment = nowNS
	}()

	if c.minRTT < 0 {
		return
	}

	const ms = int64(1e6) // thresholds are milliseconds; RTTs are ns
	spikeThreshold := 100 * ms
	if c.baseRTT/2 > spikeThreshold {
		spikeThreshold = c.baseRTT / 2
	}

	switch {
	case c.minRTT-c.baseRTT > spikeThreshold:
		c.congWindow = c.congWindow * c.baseRTT / c.minRTT
		c.inSlowStart = false
	case c.inSlowStart && c.minRTT-c.baseRTT > 25*ms:
		c.inSlowStart = false
		c.congWindow = c.congWindow * c.baseRTT / c.minRTT
	case c.inSlowStart && c.minCongestedRTT >= 0 && c.minCongestedRTT-c.baseRTT < 25*ms:
		c.congWindow *= 2
	case !c.inSlowStart && c.minRTT-c.baseRTT > 50*ms:
		c.congWindow -= 4096
	case !c.inSlowStart && c.minCongestedRTT >= 0 && c.minCongestedRTT-c.baseRTT < 5*ms:
		c.congWindow += 8192
	case !c.inSlowStart && c.minCongestedRTT >= 0 && c.minCongestedRTT-c.baseRTT < 25*ms:
		c.congWindow += 4096
	}

	if c.congWindow < MinimumWindow {
		c.congWindow = MinimumWindow
	}
	if c.congWindow > MaximumWindow {
		c.congWindow = MaximumWindow
	}
}

// InFlight estimates bytes currently in flight as lastPosition minus
// the last pong's position.
func (c *Controller) InFlight(nowNS int64) int64 {
	inFlight := c.lastUpdate - c.lastPong.Pos
	if inFlight < 0 {
		inFlight = 0
	}
	return inFlight
}

// IsCongested reports whether in-flight bytes have reached the
// congestion window.
func (c *Controller) IsCongested(nowNS int64) bool {
	return c.InFlight(nowNS) >= c.congWindow
}

// ETAUncongested estimates, in nanoseconds from now, when the
// connection will no longer be congested, used to arm the deferred
// retry timer.
func (c *Controller) ETAUncongested(nowNS int64) int64 {
	if c.baseRTT <= 0 {
		return 0
	}
	return c.baseRTT
}

// CheckIdle applies the idle-detection rule: if the gap since the
// last byte actually moved on the wire exceeds max(2*baseRTT, 100ms),
// the window resets to a fresh slow start.
func (c *Controller) CheckIdle(nowNS int64) {
	idleThreshold := int64(100 * 1e6) // 100ms in ns
	if 2*c.baseRTT > idleThreshold {
		idleThreshold = 2 * c.baseRTT
	}
	if c.baseRTT <= 0 {
		return
	}
	if nowNS-c.lastSentTS > idleThreshold {
		if c.congWindow > InitialWindow {
			c.congWindow = InitialWindow
		}
		c.baseRTT = -1
		c.measurements = 0
		c.inSlowStart = true
	}
}

// PendingPings returns the number of RTT probes awaiting a pong.
func (c *Controller) PendingPings() int { return len(c.pending) }
