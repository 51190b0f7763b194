// Package update implements component E: the per-connection update
// pipeline reconciling modified, copy, and requested regions into one
// FramebufferUpdate, per the 9-step send algorithm.
package update

import (
	"time"

	"github.com/LibVNC/libvncserver-sub002/internal/rfbtimer"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
)

// Sender emits one assembled update onto the wire; pkg/rfb supplies
// the concrete implementation (choosing encoders, writing the wire
// message). Pipeline only decides *what* rectangles to send and in
// what order.
type Sender interface {
	// SendUpdate writes one FramebufferUpdate for the given pixel
	// rectangles (in emission order) and copy rectangles (dx, dy),
	// returning an error on write failure.
	SendUpdate(copies []CopyRect, pixels []region.Rect, dx, dy int) error
}

// CopyRect is one scheduled in-framebuffer copy.
type CopyRect struct {
	Rect region.Rect
}

// CongestionGate lets the flow controller veto a send; pkg/flow's
// Controller satisfies this via IsCongested/ETAUncongested.
type CongestionGate interface {
	IsCongested(nowNS int64) bool
	ETAUncongested(nowNS int64) int64
}

// Pipeline holds one connection's modified/copy/requested regions and
// assembles FramebufferUpdate messages from them.
type Pipeline struct {
	modifiedRegion  region.Region
	copyRegion      region.Region
	copyDX, copyDY  int
	requestedRegion region.Region

	updatePending   bool
	incrementalOnly bool

	progressiveSliceHeight int
	sliceCursor            int
	frameHeight            int

	deferUpdateTime time.Duration
	timers          *rfbtimer.Service
	deferredTimer   *rfbtimer.Handle
	preparing       bool

	displayHook func()

	sender Sender
	gate   CongestionGate
	nowNS  func() int64
}

// Config carries the construction-time parameters a Pipeline needs.
type Config struct {
	Sender          Sender
	Gate            CongestionGate
	Timers          *rfbtimer.Service
	DeferUpdateTime time.Duration
	FrameHeight     int
	Now             func() int64
}

func New(cfg Config) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	return &Pipeline{
		sender:      cfg.Sender,
		gate:        cfg.Gate,
		timers:      cfg.Timers,
		deferUpdateTime: cfg.DeferUpdateTime,
		frameHeight: cfg.FrameHeight,
		nowNS:       now,
	}
}

// SetDisplayHook installs a callback invoked once immediately before
// step 1 of Send, mirroring the spec's displayHook.
func (p *Pipeline) SetDisplayHook(fn func()) { p.displayHook = fn }

// SetProgressiveSliceHeight enables (>0) or disables (0) the
// cyclic horizontal-band slicing of step 3.
func (p *Pipeline) SetProgressiveSliceHeight(h int) { p.progressiveSliceHeight = h }

// MarkModified accumulates rect into modifiedRegion. It never sends
// inline: when timers and a sender are configured it arms one deferred
// send deferUpdateTime from now, unless one is already armed (a mark
// that arrives while an update is being prepared arms one too).
func (p *Pipeline) MarkModified(rect region.Rect) {
	p.modifiedRegion = p.modifiedRegion.Union(region.Single(rect))
	p.armDeferredSend()
}

// ScheduleCopy accumulates rect into copyRegion under translation
// (dx, dy). A second call with a different translation first flushes
// the pending copy into modifiedRegion (since a single copyRegion can
// only carry one translation at a time).
func (p *Pipeline) ScheduleCopy(rect region.Rect, dx, dy int) {
	if !p.copyRegion.IsEmpty() && (dx != p.copyDX || dy != p.copyDY) {
		p.modifiedRegion = p.modifiedRegion.Union(p.copyRegion)
		p.copyRegion = region.Region{}
	}
	p.copyDX, p.copyDY = dx, dy
	p.copyRegion = p.copyRegion.Union(region.Single(rect))
	p.armDeferredSend()
}

// RequestUpdate handles a client FramebufferUpdateRequest: rect is
// OR'd into requestedRegion; a non-incremental request also pulls
// rect into modifiedRegion and drops it from copyRegion (the client
// wants the true current pixels there, not a stale copy).
func (p *Pipeline) RequestUpdate(incremental bool, rect region.Rect) {
	p.requestedRegion = p.requestedRegion.Union(region.Single(rect))
	p.updatePending = true
	if !incremental {
		p.modifiedRegion = p.modifiedRegion.Union(region.Single(rect))
		p.copyRegion = p.copyRegion.Subtract(region.Single(rect))
	}
	p.armDeferredSend()
}

func (p *Pipeline) armDeferredSend() {
	if p.timers == nil || p.sender == nil {
		return
	}
	if p.deferredTimer != nil {
		return
	}
	h := p.timers.After(p.deferUpdateTime, func() {
		p.deferredTimer = nil
		_, _ = p.Send()
	})
	p.deferredTimer = &h
}

// Send runs the 9-step algorithm and returns whether an update was
// actually written (false if nothing was pending, the request is not
// outstanding, or flow control deferred the send).
func (p *Pipeline) Send() (bool, error) {
	if p.displayHook != nil {
		p.displayHook()
	}

	if !p.updatePending || p.requestedRegion.IsEmpty() {
		return false, nil
	}

	now := p.nowNS()
	if p.gate != nil && p.gate.IsCongested(now) {
		if p.timers != nil {
			eta := time.Duration(p.gate.ETAUncongested(now)) * time.Nanosecond
			p.timers.After(eta, func() { _, _ = p.Send() })
		}
		return false, nil
	}

	p.preparing = true
	defer func() { p.preparing = false }()

	// 1. Drop modified ∩ copy from copyRegion.
	p.copyRegion = p.copyRegion.Subtract(p.modifiedRegion)

	// 2. update = (copy ∪ modified) ∩ requested.
	combined := p.copyRegion.Union(p.modifiedRegion)
	upd := combined.Intersect(p.requestedRegion)

	// 3. Progressive slice.
	if p.progressiveSliceHeight > 0 && p.frameHeight > 0 {
		y := p.sliceCursor
		p.sliceCursor = (p.sliceCursor + p.progressiveSliceHeight) % p.frameHeight
		upd = upd.Band(y, p.progressiveSliceHeight)
	}

	// 4. updateCopyRegion = copy ∩ requested ∩ translate(requested, dx, dy).
	translatedRequested := p.requestedRegion.Offset(p.copyDX, p.copyDY)
	updateCopyRegion := p.copyRegion.Intersect(p.requestedRegion).Intersect(translatedRequested)
	pixelRegion := upd.Subtract(updateCopyRegion)

	// 5. Subtract what's being sent from modified; clear requested and copy.
	p.modifiedRegion = p.modifiedRegion.Subtract(upd)
	p.requestedRegion = region.Region{}
	p.copyRegion = region.Region{}
	p.updatePending = false

	copies := updateCopyRegion.IterForCopy(p.copyDY)
	var copyRects []CopyRect
	for _, r := range copies {
		copyRects = append(copyRects, CopyRect{Rect: r})
	}

	pixels := pixelRegion.Iter(region.OrderDefault)

	if len(copyRects) == 0 && len(pixels) == 0 {
		return false, nil
	}

	if err := p.sender.SendUpdate(copyRects, pixels, p.copyDX, p.copyDY); err != nil {
		return false, err
	}
	return true, nil
}
