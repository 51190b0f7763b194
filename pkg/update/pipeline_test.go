package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibVNC/libvncserver-sub002/internal/rfbtimer"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
)

type fakeSender struct {
	calls  int
	copies []CopyRect
	pixels []region.Rect
	dx, dy int
}

func (f *fakeSender) SendUpdate(copies []CopyRect, pixels []region.Rect, dx, dy int) error {
	f.calls++
	f.copies = copies
	f.pixels = pixels
	f.dx, f.dy = dx, dy
	return nil
}

func newTestPipeline(s *fakeSender, clock *int64) *Pipeline {
	return New(Config{
		Sender: s,
		Now:    func() int64 { return *clock },
	})
}

func TestSendNothingPendingIsNoop(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	sent, err := p.Send()
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 0, s.calls)
}

func TestIncrementalSingleRectUpdate(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	full := region.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	p.RequestUpdate(true, full)
	p.MarkModified(region.Rect{X1: 10, Y1: 10, X2: 20, Y2: 20})

	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, 1, s.calls)
	assert.Empty(t, s.copies)
	require.Len(t, s.pixels, 1)
	assert.Equal(t, region.Rect{X1: 10, Y1: 10, X2: 20, Y2: 20}, s.pixels[0])
}

func TestCopyThenModifiedProducesBothInOneUpdate(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	full := region.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	p.RequestUpdate(true, full)
	p.ScheduleCopy(region.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50}, 10, 0)
	p.MarkModified(region.Rect{X1: 60, Y1: 60, X2: 70, Y2: 70})

	// The copy's source is [-10,0]-[40,50]; the strip x<10 whose source
	// lies left of the requested region goes out as pixels instead.
	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, s.copies, 1)
	assert.Equal(t, region.Rect{X1: 10, Y1: 0, X2: 50, Y2: 50}, s.copies[0].Rect)
	require.Len(t, s.pixels, 2)
	assert.Equal(t, region.Rect{X1: 0, Y1: 0, X2: 10, Y2: 50}, s.pixels[0])
	assert.Equal(t, region.Rect{X1: 60, Y1: 60, X2: 70, Y2: 70}, s.pixels[1])
	assert.Equal(t, 10, s.dx)
}

func TestModifiedOverlapsCopyDropsFromCopyRegion(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	full := region.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	p.RequestUpdate(true, full)
	p.ScheduleCopy(region.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50}, 10, 0)
	p.MarkModified(region.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50})

	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	assert.Empty(t, s.copies)
	require.Len(t, s.pixels, 1)
}

// TestCopySourceOutsideRequestedRegionFallsBackToRaw exercises a
// sub-framebuffer requestedRegion with a scheduled copy whose source
// (dest shifted by -dx, -dy) falls outside it: the destination must
// not be emitted as CopyRect (that would hand the client a rectangle
// whose source pixels were never validly sent to it), and instead
// falls through to a raw pixel update of the destination rect.
func TestCopySourceOutsideRequestedRegionFallsBackToRaw(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	requested := region.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}
	p.RequestUpdate(true, requested)
	// Destination [0,0]-[2,2] with dx=2, dy=0 means source is
	// [-2,0]-[0,2]: entirely outside requested.
	p.ScheduleCopy(region.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2}, 2, 0)

	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	assert.Empty(t, s.copies, "copy whose source lies outside the requested region must not be sent as CopyRect")
	require.Len(t, s.pixels, 1)
	assert.Equal(t, region.Rect{X1: 0, Y1: 0, X2: 2, Y2: 2}, s.pixels[0])
}

// TestCopySourceInsideRequestedRegionIsEmittedAsCopy is the positive
// counterpart: when the copy's source does lie within requested, it
// must still be sent as CopyRect (the step 4 fix must not over-reject).
func TestCopySourceInsideRequestedRegionIsEmittedAsCopy(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	requested := region.Rect{X1: 0, Y1: 0, X2: 4, Y2: 4}
	p.RequestUpdate(true, requested)
	// Destination [2,0]-[4,2] with dx=2, dy=0: source is [0,0]-[2,2],
	// fully inside requested.
	p.ScheduleCopy(region.Rect{X1: 2, Y1: 0, X2: 4, Y2: 2}, 2, 0)

	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, s.copies, 1)
	assert.Equal(t, region.Rect{X1: 2, Y1: 0, X2: 4, Y2: 2}, s.copies[0].Rect)
	assert.Empty(t, s.pixels)
}

func TestDeferredUpdateMergesTwoMarks(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	timers := rfbtimer.NewService()
	p := New(Config{
		Sender:          s,
		Timers:          timers,
		DeferUpdateTime: 10 * time.Millisecond,
		Now:             func() int64 { return clock },
	})

	full := region.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	p.RequestUpdate(true, full)
	p.MarkModified(region.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10})
	p.MarkModified(region.Rect{X1: 20, Y1: 20, X2: 30, Y2: 30})

	// Neither mark should have sent inline; only the deferred timer does.
	assert.Equal(t, 0, s.calls)

	timers.RunDue(time.Now().Add(time.Hour))

	require.Equal(t, 1, s.calls)
	want := region.Single(region.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}).
		Union(region.Single(region.Rect{X1: 20, Y1: 20, X2: 30, Y2: 30}))
	got := region.New(s.pixels...)
	assert.True(t, got.Equal(want))
}

func TestNonIncrementalRequestPullsRectIntoModified(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	p := newTestPipeline(s, &clock)

	rect := region.Rect{X1: 0, Y1: 0, X2: 50, Y2: 50}
	p.RequestUpdate(false, rect)

	sent, err := p.Send()
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, s.pixels, 1)
	assert.Equal(t, rect, s.pixels[0])
}

type fakeGate struct {
	congested bool
	eta       int64
}

func (g *fakeGate) IsCongested(nowNS int64) bool { return g.congested }
func (g *fakeGate) ETAUncongested(nowNS int64) int64 { return g.eta }

func TestCongestedGateDefersSend(t *testing.T) {
	s := &fakeSender{}
	var clock int64
	timers := rfbtimer.NewService()
	gate := &fakeGate{congested: true, eta: int64(5 * time.Millisecond)}
	p := New(Config{
		Sender: s,
		Gate:   gate,
		Timers: timers,
		Now:    func() int64 { return clock },
	})

	p.RequestUpdate(true, region.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10})
	p.MarkModified(region.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10})

	sent, err := p.Send()
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 0, s.calls)

	gate.congested = false
	timers.RunDue(time.Now().Add(time.Hour))
	assert.Equal(t, 1, s.calls)
}
