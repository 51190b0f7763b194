package h264

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func blankFrame(w, h int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// TestLRUEvictsLeastRecentlyUsed is property 6: the context table never
// grows past MaxContexts, and eviction order follows recency of use,
// not insertion order. A fresh context always reports its next Encode
// as a keyframe, so re-encoding through a slot is used as the
// observable signal that its prior context was actually evicted.
func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLRU()

	slots := make([]Slot, MaxContexts)
	for i := range slots {
		slots[i] = Slot{X: i, Y: 0, W: 8, H: 8}
	}
	for _, s := range slots {
		ctx := lru.Get(s)
		_, isIDR, err := ctx.Encode(blankFrame(8, 8))
		require.NoError(t, err)
		require.True(t, isIDR, "first use of a fresh context must be a keyframe")
	}
	require.Equal(t, MaxContexts, lru.Len())

	// Touch slots[0] so it becomes most-recently-used; slots[1] is now
	// the oldest entry in the table.
	lru.Get(slots[0])

	overflow := Slot{X: 1000, Y: 0, W: 8, H: 8}
	lru.Get(overflow)
	require.Equal(t, MaxContexts, lru.Len(), "table must stay capped at MaxContexts")

	// slots[1] should have been evicted: its next context is fresh and
	// must emit a keyframe again.
	ctx1 := lru.Get(slots[1])
	_, isIDR1, err := ctx1.Encode(blankFrame(8, 8))
	require.NoError(t, err)
	require.True(t, isIDR1, "evicted slot must rebuild a fresh context")

	// slots[0] was touched right before the insert that caused the
	// eviction, so it must have survived and kept its reference frame.
	ctx0 := lru.Get(slots[0])
	_, isIDR0, err := ctx0.Encode(blankFrame(8, 8))
	require.NoError(t, err)
	require.False(t, isIDR0, "recently-touched slot must not have been evicted")
}

// TestLRUResetContextForcesKeyframe checks the per-slot reset path:
// ResetContext drops a slot outright, so its next Get rebuilds fresh.
func TestLRUResetContextForcesKeyframe(t *testing.T) {
	lru := NewLRU()
	slot := Slot{X: 0, Y: 0, W: 8, H: 8}

	ctx := lru.Get(slot)
	_, isIDR, err := ctx.Encode(blankFrame(8, 8))
	require.NoError(t, err)
	require.True(t, isIDR)

	ctx = lru.Get(slot)
	_, isIDR, err = ctx.Encode(blankFrame(8, 8))
	require.NoError(t, err)
	require.False(t, isIDR, "reused context without a reset stays inter-coded")

	lru.ResetContext(slot)
	require.Equal(t, 0, lru.Len())

	ctx = lru.Get(slot)
	_, isIDR, err = ctx.Encode(blankFrame(8, 8))
	require.NoError(t, err)
	require.True(t, isIDR, "ResetContext must force a fresh keyframe")
}

// TestLRUResetAll drops every live context at once, per the
// connection-wide reset flag.
func TestLRUResetAll(t *testing.T) {
	lru := NewLRU()
	for i := 0; i < 5; i++ {
		lru.Get(Slot{X: i, Y: 0, W: 8, H: 8})
	}
	require.Equal(t, 5, lru.Len())

	lru.ResetAll()
	require.Equal(t, 0, lru.Len())
}
