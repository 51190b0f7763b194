package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionContainsOperands(t *testing.T) {
	a := New(Rect{0, 0, 10, 10})
	b := New(Rect{5, 5, 15, 15})
	u := a.Union(b)

	require.True(t, u.Subtract(a).Union(a).Equal(u))
	require.True(t, u.Subtract(b).Union(b).Equal(u))
}

func TestUnionIntersectB(t *testing.T) {
	a := New(Rect{0, 0, 10, 10})
	b := New(Rect{5, 5, 15, 15})
	u := a.Union(b)
	assert.True(t, u.Intersect(b).Equal(b))
}

func TestSubtractDisjointFromOperand(t *testing.T) {
	a := New(Rect{0, 0, 10, 10})
	b := New(Rect{5, 5, 15, 15})
	diff := a.Subtract(b)
	assert.True(t, diff.Intersect(b).IsEmpty())
}

func TestIterUnionRoundTrips(t *testing.T) {
	a := New(Rect{0, 0, 4, 4}, Rect{10, 10, 20, 20})
	rebuilt := New(a.Iter(OrderDefault)...)
	assert.True(t, rebuilt.Equal(a))
}

func TestEmptyRegion(t *testing.T) {
	var r Region
	assert.True(t, r.IsEmpty())
	assert.True(t, r.Union(New(Rect{0, 0, 1, 1})).Equal(New(Rect{0, 0, 1, 1})))
}

func TestCopySafeOrderMatchesSign(t *testing.T) {
	r := New(Rect{0, 0, 10, 10}, Rect{0, 20, 10, 30})
	fwd := r.IterForCopy(5)
	assert.True(t, fwd[0].Y1 > fwd[len(fwd)-1].Y1)
	back := r.IterForCopy(-5)
	assert.True(t, back[0].Y1 < back[len(back)-1].Y1)
}

func TestBBox(t *testing.T) {
	r := New(Rect{1, 1, 3, 3}, Rect{10, 10, 12, 12})
	assert.Equal(t, Rect{1, 1, 12, 12}, r.BBox())
}
