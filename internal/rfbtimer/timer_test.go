package rfbtimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDueFiresExpiredTimers(t *testing.T) {
	s := NewService()
	var fired bool
	s.At(time.Now().Add(-time.Millisecond), func() { fired = true })

	n := s.RunDue(time.Now())

	require.Equal(t, 1, n)
	assert.True(t, fired)
}

func TestCancelPreventsFiring(t *testing.T) {
	s := NewService()
	var fired bool
	h := s.At(time.Now().Add(-time.Millisecond), func() { fired = true })
	h.Cancel()

	n := s.RunDue(time.Now())

	assert.Equal(t, 0, n)
	assert.False(t, fired)
}

func TestNextDeadlineOrdersByTime(t *testing.T) {
	s := NewService()
	later := time.Now().Add(time.Hour)
	sooner := time.Now().Add(time.Minute)
	s.At(later, func() {})
	s.At(sooner, func() {})

	d, ok := s.NextDeadline()
	require.True(t, ok)
	assert.True(t, d.Equal(sooner) || d.Before(later))
}
