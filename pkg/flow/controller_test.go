package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerMeasuresBaseRTT(t *testing.T) {
	c := NewController()
	var clock int64

	c.SendRTTPing(clock)
	clock += 20 * 1e6 // 20ms
	c.OnPong(clock)

	require.Equal(t, int64(20*1e6), c.baseRTT)
	assert.Equal(t, 0, c.PendingPings())
}

func TestControllerWindowStaysInBounds(t *testing.T) {
	c := NewController()
	var clock int64

	for i := 0; i < 20; i++ {
		c.SendRTTPing(clock)
		clock += int64(10+i) * 1e6
		c.OnPong(clock)
		assert.GreaterOrEqual(t, c.CongestionWindow(), int64(MinimumWindow))
		assert.LessOrEqual(t, c.CongestionWindow(), int64(MaximumWindow))
	}
}

func TestControllerIdleResetsToSlowStart(t *testing.T) {
	c := NewController()
	var clock int64
	c.SendRTTPing(clock)
	clock += 20 * 1e6
	c.OnPong(clock)
	c.congWindow = MaximumWindow
	c.inSlowStart = false

	clock += int64(200 * 1e6) // well past max(2*baseRTT, 100ms)
	c.CheckIdle(clock)

	assert.True(t, c.inSlowStart)
	assert.Equal(t, int64(-1), c.baseRTT)
}

func TestControllerNotCongestedInitially(t *testing.T) {
	c := NewController()
	assert.False(t, c.IsCongested(0))
}
