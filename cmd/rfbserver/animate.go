package main

import (
	"time"

	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfb"
)

// animate repaints the server's shared framebuffer 30 times a second
// with the same sliding-bars test pattern the teacher's demo.go drew
// into an image.RGBA, ported to pixel.Framebuffer.Set, and marks the
// whole surface modified on every client so each one's update pipeline
// picks the change up on its own schedule.
func animate(s *rfb.Server, width, height int) {
	tick := time.NewTicker(time.Second / 30)
	defer tick.Stop()

	full := region.Rect{X1: 0, Y1: 0, X2: width, Y2: height}
	slide := 0
	for range tick.C {
		slide++
		drawFrame(s, width, height, slide)
		s.Each(func(c *rfb.Client) {
			c.MarkModified(full)
		})
	}
}

func drawFrame(s *rfb.Server, width, height, anim int) {
	fb := s.Framebuffer()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := uint8(x), uint8(y), uint8(x+y+anim)
			switch {
			case x < anim%50:
				r, g, b = 255, 0, 0
			case x > width-50:
				r, g, b = 0, 255, 0
			case y < 50-(anim%50):
				r, g, b = 255, 255, 0
			case y > height-50:
				r, g, b = 0, 0, 255
			}
			fb.Set(x, y, r, g, b)
		}
	}
}
