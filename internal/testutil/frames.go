// Package testutil builds synthetic camera captures for pipeline tests.
package testutil

import "image"

// Pattern selects the texture painted inside a synthetic palm.
type Pattern int

const (
	// PatternFlat paints a uniform palm.
	PatternFlat Pattern = iota
	// PatternColumns paints stripes that alternate along x.
	PatternColumns
	// PatternRows paints stripes that alternate along y.
	PatternRows
)

const (
	Background = 20
	PalmBase   = 160
	PalmRidge  = 220
)

// BGRAFrame returns a tightly packed BGRA capture with a dark background and
// a bright palm painted over rect. An empty rect yields a palm-free frame.
func BGRAFrame(width, height int, rect image.Rectangle, pattern Pattern) []byte {
	raw := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := byte(Background)
			if (image.Point{X: x, Y: y}).In(rect) {
				v = palmValue(x-rect.Min.X, y-rect.Min.Y, pattern)
			}
			off := (y*width + x) * 4
			raw[off], raw[off+1], raw[off+2], raw[off+3] = v, v, v, 0xff
		}
	}
	return raw
}

func palmValue(dx, dy int, pattern Pattern) byte {
	switch pattern {
	case PatternColumns:
		if (dx/30)%2 == 1 {
			return PalmRidge
		}
	case PatternRows:
		if (dy/40)%2 == 1 {
			return PalmRidge
		}
	}
	return PalmBase
}
