// Package frame owns raw camera pixel memory for the palm pipeline.
//
// A Buffer is created from a caller supplied capture by copying it into
// pipeline owned memory. From that point the caller's slice is never read
// again. Whoever holds the *Buffer owns it and must Release it once consumed;
// ownership moves with the pointer (caller → decoder slot → lane).
package frame

import (
	"image"
	"math"
	"sync"

	"github.com/example/palmid/internal/palmerr"
)

// Supported pixel depths in bits per pixel. 32 is the camera's interleaved
// BGRA layout, 24 is BGR and 8 is single channel luminance.
const (
	DepthGray = 8
	DepthBGR  = 24
	DepthBGRA = 32
)

const strideAlign = 4

var pixelPool = sync.Pool{
	New: func() any { return new([]byte) },
}

// Buffer is an owned pixel buffer with its geometry.
type Buffer struct {
	width  int
	height int
	stride int
	depth  int
	pixels []byte
}

// Acquire copies a tightly packed capture into a new Buffer.
func Acquire(raw []byte, width, height, depth int) (*Buffer, error) {
	if depth <= 0 || depth%8 != 0 {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "unsupported depth %d", depth)
	}
	if width > 0 && uint64(width) > math.MaxUint32/uint64(depth/8) {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "stride overflow for %dx%d@%d", width, height, depth)
	}
	return AcquireStrided(raw, width, height, depth, width*(depth/8))
}

// AcquireStrided copies a capture whose rows are srcStride bytes apart, which
// is how camera drivers hand out buffers with per-row padding.
func AcquireStrided(raw []byte, width, height, depth, srcStride int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "invalid geometry %dx%d", width, height)
	}
	switch depth {
	case DepthGray, DepthBGR, DepthBGRA:
	default:
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "unsupported depth %d", depth)
	}

	// Both factors are bounded before multiplying so no product can wrap.
	if uint64(width) > math.MaxUint32/uint64(depth/8) || uint64(height) > math.MaxUint32 {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "stride overflow for %dx%d@%d", width, height, depth)
	}
	rowBytes := uint64(width) * uint64(depth/8)
	stride := (rowBytes + strideAlign - 1) / strideAlign * strideAlign
	total := stride * uint64(height)
	if total > math.MaxUint32 {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "stride overflow for %dx%d@%d", width, height, depth)
	}
	if srcStride < 0 || uint64(srcStride) < rowBytes {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "source stride %d shorter than row %d", srcStride, rowBytes)
	}
	if uint64(srcStride) > math.MaxUint32 {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "source stride %d too large", srcStride)
	}
	need := uint64(srcStride)*uint64(height-1) + rowBytes
	if uint64(len(raw)) < need {
		return nil, palmerr.Newf(palmerr.KindInvalidArgument, "capture holds %d bytes, need %d", len(raw), need)
	}

	b := &Buffer{
		width:  width,
		height: height,
		stride: int(stride),
		depth:  depth,
		pixels: take(int(total)),
	}
	row := int(rowBytes)
	for y := 0; y < height; y++ {
		src := raw[y*srcStride : y*srcStride+row]
		dst := b.pixels[y*b.stride : y*b.stride+b.stride]
		n := copy(dst, src)
		clear(dst[n:])
	}
	return b, nil
}

func take(n int) []byte {
	p := pixelPool.Get().(*[]byte)
	if cap(*p) < n {
		return make([]byte, n)
	}
	return (*p)[:n]
}

// Release returns the pixel memory to the pool and leaves b empty. An empty
// buffer owns nothing, so releasing it again is a no-op rather than a second
// free.
func (b *Buffer) Release() {
	if b == nil || b.pixels == nil {
		return
	}
	px := b.pixels[:0]
	*b = Buffer{}
	pixelPool.Put(&px)
}

// Released reports whether the buffer no longer owns pixel memory.
func (b *Buffer) Released() bool { return b == nil || b.pixels == nil }

func (b *Buffer) Width() int  { return b.width }
func (b *Buffer) Height() int { return b.height }
func (b *Buffer) Stride() int { return b.stride }
func (b *Buffer) Depth() int  { return b.depth }

// Capacity is the number of pixel bytes owned by the buffer.
func (b *Buffer) Capacity() int { return len(b.pixels) }

// Bounds returns the pixel rectangle of the buffer.
func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.width, b.height) }

// Pixels exposes the backing memory read-only. Callers must not retain the
// slice past Release.
func (b *Buffer) Pixels() []byte { return b.pixels }

// Luma returns the luminance of the pixel at (x, y) using BT.601 weights.
func (b *Buffer) Luma(x, y int) uint8 {
	off := y*b.stride + x*(b.depth/8)
	switch b.depth {
	case DepthGray:
		return b.pixels[off]
	default:
		bl, g, r := uint32(b.pixels[off]), uint32(b.pixels[off+1]), uint32(b.pixels[off+2])
		return uint8((299*r + 587*g + 114*bl + 500) / 1000)
	}
}

// Crop copies the pixels inside r into a new RGBA image. r is clipped to the
// buffer bounds.
func (b *Buffer) Crop(r image.Rectangle) *image.NRGBA {
	r = r.Intersect(b.Bounds())
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	bpp := b.depth / 8
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			off := y*b.stride + x*bpp
			dst := out.PixOffset(x-r.Min.X, y-r.Min.Y)
			switch b.depth {
			case DepthGray:
				v := b.pixels[off]
				out.Pix[dst], out.Pix[dst+1], out.Pix[dst+2] = v, v, v
				out.Pix[dst+3] = 0xff
			case DepthBGR:
				out.Pix[dst], out.Pix[dst+1], out.Pix[dst+2] = b.pixels[off+2], b.pixels[off+1], b.pixels[off]
				out.Pix[dst+3] = 0xff
			default:
				out.Pix[dst], out.Pix[dst+1], out.Pix[dst+2] = b.pixels[off+2], b.pixels[off+1], b.pixels[off]
				out.Pix[dst+3] = b.pixels[off+3]
			}
		}
	}
	return out
}
