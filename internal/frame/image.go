package frame

import (
	"image"
	"time"
)

// Image is the flat descriptor of a buffer as exchanged with palm engines:
// size, data, geometry, plane count, depth and data offset.
type Image struct {
	// Size is the number of bytes in Data.
	Size   uint32
	Data   []byte
	Width  uint32
	Height uint32
	// Stride is the size of a row in bytes, including padding.
	Stride uint32
	Planes uint32
	Depth  uint32
	// Offset is the number of bytes from the start of Data to the first pixel.
	Offset uint32
}

// Image describes b. The returned Data aliases the buffer and is only valid
// until Release.
func (b *Buffer) Image() Image {
	return Image{
		Size:   uint32(len(b.pixels)),
		Data:   b.pixels,
		Width:  uint32(b.width),
		Height: uint32(b.height),
		Stride: uint32(b.stride),
		Planes: 1,
		Depth:  uint32(b.depth),
		Offset: 0,
	}
}

// CameraSettings records the capture device state for a frame.
type CameraSettings struct {
	Gain       int32
	Shutter    int32
	Brightness int32
	Focus      int32
}

// Frame is a camera frame travelling through the pipeline.
type Frame struct {
	// ID is assigned by the decoder on submission and increases monotonically.
	ID        int64
	Timestamp time.Time
	Camera    CameraSettings
	Buffer    *Buffer
}

// Release frees the frame's pixel memory.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.Buffer.Release()
}

// ImageFromNRGBA describes an RGBA crop. The crop's pixel slice is shared.
func ImageFromNRGBA(img *image.NRGBA) Image {
	b := img.Bounds()
	return Image{
		Size:   uint32(len(img.Pix)),
		Data:   img.Pix,
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Stride: uint32(img.Stride),
		Planes: 1,
		Depth:  DepthBGRA,
		Offset: uint32(img.PixOffset(b.Min.X, b.Min.Y)),
	}
}
