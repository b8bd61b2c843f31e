// Package palm holds the value types that flow between the detector, the
// model builder, the matcher and the credential store.
package palm

import (
	"image"

	"github.com/google/uuid"
)

// FeatureSize is the length of the descriptor extracted from a palm region.
const FeatureSize = 64

// Point is a position in frame pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Quad bounds a palm contour. Points are ordered clockwise starting at the
// top-left corner: A top-left, B top-right, C bottom-right, D bottom-left.
type Quad struct {
	A, B, C, D Point
}

// Bounds returns the axis aligned rectangle enclosing the quad.
func (q Quad) Bounds() image.Rectangle {
	minX, minY := q.A.X, q.A.Y
	maxX, maxY := q.A.X, q.A.Y
	for _, p := range []Point{q.B, q.C, q.D} {
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minY, maxY = min(minY, p.Y), max(maxY, p.Y)
	}
	return image.Rect(int(minX), int(minY), int(maxX+0.5), int(maxY+0.5))
}

// Region is a detected palm.
type Region struct {
	Quad Quad
	// Quality in [0, 1] scores how usable the capture is for enrollment.
	Quality float64
	// Features is a unit length descriptor of FeatureSize values.
	Features []float32
}

// Detection is the outcome of running the detector on one frame. A nil
// Region means no palm was found.
type Detection struct {
	Region *Region
}

// NoPalm is the detection for a frame without a usable palm.
func NoPalm() Detection { return Detection{} }

// Detected wraps a region into a detection.
func Detected(r Region) Detection { return Detection{Region: &r} }

// Found reports whether the detection carries a region.
func (d Detection) Found() bool { return d.Region != nil }

// TemplateID identifies a template. Identifiers are random UUIDs and are never
// reissued, including after the template is removed.
type TemplateID string

// NewTemplateID returns a fresh identifier.
func NewTemplateID() TemplateID { return TemplateID(uuid.NewString()) }

func (id TemplateID) String() string { return string(id) }

// Template is an opaque serialized palm signature. It is immutable once built.
type Template struct {
	ID      TemplateID
	Payload []byte
}

// Clone returns a copy that does not share the payload.
func (t Template) Clone() Template {
	return Template{ID: t.ID, Payload: append([]byte(nil), t.Payload...)}
}
