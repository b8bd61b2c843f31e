// Package detector finds a palm in a single frame.
//
// Detection is stateless: the result for a frame depends on that frame only.
// Temporal evidence is accumulated by the builder and the matcher.
package detector

import (
	"context"

	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
)

// Detector runs palm detection on one frame at a time. Implementations must
// not keep state between calls.
type Detector interface {
	Detect(ctx context.Context, buf *frame.Buffer) (palm.Detection, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, buf *frame.Buffer) (palm.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, buf *frame.Buffer) (palm.Detection, error) {
	return f(ctx, buf)
}
