package decoder

import (
	"image"
	"strings"
	"time"

	"github.com/example/palmid/internal/builder"
	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/matcher"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

type mode int

const (
	modeModel mode = iota + 1
	modeMatch
)

func (m mode) String() string {
	if m == modeModel {
		return "model"
	}
	return "match"
}

// session is one mode context. It is created by a mode switch and only
// touched by the lane afterwards.
type session struct {
	epoch  uint64
	mode   mode
	user   credential.UserKey
	factor credential.Factor

	builder *builder.Builder
	matcher *matcher.Matcher

	noPalmReported  bool
	matchingStarted bool
	bestQuality     float64
	bestCrop        *image.NRGBA
	attemptStart    time.Time
}

func newModelSession(cfg builder.Config, user credential.UserKey, factor credential.Factor) *session {
	return &session{mode: modeModel, user: user, factor: factor, builder: builder.New(cfg)}
}

func newMatchSession(m *matcher.Matcher, user credential.UserKey) *session {
	return &session{mode: modeMatch, user: user, matcher: m}
}

// Decision is a completed match attempt.
type Decision struct {
	AttemptID  string
	User       credential.UserKey
	Matched    bool
	TemplateID palm.TemplateID
	Frames     int
	Latency    time.Duration
	DecidedAt  time.Time
}

// Orientation is the physical mounting of the camera.
type Orientation int

const (
	OrientationHorizontal Orientation = iota
	// OrientationVertical reports palm points in portrait coordinates,
	// rotated a quarter turn clockwise from the sensor's landscape frame.
	OrientationVertical
)

// ParseOrientation accepts "horizontal" and "vertical".
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "horizontal":
		return OrientationHorizontal, nil
	case "vertical":
		return OrientationVertical, nil
	default:
		return 0, palmerr.Newf(palmerr.KindInvalidArgument, "unknown camera orientation %q", s)
	}
}

func (o Orientation) String() string {
	if o == OrientationVertical {
		return "vertical"
	}
	return "horizontal"
}

// orient maps a quad from sensor coordinates of a frame of the given height.
// The rotated quad keeps the clockwise-from-top-left order.
func orient(q palm.Quad, o Orientation, height int) palm.Quad {
	if o != OrientationVertical {
		return q
	}
	h := float64(height)
	rot := func(p palm.Point) palm.Point { return palm.Point{X: h - p.Y, Y: p.X} }
	return palm.Quad{A: rot(q.D), B: rot(q.A), C: rot(q.B), D: rot(q.C)}
}
