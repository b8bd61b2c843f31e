// Package builder accumulates palm detections into an enrollment template.
package builder

import (
	"math"

	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

// State is the enrollment state.
type State int

const (
	Idle State = iota
	AwaitingFirstDetection
	Accumulating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFirstDetection:
		return "awaiting_first_detection"
	case Accumulating:
		return "accumulating"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further frames are accepted.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Config bounds enrollment.
type Config struct {
	// RequiredQuality is the cumulative region quality that completes a
	// template.
	RequiredQuality float64
	// MaxConsecutiveMisses is how many no-palm frames in a row are tolerated
	// once accumulation started.
	MaxConsecutiveMisses int
	// MinRegionQuality discards detections too poor to contribute evidence.
	MinRegionQuality float64
}

// DefaultConfig returns the enrollment thresholds used by the daemon.
func DefaultConfig() Config {
	return Config{
		RequiredQuality:      3.0,
		MaxConsecutiveMisses: 5,
		MinRegionQuality:     0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequiredQuality <= 0 {
		return palmerr.New(palmerr.KindInvalidArgument, "builder: required quality must be positive")
	}
	if c.MaxConsecutiveMisses < 0 {
		return palmerr.New(palmerr.KindInvalidArgument, "builder: max consecutive misses must not be negative")
	}
	if c.MinRegionQuality < 0 || c.MinRegionQuality > 1 {
		return palmerr.New(palmerr.KindInvalidArgument, "builder: min region quality must be within [0, 1]")
	}
	return nil
}

// Step reports what a single observation did.
type Step struct {
	State State
	// Started is set on the transition into Accumulating.
	Started bool
	// Template is set on the transition into Completed.
	Template *palm.Template
	// Err is set on the transition into Failed.
	Err error
}

// Builder is the enrollment state machine. It is not safe for concurrent use;
// the decoder drives it from its processing lane only.
type Builder struct {
	cfg   Config
	newID func() palm.TemplateID

	state   State
	misses  int
	streak  int
	quality float64
	frames  int
	sum     []float64
}

// New returns a builder in the Idle state.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg, newID: palm.NewTemplateID}
}

// State returns the current state.
func (b *Builder) State() State { return b.state }

// Quality returns the evidence accumulated so far.
func (b *Builder) Quality() float64 { return b.quality }

// Streak returns the number of consecutive usable detections.
func (b *Builder) Streak() int { return b.streak }

// Observe feeds one detection into the builder.
func (b *Builder) Observe(d palm.Detection) Step {
	if b.state.Terminal() {
		return Step{State: b.state}
	}
	if b.state == Idle {
		b.state = AwaitingFirstDetection
	}

	if !d.Found() {
		return b.miss()
	}

	var step Step
	if b.state == AwaitingFirstDetection {
		b.state = Accumulating
		step.Started = true
	}
	b.misses = 0

	r := d.Region
	if r.Quality < b.cfg.MinRegionQuality || len(r.Features) != palm.FeatureSize {
		b.streak = 0
		step.State = b.state
		return step
	}

	b.streak++
	b.frames++
	b.quality += r.Quality
	if b.sum == nil {
		b.sum = make([]float64, palm.FeatureSize)
	}
	for i, v := range r.Features {
		b.sum[i] += r.Quality * float64(v)
	}

	if b.quality >= b.cfg.RequiredQuality {
		return b.complete(step)
	}
	step.State = b.state
	return step
}

func (b *Builder) miss() Step {
	if b.state == AwaitingFirstDetection {
		return Step{State: b.state}
	}
	b.streak = 0
	b.misses++
	if b.misses > b.cfg.MaxConsecutiveMisses {
		return b.fail(palmerr.Newf(palmerr.KindInsufficientPalmPresence, "palm missing for %d consecutive frames", b.misses))
	}
	return Step{State: b.state}
}

func (b *Builder) complete(step Step) Step {
	vec := make([]float32, palm.FeatureSize)
	var norm float64
	for _, v := range b.sum {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i, v := range b.sum {
			vec[i] = float32(v / norm)
		}
	}

	payload, err := palm.EncodeSignature(palm.Signature{Vector: vec, Frames: b.frames, Quality: b.quality})
	if err != nil {
		return b.fail(err)
	}
	b.state = Completed
	b.sum = nil
	step.State = Completed
	step.Template = &palm.Template{ID: b.newID(), Payload: payload}
	return step
}

func (b *Builder) fail(err error) Step {
	b.state = Failed
	b.sum = nil
	return Step{State: Failed, Err: err}
}

// Cancel abandons an enrollment in progress. Only an accumulating builder has
// evidence to abandon, so it is the only state that reports Failed.
func (b *Builder) Cancel() Step {
	if b.state != Accumulating {
		return Step{State: b.state}
	}
	return b.fail(palmerr.New(palmerr.KindCancelled, "enrollment cancelled"))
}

// Abort fails a non-terminal builder with err, including one that has not
// seen a frame yet.
func (b *Builder) Abort(err error) Step {
	if b.state.Terminal() {
		return Step{State: b.state}
	}
	return b.fail(err)
}
