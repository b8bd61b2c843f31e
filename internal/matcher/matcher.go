// Package matcher compares live palm regions against enrolled templates.
//
// Scores never leave this package: callers only learn whether an attempt
// matched and which template won.
package matcher

import (
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

// Config controls acceptance.
type Config struct {
	// Threshold is the similarity a candidate must exceed to match.
	Threshold float64
	// RequiredAgreement is the number of consecutive detections that must
	// select the same candidate before the attempt is accepted.
	RequiredAgreement int
	// MaxAttemptFrames is the number of detections after which an attempt
	// without acceptance is reported as no match.
	MaxAttemptFrames int
}

// DefaultConfig decides every detected frame on its own.
func DefaultConfig() Config {
	return Config{Threshold: 0.85, RequiredAgreement: 1, MaxAttemptFrames: 1}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold <= -1 || c.Threshold >= 1 {
		return palmerr.New(palmerr.KindInvalidArgument, "matcher: threshold must be within (-1, 1)")
	}
	if c.RequiredAgreement < 1 {
		return palmerr.New(palmerr.KindInvalidArgument, "matcher: required agreement must be at least 1")
	}
	if c.MaxAttemptFrames < c.RequiredAgreement {
		return palmerr.New(palmerr.KindInvalidArgument, "matcher: max attempt frames must cover required agreement")
	}
	return nil
}

// Decision is the outcome of one completed attempt.
type Decision struct {
	Matched bool
	// TemplateID is the winning candidate, empty when nothing matched.
	TemplateID palm.TemplateID
	// Frames is the number of detections the attempt consumed.
	Frames int
}

// Step reports what one observation did.
type Step struct {
	// Started is set on the first detection of an attempt.
	Started bool
	// Decision is set when the attempt completed.
	Decision *Decision
}

type candidate struct {
	id     palm.TemplateID
	vector []float32
}

// Matcher holds one matching context. It is not safe for concurrent use.
type Matcher struct {
	cfg        Config
	candidates []candidate

	frames  int
	agree   int
	leader  int
	started bool
}

// New decodes the candidate templates in order. A template that cannot be
// decoded fails the whole set with KindInvalidModel.
func New(cfg Config, templates []palm.Template) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Matcher{cfg: cfg, leader: -1}
	for _, t := range templates {
		sig, err := palm.DecodeSignature(t.Payload)
		if err != nil {
			return nil, palmerr.Wrap(palmerr.KindInvalidModel, "template "+t.ID.String(), err)
		}
		m.candidates = append(m.candidates, candidate{id: t.ID, vector: sig.Vector})
	}
	return m, nil
}

// Candidates returns the number of templates in the candidate set.
func (m *Matcher) Candidates() int { return len(m.candidates) }

// Observe scores a detected region against every candidate as one decision.
func (m *Matcher) Observe(r palm.Region) Step {
	var step Step
	if !m.started {
		m.started = true
		step.Started = true
	}
	m.frames++

	best := m.best(r.Features)
	if best < 0 {
		m.agree, m.leader = 0, -1
	} else if best == m.leader {
		m.agree++
	} else {
		m.agree, m.leader = 1, best
	}

	switch {
	case best >= 0 && m.agree >= m.cfg.RequiredAgreement:
		step.Decision = &Decision{Matched: true, TemplateID: m.candidates[best].id, Frames: m.frames}
		m.reset()
	case m.frames >= m.cfg.MaxAttemptFrames:
		step.Decision = &Decision{Frames: m.frames}
		m.reset()
	}
	return step
}

// Miss breaks the agreement streak when a frame had no palm.
func (m *Matcher) Miss() {
	m.agree, m.leader = 0, -1
}

func (m *Matcher) reset() {
	m.frames, m.agree, m.leader = 0, 0, -1
	m.started = false
}

// best returns the index of the highest scoring candidate above threshold, or
// -1. Equal scores keep the earlier candidate.
func (m *Matcher) best(features []float32) int {
	best, bestScore := -1, m.cfg.Threshold
	for i, c := range m.candidates {
		if s := similarity(features, c.vector); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

// similarity is the cosine of two unit vectors. Mismatched lengths never
// match.
func similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
