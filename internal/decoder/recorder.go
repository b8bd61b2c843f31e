package decoder

import "time"

// Recorder receives pipeline measurements. metrics.Pipeline implements it.
type Recorder interface {
	FrameProcessed(mode string, detected bool, elapsed time.Duration)
	FrameDropped()
	EventEmitted(kind string)
	MatchDecided(matched bool)
	TemplateEnrolled()
}

type nopRecorder struct{}

func (nopRecorder) FrameProcessed(string, bool, time.Duration) {}
func (nopRecorder) FrameDropped()                              {}
func (nopRecorder) EventEmitted(string)                        {}
func (nopRecorder) MatchDecided(bool)                          {}
func (nopRecorder) TemplateEnrolled()                          {}
