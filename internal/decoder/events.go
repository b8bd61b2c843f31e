package decoder

import (
	"fmt"

	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
)

// EventKind tags an Event.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventError
	EventNoPalm
	EventPalmDetected
	EventModelStarted
	EventModelInfo
	EventImageRetrieved
	EventPalmInfoAdded
	EventPalmInfoRemoved
	EventMatchingStarted
	EventMatchingResult
)

var eventNames = map[EventKind]string{
	EventCreated:         "decoder_created",
	EventError:           "decoder_error",
	EventNoPalm:          "no_palm_detected",
	EventPalmDetected:    "palm_detected",
	EventModelStarted:    "model_started",
	EventModelInfo:       "model_info",
	EventImageRetrieved:  "image_retrieved",
	EventPalmInfoAdded:   "palm_info_added",
	EventPalmInfoRemoved: "palm_info_removed",
	EventMatchingStarted: "matching_started",
	EventMatchingResult:  "matching_result",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to the subscriber in lane order. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind
	// Seq increases by one for every event of a decoder.
	Seq uint64
	// Epoch identifies the mode switch the event belongs to. It never
	// decreases across a decoder's events.
	Epoch uint64
	// FrameID is the frame that caused the event, zero for command events.
	FrameID int64

	// Err is set for EventError.
	Err error
	// Quad is set for EventPalmDetected.
	Quad palm.Quad
	// Template is set for EventModelInfo.
	Template *palm.Template
	// TemplateID is set for EventImageRetrieved, EventPalmInfoAdded,
	// EventPalmInfoRemoved and a successful EventMatchingResult.
	TemplateID palm.TemplateID
	// Image is set for EventImageRetrieved.
	Image *frame.Image
	// Matched and Decision are set for EventMatchingResult.
	Matched  bool
	Decision *Decision
}
