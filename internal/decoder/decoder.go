// Package decoder runs the palm pipeline for one camera session.
//
// A Decoder owns a single processing lane. Frames submitted from any
// goroutine land in a one-slot mailbox where a newer frame replaces an older
// one that has not been picked up yet. The lane detects palms, feeds the
// enrollment builder or the matcher depending on the mode, and delivers
// events to the single subscriber in order.
package decoder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/palmid/internal/builder"
	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/detector"
	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/license"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/matcher"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

// State is the decoder lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateIdle
	StateModelMode
	StateMatchMode
	StateDestroyed
)

var stateNames = [...]string{"uninitialized", "created", "idle", "model", "match", "destroyed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config configures a decoder.
type Config struct {
	License license.Request
	Builder builder.Config
	Matcher matcher.Config
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
	// FirstDetectionTimeout fails an enrollment that has not seen a palm in
	// time. Zero disables it.
	FirstDetectionTimeout time.Duration
	Orientation           Orientation
	// ErrorHandler receives background failures, such as a template that
	// could not be persisted, in addition to the error event.
	ErrorHandler func(error)
}

// DefaultConfig returns a configuration with the package defaults. The
// license id still has to be set.
func DefaultConfig() Config {
	return Config{
		Builder:     builder.DefaultConfig(),
		Matcher:     matcher.DefaultConfig(),
		EventBuffer: 64,
	}
}

// Deps are the collaborators a decoder needs.
type Deps struct {
	Detector  detector.Detector
	Store     credential.Store
	Validator license.Validator
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Recorder  Recorder
}

// Stats are counters since the decoder was created.
type Stats struct {
	Submitted  uint64
	Processed  uint64
	Dropped    uint64
	Superseded uint64
	Detected   uint64
}

type pendingTemplate struct {
	template palm.Template
	user     credential.UserKey
	factor   credential.Factor
}

// Decoder is the session state machine. All methods are safe for concurrent
// use.
type Decoder struct {
	cfg       Config
	detector  detector.Detector
	store     credential.Store
	validator license.Validator
	logger    *zap.Logger
	tracer    trace.Tracer
	recorder  Recorder
	id        string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	events chan Event
	cmds   chan func()
	wake   chan struct{}

	mu          sync.Mutex
	state       State
	starting    bool
	subscribed  bool
	epoch       uint64
	session     *session
	slot        *frame.Frame
	nextFrameID int64
	orientation Orientation
	images      map[palm.TemplateID]frame.Image
	pending     map[palm.TemplateID]pendingTemplate
	last        *Decision
	switches    []modeSwitch

	submitted  atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	superseded atomic.Uint64
	detected   atomic.Uint64

	// lane owned
	seq        uint64
	laneEpoch  uint64
	timer      *time.Timer
	timerC     <-chan time.Time
	timerEpoch uint64
}

// New returns an Uninitialized decoder. Start validates the license and
// starts the lane.
func New(cfg Config, deps Deps) (*Decoder, error) {
	if deps.Detector == nil || deps.Store == nil || deps.Validator == nil {
		return nil, palmerr.New(palmerr.KindInvalidArgument, "decoder: detector, store and validator are required")
	}
	if err := cfg.Builder.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Matcher.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/example/palmid/internal/decoder")
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Decoder{
		cfg:         cfg,
		detector:    deps.Detector,
		store:       deps.Store,
		validator:   deps.Validator,
		logger:      deps.Logger.Named("decoder").With(zap.String("decoder_id", id)),
		tracer:      deps.Tracer,
		recorder:    deps.Recorder,
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		events:      make(chan Event, cfg.EventBuffer),
		cmds:        make(chan func(), 16),
		wake:        make(chan struct{}, 1),
		orientation: cfg.Orientation,
		images:      map[palm.TemplateID]frame.Image{},
		pending:     map[palm.TemplateID]pendingTemplate{},
	}, nil
}

// ID identifies the decoder in logs.
func (d *Decoder) ID() string { return d.id }

// Start validates the license and moves the decoder to Created. On failure
// the decoder stays Uninitialized and Start may be called again.
func (d *Decoder) Start(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.state == StateDestroyed:
		d.mu.Unlock()
		return palmerr.New(palmerr.KindInvalidHandle, "decoder is closed")
	case d.state != StateUninitialized || d.starting:
		d.mu.Unlock()
		return palmerr.New(palmerr.KindUnexpectedRequest, "decoder already started")
	}
	d.starting = true
	d.mu.Unlock()

	opLogger := logging.WithOperation(d.logger, "decoder.start", d.cfg.License.LicenseID)
	grant, err := d.validator.Validate(ctx, d.cfg.License)
	if err != nil {
		if kind := palmerr.KindOf(err); kind != palmerr.KindInvalidLicense && kind != palmerr.KindServerConnection {
			err = palmerr.Wrap(palmerr.KindServerConnection, "validate license", err)
		}
		opLogger.Error("license validation failed", zap.Error(err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.starting = false
	if err != nil {
		return err
	}
	if d.state == StateDestroyed {
		return palmerr.New(palmerr.KindInvalidHandle, "decoder is closed")
	}
	d.state = StateCreated
	d.wg.Add(1)
	go d.run()
	d.cmds <- func() { d.emit(Event{Kind: EventCreated}) }
	if grant != nil && !grant.ExpiresAt.IsZero() {
		opLogger = opLogger.With(zap.Time("license_expires_at", grant.ExpiresAt))
	}
	opLogger.Info("decoder created")
	return nil
}

// Subscribe returns the event channel. A decoder has at most one subscriber
// and frames are only accepted once it is registered. The channel is closed
// by Close.
func (d *Decoder) Subscribe() (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateDestroyed {
		return nil, palmerr.New(palmerr.KindInvalidHandle, "decoder is closed")
	}
	if d.subscribed {
		return nil, palmerr.New(palmerr.KindUnexpectedRequest, "decoder already has a subscriber")
	}
	d.subscribed = true
	return d.events, nil
}

// State returns the lifecycle state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns the frame counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Processed:  d.processed.Load(),
		Dropped:    d.dropped.Load(),
		Superseded: d.superseded.Load(),
		Detected:   d.detected.Load(),
	}
}

// LastDecision returns the most recent match decision, if any.
func (d *Decoder) LastDecision() (Decision, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Decision{}, false
	}
	return *d.last, true
}

// SetModelMode starts enrolling the default user's palm.
func (d *Decoder) SetModelMode(factor credential.Factor) error {
	return d.SetModelModeForUser(credential.DefaultUserKey, factor)
}

// SetModelModeForUser starts enrolling a palm of user. Completed templates are
// persisted under that user.
func (d *Decoder) SetModelModeForUser(user credential.UserKey, factor credential.Factor) error {
	if !factor.IsPalm() {
		return palmerr.Newf(palmerr.KindInvalidArgument, "factor %s cannot be modeled", factor)
	}
	return d.switchMode(newModelSession(d.cfg.Builder, user, factor), StateModelMode)
}

// SetMatchModeForModels matches live frames against templates, in order.
func (d *Decoder) SetMatchModeForModels(templates []palm.Template) error {
	return d.setMatchMode("", templates)
}

// SetMatchModeForUser matches live frames against the user's enrolled
// templates.
func (d *Decoder) SetMatchModeForUser(ctx context.Context, user credential.UserKey) error {
	if err := d.usable(); err != nil {
		return err
	}
	templates, err := d.store.LookupCandidateTemplates(ctx, user)
	if err != nil {
		return err
	}
	return d.setMatchMode(user, templates)
}

func (d *Decoder) setMatchMode(user credential.UserKey, templates []palm.Template) error {
	m, err := matcher.New(d.cfg.Matcher, templates)
	if err != nil {
		return err
	}
	return d.switchMode(newMatchSession(m, user), StateMatchMode)
}

// Stop leaves the current mode. Accumulated state is discarded.
func (d *Decoder) Stop() error {
	return d.switchMode(nil, StateIdle)
}

func (d *Decoder) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usableLocked()
}

func (d *Decoder) usableLocked() error {
	switch d.state {
	case StateDestroyed:
		return palmerr.New(palmerr.KindInvalidHandle, "decoder is closed")
	case StateUninitialized:
		return palmerr.New(palmerr.KindUnexpectedRequest, "decoder is not started")
	}
	return nil
}

// modeSwitch is a session change the lane has not settled yet.
type modeSwitch struct {
	epoch uint64
	prev  *session
	next  *session
}

// switchMode installs next under a new epoch. The switch is recorded under
// the same lock that guards the frame slot, and the lane settles it before
// touching any later frame or command, so the previous session's failure
// event precedes anything the new session emits.
func (d *Decoder) switchMode(next *session, state State) error {
	d.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.epoch++
	if next != nil {
		next.epoch = d.epoch
	}
	prev := d.session
	d.session = next
	d.state = state
	stale := d.slot
	d.slot = nil
	epoch := d.epoch
	d.switches = append(d.switches, modeSwitch{epoch: epoch, prev: prev, next: next})
	d.mu.Unlock()

	if stale != nil {
		d.drop(stale)
	}
	logging.WithSession(d.logger, d.id, epoch).Info("mode switched", zap.Stringer("state", state))
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// ProcessFrame submits a BGRA capture. The capture is copied before
// ProcessFrame returns.
func (d *Decoder) ProcessFrame(raw []byte, width, height int) error {
	return d.ProcessFrameData(raw, width, height, frame.DepthBGRA, frame.CameraSettings{})
}

// ProcessFrameData submits a capture of the given depth along with the
// camera settings it was taken with.
func (d *Decoder) ProcessFrameData(raw []byte, width, height, depth int, camera frame.CameraSettings) error {
	if err := d.acceptingFrames(); err != nil {
		return err
	}
	buf, err := frame.Acquire(raw, width, height, depth)
	if err != nil {
		return err
	}
	return d.Submit(&frame.Frame{Timestamp: time.Now(), Camera: camera, Buffer: buf})
}

// Submit hands f to the lane. Ownership of f moves to the decoder even when
// Submit fails. Submit never waits for processing; a frame still waiting in
// the mailbox is replaced and released.
func (d *Decoder) Submit(f *frame.Frame) error {
	if f == nil || f.Buffer.Released() {
		return palmerr.New(palmerr.KindInvalidHandle, "frame has no pixel buffer")
	}
	d.mu.Lock()
	if err := d.acceptingFramesLocked(); err != nil {
		d.mu.Unlock()
		f.Release()
		return err
	}
	d.nextFrameID++
	f.ID = d.nextFrameID
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	prev := d.slot
	d.slot = f
	d.mu.Unlock()

	d.submitted.Add(1)
	if prev != nil {
		d.drop(prev)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *Decoder) acceptingFrames() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acceptingFramesLocked()
}

func (d *Decoder) acceptingFramesLocked() error {
	if err := d.usableLocked(); err != nil {
		return err
	}
	if !d.subscribed {
		return palmerr.New(palmerr.KindUnexpectedRequest, "no event subscriber registered")
	}
	if d.state != StateModelMode && d.state != StateMatchMode {
		return palmerr.Newf(palmerr.KindUnexpectedRequest, "frames are not accepted in state %s", d.state)
	}
	return nil
}

func (d *Decoder) drop(f *frame.Frame) {
	f.Release()
	d.dropped.Add(1)
	d.recorder.FrameDropped()
}

// SetCameraOrientation changes how palm points are reported from the next
// processed frame on.
func (d *Decoder) SetCameraOrientation(o Orientation) error {
	if o != OrientationHorizontal && o != OrientationVertical {
		return palmerr.Newf(palmerr.KindInvalidArgument, "unknown camera orientation %d", o)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	d.orientation = o
	return nil
}

// RetrieveImage emits the best capture kept for an enrolled template, or an
// InvalidModel error event when none is kept.
func (d *Decoder) RetrieveImage(id palm.TemplateID) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.enqueue(func() {
		d.mu.Lock()
		img, ok := d.images[id]
		d.mu.Unlock()
		if !ok {
			d.emit(Event{Kind: EventError, Err: palmerr.Newf(palmerr.KindInvalidModel, "no image kept for template %s", id)})
			return
		}
		img.Data = append([]byte(nil), img.Data...)
		d.emit(Event{Kind: EventImageRetrieved, TemplateID: id, Image: &img})
	})
	return nil
}

// AddPalmInfo retries persisting a completed template whose automatic
// persistence failed.
func (d *Decoder) AddPalmInfo(id palm.TemplateID) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.enqueue(func() {
		d.mu.Lock()
		p, ok := d.pending[id]
		d.mu.Unlock()
		if !ok {
			d.emit(Event{Kind: EventError, Err: palmerr.Newf(palmerr.KindInvalidModel, "template %s is not awaiting persistence", id)})
			return
		}
		d.persist(p)
	})
	return nil
}

// RemovePalmInfo deletes a template from the store, or forgets it when it was
// never persisted.
func (d *Decoder) RemovePalmInfo(id palm.TemplateID) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.enqueue(func() {
		d.mu.Lock()
		_, pending := d.pending[id]
		delete(d.pending, id)
		delete(d.images, id)
		d.mu.Unlock()
		if !pending {
			if err := d.store.RemoveTemplate(d.ctx, id); err != nil {
				d.emit(Event{Kind: EventError, Err: err})
				return
			}
		}
		logging.WithOperation(d.logger, "decoder.remove_palm_info", id.String()).Info("template removed")
		d.emit(Event{Kind: EventPalmInfoRemoved, TemplateID: id})
	})
	return nil
}

// Close destroys the decoder: the lane stops, a waiting frame is released and
// the event channel is closed. Close is idempotent.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.state == StateDestroyed {
		d.mu.Unlock()
		return nil
	}
	d.state = StateDestroyed
	d.epoch++
	d.session = nil
	stale := d.slot
	d.slot = nil
	d.mu.Unlock()

	if stale != nil {
		stale.Release()
	}
	d.cancel()
	close(d.done)
	d.wg.Wait()
	close(d.events)
	d.logger.Info("decoder destroyed", zap.Uint64("frames_processed", d.processed.Load()))
	return nil
}

func (d *Decoder) enqueue(fn func()) {
	select {
	case d.cmds <- fn:
	case <-d.done:
	}
}

func (d *Decoder) current(epoch uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch == epoch
}

func (d *Decoder) reportBackground(err error) {
	if d.cfg.ErrorHandler != nil {
		d.cfg.ErrorHandler(err)
	}
}

func newAttemptID() string { return uuid.NewString() }
