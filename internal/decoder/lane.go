package decoder

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/palmid/internal/builder"
	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

func (d *Decoder) run() {
	defer d.wg.Done()
	defer d.stopTimer()
	for {
		select {
		case <-d.done:
			return
		case fn := <-d.cmds:
			d.settle()
			fn()
		case <-d.wake:
			// Mode switches and commands queued before the frame take
			// effect first.
			d.settle()
			d.drainCommands()
			if f := d.take(); f != nil {
				d.process(f)
			}
		case <-d.timerC:
			d.timerC = nil
			d.settle()
			d.onTimeout()
		}
	}
}

// settle retires and arms sessions for every mode switch recorded since the
// lane last looked. Events of a retired session carry its epoch and precede
// anything the lane emits for the next one.
func (d *Decoder) settle() {
	d.mu.Lock()
	pending := d.switches
	d.switches = nil
	d.mu.Unlock()
	d.apply(pending)
}

func (d *Decoder) apply(pending []modeSwitch) {
	for _, sw := range pending {
		d.retire(sw.prev)
		d.laneEpoch = sw.epoch
		d.arm(sw.next)
	}
}

func (d *Decoder) drainCommands() {
	for {
		select {
		case fn := <-d.cmds:
			d.settle()
			fn()
		default:
			return
		}
	}
}

// take claims the waiting frame together with any switch recorded before it
// was submitted, and settles those switches first.
func (d *Decoder) take() *frame.Frame {
	d.mu.Lock()
	f := d.slot
	d.slot = nil
	pending := d.switches
	d.switches = nil
	d.mu.Unlock()
	d.apply(pending)
	return f
}

func (d *Decoder) process(f *frame.Frame) {
	defer f.Release()

	d.mu.Lock()
	s := d.session
	epoch := d.epoch
	o := d.orientation
	d.mu.Unlock()
	// A switch recorded after take has not been settled yet.
	if s == nil || s.epoch != epoch || epoch != d.laneEpoch {
		d.superseded.Add(1)
		return
	}

	ctx, span := d.tracer.Start(d.ctx, "decoder.process_frame", trace.WithAttributes(
		attribute.Int64("frame.id", f.ID),
		attribute.String("decoder.mode", s.mode.String()),
		attribute.Int64("decoder.epoch", int64(epoch)),
	))
	defer span.End()

	start := time.Now()
	det, err := d.detector.Detect(ctx, f.Buffer)
	d.processed.Add(1)
	d.recorder.FrameProcessed(s.mode.String(), err == nil && det.Found(), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection failed")
		if d.current(epoch) {
			d.emit(Event{Kind: EventError, FrameID: f.ID, Err: err})
		}
		return
	}
	if !d.current(epoch) {
		d.superseded.Add(1)
		span.SetAttributes(attribute.Bool("decoder.superseded", true))
		return
	}

	if !det.Found() {
		d.onNoPalm(s, f)
		return
	}
	d.detected.Add(1)
	span.SetAttributes(attribute.Float64("palm.quality", det.Region.Quality))
	d.onPalm(s, f, *det.Region, o)
}

func (d *Decoder) onNoPalm(s *session, f *frame.Frame) {
	if !s.noPalmReported {
		s.noPalmReported = true
		d.emit(Event{Kind: EventNoPalm, FrameID: f.ID})
	}
	switch s.mode {
	case modeModel:
		step := s.builder.Observe(palm.NoPalm())
		if step.Err != nil {
			d.emit(Event{Kind: EventError, FrameID: f.ID, Err: step.Err})
		}
	case modeMatch:
		s.matcher.Miss()
	}
}

func (d *Decoder) onPalm(s *session, f *frame.Frame, r palm.Region, o Orientation) {
	s.noPalmReported = false
	d.emit(Event{Kind: EventPalmDetected, FrameID: f.ID, Quad: orient(r.Quad, o, f.Buffer.Height())})

	switch s.mode {
	case modeModel:
		step := s.builder.Observe(palm.Detected(r))
		if step.Started {
			d.stopTimer()
			d.emit(Event{Kind: EventModelStarted, FrameID: f.ID})
		}
		if r.Quality > s.bestQuality {
			s.bestQuality = r.Quality
			s.bestCrop = f.Buffer.Crop(r.Quad.Bounds())
		}
		switch {
		case step.Err != nil:
			d.emit(Event{Kind: EventError, FrameID: f.ID, Err: step.Err})
		case step.Template != nil:
			d.completeModel(s, f, *step.Template)
		}

	case modeMatch:
		step := s.matcher.Observe(r)
		if step.Started {
			s.attemptStart = f.Timestamp
		}
		// Reported once per mode switch; later attempts only restart the clock.
		if !s.matchingStarted {
			s.matchingStarted = true
			d.emit(Event{Kind: EventMatchingStarted, FrameID: f.ID})
		}
		if step.Decision == nil || !d.current(s.epoch) {
			return
		}
		dec := &Decision{
			AttemptID:  newAttemptID(),
			User:       s.user,
			Matched:    step.Decision.Matched,
			TemplateID: step.Decision.TemplateID,
			Frames:     step.Decision.Frames,
			Latency:    f.Timestamp.Sub(s.attemptStart),
			DecidedAt:  time.Now().UTC(),
		}
		d.mu.Lock()
		d.last = dec
		d.mu.Unlock()
		d.recorder.MatchDecided(dec.Matched)
		logging.WithOperation(d.logger, "decoder.match", dec.AttemptID).Info("match decided",
			zap.Bool("matched", dec.Matched), zap.String("template_id", dec.TemplateID.String()), zap.Int("frames", dec.Frames))
		d.emit(Event{Kind: EventMatchingResult, FrameID: f.ID, Matched: dec.Matched, TemplateID: dec.TemplateID, Decision: dec})
	}
}

func (d *Decoder) completeModel(s *session, f *frame.Frame, t palm.Template) {
	// A switch while the frame was being detected supersedes the template.
	if !d.current(s.epoch) {
		d.superseded.Add(1)
		return
	}
	d.mu.Lock()
	if s.bestCrop != nil {
		d.images[t.ID] = frame.ImageFromNRGBA(s.bestCrop)
	}
	d.mu.Unlock()
	s.bestCrop = nil

	d.recorder.TemplateEnrolled()
	tc := t.Clone()
	d.emit(Event{Kind: EventModelInfo, FrameID: f.ID, Template: &tc})

	if !d.current(s.epoch) {
		d.superseded.Add(1)
		return
	}
	d.persist(pendingTemplate{template: t, user: s.user, factor: s.factor})
}

// persist writes a completed template. On failure the template is kept so
// AddPalmInfo can retry.
func (d *Decoder) persist(p pendingTemplate) {
	opLogger := logging.WithOperation(d.logger, "decoder.persist_template", p.template.ID.String())
	if err := d.store.PersistTemplate(d.ctx, p.user, p.factor, p.template); err != nil {
		if palmerr.KindOf(err).Category() != palmerr.CategorySecurity {
			err = palmerr.Wrap(palmerr.KindDiskOperationFailed, "persist template "+p.template.ID.String(), err)
		}
		d.mu.Lock()
		d.pending[p.template.ID] = p
		d.mu.Unlock()
		opLogger.Error("failed to persist template", zap.Error(err), zap.String("user", p.user.String()))
		d.reportBackground(err)
		d.emit(Event{Kind: EventError, TemplateID: p.template.ID, Err: err})
		return
	}
	d.mu.Lock()
	delete(d.pending, p.template.ID)
	d.mu.Unlock()
	opLogger.Info("template persisted", zap.String("user", p.user.String()), zap.Stringer("factor", p.factor))
	d.emit(Event{Kind: EventPalmInfoAdded, TemplateID: p.template.ID})
}

// retire cancels the session a mode switch replaced.
func (d *Decoder) retire(s *session) {
	d.stopTimer()
	if s == nil || s.builder == nil {
		return
	}
	if step := s.builder.Cancel(); step.Err != nil {
		d.emit(Event{Kind: EventError, Err: step.Err})
	}
}

func (d *Decoder) arm(s *session) {
	if s == nil || s.mode != modeModel || d.cfg.FirstDetectionTimeout <= 0 || !d.current(s.epoch) {
		return
	}
	d.timer = time.NewTimer(d.cfg.FirstDetectionTimeout)
	d.timerC = d.timer.C
	d.timerEpoch = s.epoch
}

func (d *Decoder) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerC = nil
}

func (d *Decoder) onTimeout() {
	d.timer = nil
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil || s.epoch != d.timerEpoch || s.builder == nil {
		return
	}
	switch s.builder.State() {
	case builder.Idle, builder.AwaitingFirstDetection:
		step := s.builder.Abort(palmerr.Newf(palmerr.KindTimeout, "no palm detected within %s", d.cfg.FirstDetectionTimeout))
		d.emit(Event{Kind: EventError, Err: step.Err})
	}
}

// emit delivers ev to the subscriber. It only runs on the lane. Without a
// subscriber events are buffered while there is room and dropped after that,
// so the lane never waits on a reader that does not exist.
func (d *Decoder) emit(ev Event) {
	d.seq++
	ev.Seq = d.seq
	if ev.Epoch == 0 {
		ev.Epoch = d.laneEpoch
	}
	d.mu.Lock()
	subscribed := d.subscribed
	d.mu.Unlock()
	if !subscribed {
		select {
		case d.events <- ev:
			d.recorder.EventEmitted(ev.Kind.String())
		default:
			d.logger.Debug("event dropped without subscriber", zap.Stringer("kind", ev.Kind), zap.Uint64("seq", ev.Seq))
		}
		return
	}
	select {
	case d.events <- ev:
		d.recorder.EventEmitted(ev.Kind.String())
	case <-d.done:
	}
}
