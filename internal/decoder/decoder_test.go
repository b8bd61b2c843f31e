package decoder

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/palmid/internal/builder"
	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/detector"
	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/license"
	"github.com/example/palmid/internal/matcher"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/testutil"
)

const (
	noPalm byte = iota
	palmA
	palmB
)

func unit(i int) []float32 {
	v := make([]float32, palm.FeatureSize)
	v[i] = 1
	return v
}

var unitQuad = palm.Quad{
	A: palm.Point{X: 0, Y: 0},
	B: palm.Point{X: 1, Y: 0},
	C: palm.Point{X: 1, Y: 1},
	D: palm.Point{X: 0, Y: 1},
}

// scripted reads the detection to return from the first pixel of the frame,
// so results do not depend on which frames the mailbox dropped.
func scripted() detector.Func {
	return func(_ context.Context, buf *frame.Buffer) (palm.Detection, error) {
		switch buf.Pixels()[0] {
		case palmA:
			return palm.Detected(palm.Region{Quad: unitQuad, Quality: 0.75, Features: unit(0)}), nil
		case palmB:
			return palm.Detected(palm.Region{Quad: unitQuad, Quality: 0.75, Features: unit(1)}), nil
		default:
			return palm.NoPalm(), nil
		}
	}
}

// gate blocks the first detection until released.
type gate struct {
	inner   detector.Func
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(inner detector.Func) *gate {
	return &gate{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Detect(ctx context.Context, buf *frame.Buffer) (palm.Detection, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.inner(ctx, buf)
}

func pixel(v byte) []byte { return []byte{v, 0, 0, 0xff} }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.License = license.Request{LicenseID: "LIC-TEST"}
	cfg.Builder = builder.Config{RequiredQuality: 2.25, MaxConsecutiveMisses: 2, MinRegionQuality: 0.2}
	return cfg
}

type harness struct {
	d      *Decoder
	store  *credential.MemoryStore
	events <-chan Event
}

func start(t *testing.T, cfg Config, det detector.Detector, store credential.Store) *harness {
	t.Helper()
	mem, _ := store.(*credential.MemoryStore)
	d, err := New(cfg, Deps{Detector: det, Store: store, Validator: license.NewOffline(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	events, err := d.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := &harness{d: d, store: mem, events: events}
	h.expect(t, EventCreated)
	return h
}

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func (h *harness) expect(t *testing.T, kinds ...EventKind) []Event {
	t.Helper()
	out := make([]Event, 0, len(kinds))
	for _, want := range kinds {
		ev := h.next(t)
		if ev.Kind != want {
			t.Fatalf("expected %s, got %s (err=%v)", want, ev.Kind, ev.Err)
		}
		out = append(out, ev)
	}
	return out
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %s (err=%v)", ev.Kind, ev.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

// feed submits v and waits until the lane has consumed it.
func (h *harness) feed(t *testing.T, v byte) {
	t.Helper()
	before := h.d.Stats()
	if err := h.d.ProcessFrame(pixel(v), 1, 1); err != nil {
		t.Fatalf("process frame: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.d.Stats()
		if s.Processed+s.Superseded > before.Processed+before.Superseded {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("frame was not processed")
		}
		time.Sleep(time.Millisecond)
	}
}

func encoded(t *testing.T, id string, vec []float32) palm.Template {
	t.Helper()
	payload, err := palm.EncodeSignature(palm.Signature{Vector: vec, Frames: 1, Quality: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return palm.Template{ID: palm.TemplateID(id), Payload: payload}
}

func TestModelModeScenario(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}

	h.feed(t, noPalm)
	h.feed(t, noPalm)
	h.expect(t, EventNoPalm)
	h.quiet(t)

	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventModelStarted)
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected)
	h.feed(t, palmA)
	evs := h.expect(t, EventPalmDetected, EventModelInfo, EventPalmInfoAdded)

	tpl := evs[1].Template
	if tpl == nil || tpl.ID == "" || len(tpl.Payload) == 0 {
		t.Fatalf("expected a template, got %+v", tpl)
	}
	if evs[2].TemplateID != tpl.ID {
		t.Fatalf("palm info added for %s, want %s", evs[2].TemplateID, tpl.ID)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Fatal("event sequence numbers must be contiguous")
		}
	}

	stored, err := h.store.LookupCandidateTemplates(context.Background(), credential.DefaultUserKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != tpl.ID {
		t.Fatalf("expected the template to be persisted, got %+v", stored)
	}
	factors, _ := h.store.RegisteredFactors(context.Background(), credential.DefaultUserKey)
	if !factors.Has(credential.LeftPalm) {
		t.Fatalf("expected left palm factor, got %s", factors)
	}

	h.feed(t, palmA)
	h.expect(t, EventPalmDetected)
	h.quiet(t)

	if err := h.d.RetrieveImage(tpl.ID); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	img := h.expect(t, EventImageRetrieved)[0]
	if img.Image == nil || img.Image.Width != 1 || img.Image.Height != 1 || img.Image.Size != 4 {
		t.Fatalf("unexpected image %+v", img.Image)
	}
	if err := h.d.RetrieveImage("unknown"); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if ev := h.expect(t, EventError)[0]; !errors.Is(ev.Err, palmerr.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", ev.Err)
	}
}

func TestMatchModeSelectsCandidateB(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	templates := []palm.Template{encoded(t, "tpl-a", unit(0)), encoded(t, "tpl-b", unit(1))}
	if err := h.d.SetMatchModeForModels(templates); err != nil {
		t.Fatalf("set match mode: %v", err)
	}

	h.feed(t, palmB)
	evs := h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)
	res := evs[2]
	if !res.Matched || res.TemplateID != "tpl-b" {
		t.Fatalf("expected a match on tpl-b, got matched=%v id=%s", res.Matched, res.TemplateID)
	}
	h.quiet(t)

	dec, ok := h.d.LastDecision()
	if !ok || dec.TemplateID != "tpl-b" || dec.AttemptID == "" || dec.AttemptID != res.Decision.AttemptID {
		t.Fatalf("unexpected last decision %+v", dec)
	}
}

func TestMatchModeWithoutCandidatesIsNoMatch(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetMatchModeForUser(context.Background(), "nobody"); err != nil {
		t.Fatalf("set match mode: %v", err)
	}
	h.feed(t, palmA)
	res := h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)[2]
	if res.Matched {
		t.Fatal("an empty candidate set must not match")
	}
}

func TestSetMatchModeRejectsCorruptTemplate(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	err := h.d.SetMatchModeForModels([]palm.Template{{ID: "bad", Payload: []byte("junk")}})
	if !errors.Is(err, palmerr.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
	if h.d.State() != StateCreated {
		t.Fatalf("state must not change, got %s", h.d.State())
	}
}

func TestFramesRequireSubscriberAndMode(t *testing.T) {
	d, err := New(testConfig(), Deps{Detector: scripted(), Store: credential.NewMemoryStore(), Validator: license.NewOffline()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	if err := d.SetModelMode(credential.LeftPalm); !errors.Is(err, palmerr.ErrUnexpectedRequest) {
		t.Fatalf("expected unexpected request before start, got %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	if err := d.ProcessFrame(pixel(palmA), 1, 1); !errors.Is(err, palmerr.ErrUnexpectedRequest) {
		t.Fatalf("expected unexpected request without subscriber, got %v", err)
	}

	if _, err := d.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := d.Subscribe(); !errors.Is(err, palmerr.ErrUnexpectedRequest) {
		t.Fatalf("expected a second subscriber to be rejected, got %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.ProcessFrame(pixel(palmA), 1, 1); !errors.Is(err, palmerr.ErrUnexpectedRequest) {
		t.Fatalf("expected unexpected request while idle, got %v", err)
	}
	if err := d.SetModelMode(credential.Passcode); !errors.Is(err, palmerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for passcode, got %v", err)
	}

	_ = d.Close()
	if err := d.ProcessFrame(pixel(palmA), 1, 1); !errors.Is(err, palmerr.ErrInvalidHandle) {
		t.Fatalf("expected invalid handle after close, got %v", err)
	}
	if d.State() != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", d.State())
	}
}

func TestProcessFrameRejectsWrappingGeometry(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	for _, width := range []int{1 << 62, 1<<62 + 1} {
		err := h.d.ProcessFrameData(make([]byte, 4), width, 1, frame.DepthBGRA, frame.CameraSettings{})
		if !errors.Is(err, palmerr.ErrInvalidArgument) {
			t.Fatalf("width %d: expected invalid argument, got %v", width, err)
		}
	}
	if s := h.d.Stats(); s.Submitted != 0 {
		t.Fatalf("rejected frames must not be submitted, got %+v", s)
	}
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventModelStarted)
}

func TestLatestFrameWins(t *testing.T) {
	g := newGate(scripted())
	h := start(t, testConfig(), g, credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}

	if err := h.d.ProcessFrame(pixel(noPalm), 1, 1); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	<-g.entered
	if err := h.d.ProcessFrame(pixel(noPalm), 1, 1); err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if err := h.d.ProcessFrame(pixel(palmA), 1, 1); err != nil {
		t.Fatalf("frame 3: %v", err)
	}
	close(g.release)

	evs := h.expect(t, EventNoPalm, EventPalmDetected, EventModelStarted)
	if evs[0].FrameID != 1 || evs[1].FrameID != 3 {
		t.Fatalf("expected frames 1 and 3 to be processed, got %d and %d", evs[0].FrameID, evs[1].FrameID)
	}
	stats := h.d.Stats()
	if stats.Submitted != 3 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestModeSwitchDiscardsInFlightFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Builder.RequiredQuality = 0.75
	g := newGate(scripted())
	h := start(t, cfg, g, credential.NewMemoryStore())

	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	if err := h.d.ProcessFrame(pixel(palmA), 1, 1); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	<-g.entered
	if err := h.d.SetModelMode(credential.RightPalm); err != nil {
		t.Fatalf("switch: %v", err)
	}
	close(g.release)
	h.quiet(t)
	if h.d.Stats().Superseded != 1 {
		t.Fatalf("expected the in-flight frame to be superseded, got %+v", h.d.Stats())
	}

	h.feed(t, palmB)
	evs := h.expect(t, EventPalmDetected, EventModelStarted, EventModelInfo, EventPalmInfoAdded)

	rec, err := h.store.User(context.Background(), credential.DefaultUserKey)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if len(rec.Templates) != 1 || rec.Templates[0].Factor != credential.RightPalm || rec.Templates[0].Template.ID != evs[2].Template.ID {
		t.Fatalf("expected a single right palm template, got %+v", rec.Templates)
	}
}

func TestModeSwitchCancelsAccumulation(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventModelStarted)

	if err := h.d.SetMatchModeForModels(nil); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if ev := h.expect(t, EventError)[0]; !errors.Is(ev.Err, palmerr.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", ev.Err)
	}
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)
}

func TestMatchingStartedOncePerModeSwitch(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	templates := []palm.Template{encoded(t, "tpl-a", unit(0))}
	if err := h.d.SetMatchModeForModels(templates); err != nil {
		t.Fatalf("set match mode: %v", err)
	}

	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventMatchingResult)
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventMatchingResult)
	h.quiet(t)

	if err := h.d.SetMatchModeForModels(templates); err != nil {
		t.Fatalf("switch: %v", err)
	}
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)
}

func TestModeSwitchEventsPrecedeNextSession(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	h.feed(t, palmA)
	started := h.expect(t, EventPalmDetected, EventModelStarted)

	if err := h.d.SetMatchModeForModels([]palm.Template{encoded(t, "tpl-a", unit(0))}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := h.d.ProcessFrame(pixel(palmA), 1, 1); err != nil {
		t.Fatalf("process frame: %v", err)
	}

	evs := h.expect(t, EventError, EventPalmDetected, EventMatchingStarted, EventMatchingResult)
	if !errors.Is(evs[0].Err, palmerr.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", evs[0].Err)
	}
	if evs[0].Epoch != started[1].Epoch {
		t.Fatalf("cancellation carries epoch %d, want the enrollment's %d", evs[0].Epoch, started[1].Epoch)
	}
	for _, ev := range evs[1:] {
		if ev.Epoch <= evs[0].Epoch {
			t.Fatalf("%s carries epoch %d, want one after %d", ev.Kind, ev.Epoch, evs[0].Epoch)
		}
	}
}

func TestCommandsWithoutSubscriberDoNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	d, err := New(cfg, Deps{Detector: scripted(), Store: credential.NewMemoryStore(), Validator: license.NewOffline()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if err := d.RetrieveImage("missing"); err != nil {
				done <- err
				return
			}
			if err := d.RemovePalmInfo("missing"); err != nil {
				done <- err
				return
			}
			if err := d.SetModelMode(credential.LeftPalm); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("command: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("commands blocked without a subscriber")
	}

	events, err := d.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := <-events; ev.Kind != EventCreated {
		t.Fatalf("expected the buffered created event, got %s", ev.Kind)
	}
}

func TestConsecutiveMissesFailEnrollment(t *testing.T) {
	h := start(t, testConfig(), scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	h.feed(t, palmA)
	h.expect(t, EventPalmDetected, EventModelStarted)
	h.feed(t, noPalm)
	h.expect(t, EventNoPalm)
	h.feed(t, noPalm)
	h.feed(t, noPalm)
	if ev := h.expect(t, EventError)[0]; !errors.Is(ev.Err, palmerr.ErrInsufficientPalmPresence) {
		t.Fatalf("expected insufficient palm presence, got %v", ev.Err)
	}
}

func TestFirstDetectionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FirstDetectionTimeout = 20 * time.Millisecond
	h := start(t, cfg, scripted(), credential.NewMemoryStore())
	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	if ev := h.expect(t, EventError)[0]; !errors.Is(ev.Err, palmerr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", ev.Err)
	}
}

func TestStartFailsOnLicense(t *testing.T) {
	calls := 0
	validator := license.ValidatorFunc(func(context.Context, license.Request) (*license.Grant, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return &license.Grant{LicenseID: "LIC-TEST"}, nil
	})
	d, err := New(testConfig(), Deps{Detector: scripted(), Store: credential.NewMemoryStore(), Validator: validator})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	if err := d.Start(context.Background()); !errors.Is(err, palmerr.ErrServerConnection) {
		t.Fatalf("expected server connection error, got %v", err)
	}
	if d.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", d.State())
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	if d.State() != StateCreated {
		t.Fatalf("expected created, got %s", d.State())
	}
	if err := d.Start(context.Background()); !errors.Is(err, palmerr.ErrUnexpectedRequest) {
		t.Fatalf("expected unexpected request, got %v", err)
	}
}

type flakyStore struct {
	*credential.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) PersistTemplate(ctx context.Context, user credential.UserKey, factor credential.Factor, t palm.Template) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.PersistTemplate(ctx, user, factor, t)
}

func TestPersistFailureKeepsTemplateForRetry(t *testing.T) {
	var mu sync.Mutex
	var background []error
	cfg := testConfig()
	cfg.Builder.RequiredQuality = 0.75
	cfg.ErrorHandler = func(err error) {
		mu.Lock()
		background = append(background, err)
		mu.Unlock()
	}
	store := &flakyStore{MemoryStore: credential.NewMemoryStore(), failures: 1}
	h := start(t, cfg, scripted(), store)

	if err := h.d.SetModelMode(credential.RightPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	h.feed(t, palmA)
	evs := h.expect(t, EventPalmDetected, EventModelStarted, EventModelInfo, EventError)
	id := evs[2].Template.ID
	if !errors.Is(evs[3].Err, palmerr.ErrDiskOperationFailed) || evs[3].TemplateID != id {
		t.Fatalf("expected disk failure for %s, got %v", id, evs[3].Err)
	}
	mu.Lock()
	if len(background) != 1 {
		t.Fatalf("expected the error handler to be called once, got %d", len(background))
	}
	mu.Unlock()

	if err := h.d.AddPalmInfo(id); err != nil {
		t.Fatalf("add palm info: %v", err)
	}
	if ev := h.expect(t, EventPalmInfoAdded)[0]; ev.TemplateID != id {
		t.Fatalf("unexpected template %s", ev.TemplateID)
	}

	if err := h.d.RemovePalmInfo(id); err != nil {
		t.Fatalf("remove palm info: %v", err)
	}
	h.expect(t, EventPalmInfoRemoved)
	if err := h.d.RemovePalmInfo(id); err != nil {
		t.Fatalf("remove palm info: %v", err)
	}
	if ev := h.expect(t, EventError)[0]; !errors.Is(ev.Err, palmerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", ev.Err)
	}
	left, _ := store.LookupCandidateTemplates(context.Background(), credential.DefaultUserKey)
	if len(left) != 0 {
		t.Fatalf("expected no templates, got %d", len(left))
	}
}

func TestOrientVertical(t *testing.T) {
	q := palm.Quad{
		A: palm.Point{X: 10, Y: 20},
		B: palm.Point{X: 30, Y: 20},
		C: palm.Point{X: 30, Y: 60},
		D: palm.Point{X: 10, Y: 60},
	}
	want := palm.Quad{
		A: palm.Point{X: 40, Y: 10},
		B: palm.Point{X: 80, Y: 10},
		C: palm.Point{X: 80, Y: 30},
		D: palm.Point{X: 40, Y: 30},
	}
	if got := orient(q, OrientationVertical, 100); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if got := orient(q, OrientationHorizontal, 100); got != q {
		t.Fatal("horizontal orientation must not move points")
	}
	if _, err := ParseOrientation("diagonal"); !errors.Is(err, palmerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestEndToEndWithPalmDetector(t *testing.T) {
	cfg := testConfig()
	cfg.Builder = builder.DefaultConfig()
	cfg.Matcher = matcher.DefaultConfig()
	store := credential.NewMemoryStore()
	h := start(t, cfg, detector.NewPalm(detector.DefaultConfig()), store)

	rect := image.Rect(100, 80, 300, 400)
	columns := testutil.BGRAFrame(640, 480, rect, testutil.PatternColumns)
	rows := testutil.BGRAFrame(640, 480, rect, testutil.PatternRows)

	submit := func(raw []byte) {
		t.Helper()
		before := h.d.Stats().Processed
		if err := h.d.ProcessFrame(raw, 640, 480); err != nil {
			t.Fatalf("process frame: %v", err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for h.d.Stats().Processed == before {
			if time.Now().After(deadline) {
				t.Fatal("frame was not processed")
			}
			time.Sleep(time.Millisecond)
		}
	}

	if err := h.d.SetModelMode(credential.LeftPalm); err != nil {
		t.Fatalf("set model mode: %v", err)
	}
	var enrolled palm.TemplateID
	for i := 0; i < 10 && enrolled == ""; i++ {
		submit(columns)
	drain:
		for {
			select {
			case ev := <-h.events:
				if ev.Kind == EventError {
					t.Fatalf("unexpected error: %v", ev.Err)
				}
				if ev.Kind == EventPalmInfoAdded {
					enrolled = ev.TemplateID
				}
			case <-time.After(20 * time.Millisecond):
				break drain
			}
		}
	}
	if enrolled == "" {
		t.Fatal("enrollment did not complete")
	}

	if err := h.d.SetMatchModeForUser(context.Background(), credential.DefaultUserKey); err != nil {
		t.Fatalf("set match mode: %v", err)
	}
	submit(columns)
	res := h.expect(t, EventPalmDetected, EventMatchingStarted, EventMatchingResult)[2]
	if !res.Matched || res.TemplateID != enrolled {
		t.Fatalf("expected the enrolled palm to match, got matched=%v id=%s", res.Matched, res.TemplateID)
	}

	submit(rows)
	res = h.expect(t, EventPalmDetected, EventMatchingResult)[1]
	if res.Matched {
		t.Fatal("a different palm must not match")
	}
}
