package detector

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/example/palmid/internal/frame"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/testutil"
)

func acquire(t *testing.T, raw []byte, w, h int) *frame.Buffer {
	t.Helper()
	b, err := frame.Acquire(raw, w, h, frame.DepthBGRA)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(b.Release)
	return b
}

func TestDetectFindsPalmQuad(t *testing.T) {
	rect := image.Rect(100, 80, 300, 400)
	buf := acquire(t, testutil.BGRAFrame(640, 480, rect, testutil.PatternColumns), 640, 480)

	det, err := NewPalm(DefaultConfig()).Detect(context.Background(), buf)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !det.Found() {
		t.Fatal("expected a palm")
	}
	want := palm.Quad{
		A: palm.Point{X: 100, Y: 80},
		B: palm.Point{X: 300, Y: 80},
		C: palm.Point{X: 300, Y: 400},
		D: palm.Point{X: 100, Y: 400},
	}
	if det.Region.Quad != want {
		t.Fatalf("expected quad %+v, got %+v", want, det.Region.Quad)
	}
	if det.Region.Quality <= 0 || det.Region.Quality > 1 {
		t.Fatalf("quality out of range: %f", det.Region.Quality)
	}
	if len(det.Region.Features) != palm.FeatureSize {
		t.Fatalf("expected %d features, got %d", palm.FeatureSize, len(det.Region.Features))
	}
	var norm float64
	for _, v := range det.Region.Features {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-3 {
		t.Fatalf("expected unit descriptor, got norm %f", norm)
	}
}

func TestDetectNoPalm(t *testing.T) {
	cases := map[string]image.Rectangle{
		"empty frame": {},
		"speck":       image.Rect(10, 10, 30, 30),
		"whole frame": image.Rect(0, 0, 640, 480),
	}
	for name, rect := range cases {
		t.Run(name, func(t *testing.T) {
			buf := acquire(t, testutil.BGRAFrame(640, 480, rect, testutil.PatternFlat), 640, 480)
			det, err := NewPalm(DefaultConfig()).Detect(context.Background(), buf)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if det.Found() {
				t.Fatalf("expected no palm, got %+v", det.Region.Quad)
			}
		})
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	raw := testutil.BGRAFrame(640, 480, image.Rect(200, 100, 420, 380), testutil.PatternRows)
	d := NewPalm(Config{})

	first, err := d.Detect(context.Background(), acquire(t, raw, 640, 480))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	second, err := d.Detect(context.Background(), acquire(t, raw, 640, 480))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if first.Region.Quad != second.Region.Quad || first.Region.Quality != second.Region.Quality {
		t.Fatal("expected identical detections for identical frames")
	}
	for i := range first.Region.Features {
		if first.Region.Features[i] != second.Region.Features[i] {
			t.Fatalf("feature %d differs", i)
		}
	}
}

func TestDetectDistinguishesPatterns(t *testing.T) {
	rect := image.Rect(100, 80, 340, 400)
	d := NewPalm(DefaultConfig())
	cols, _ := d.Detect(context.Background(), acquire(t, testutil.BGRAFrame(640, 480, rect, testutil.PatternColumns), 640, 480))
	rows, _ := d.Detect(context.Background(), acquire(t, testutil.BGRAFrame(640, 480, rect, testutil.PatternRows), 640, 480))
	if !cols.Found() || !rows.Found() {
		t.Fatal("expected both palms to be detected")
	}
	var dot float64
	for i := range cols.Region.Features {
		dot += float64(cols.Region.Features[i]) * float64(rows.Region.Features[i])
	}
	if dot > 0.5 {
		t.Fatalf("expected dissimilar descriptors, got cosine %f", dot)
	}
}

func TestDetectRejectsReleasedBuffer(t *testing.T) {
	buf, err := frame.Acquire(make([]byte, 16), 2, 2, frame.DepthBGRA)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	buf.Release()
	if _, err := NewPalm(DefaultConfig()).Detect(context.Background(), buf); !errors.Is(err, palmerr.ErrInvalidHandle) {
		t.Fatalf("expected invalid handle, got %v", err)
	}
}
