package palm

import (
	"errors"
	"image"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/palmid/internal/palmerr"
)

func TestQuadBounds(t *testing.T) {
	q := Quad{A: Point{10, 12}, B: Point{40, 8}, C: Point{42, 50}, D: Point{9, 47}}
	if got, want := q.Bounds(), image.Rect(9, 8, 42, 50); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTemplateIDsAreFresh(t *testing.T) {
	seen := make(map[TemplateID]struct{})
	for i := 0; i < 100; i++ {
		id := NewTemplateID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate template id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func validPayload(t *testing.T) []byte {
	t.Helper()
	sig := Signature{Vector: make([]float32, FeatureSize), Frames: 2, Quality: 1}
	payload, err := EncodeSignature(sig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func TestDecodeSignatureRejectsForeignPayload(t *testing.T) {
	valid := validPayload(t)
	short := protowire.AppendTag(nil, fieldVector, protowire.BytesType)
	short = protowire.AppendBytes(short, make([]byte, 4*(FeatureSize-1)))
	short = protowire.AppendTag(short, fieldFrames, protowire.VarintType)
	short = protowire.AppendVarint(short, 1)
	nan := protowire.AppendTag(nil, fieldVector, protowire.BytesType)
	packed := make([]byte, 0, 4*FeatureSize)
	for i := 0; i < FeatureSize; i++ {
		packed = protowire.AppendFixed32(packed, math.Float32bits(float32(math.NaN())))
	}
	nan = protowire.AppendBytes(nan, packed)
	nan = protowire.AppendTag(nan, fieldFrames, protowire.VarintType)
	nan = protowire.AppendVarint(nan, 1)

	cases := map[string][]byte{
		"empty":     nil,
		"junk":      []byte("JUNKJUNKJUNKJUNK"),
		"truncated": valid[:len(valid)/2],
		"short":     short,
		"nan":       nan,
		"no frames": valid[:len(valid)-11],
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeSignature(payload); !errors.Is(err, palmerr.ErrInvalidModel) {
				t.Fatalf("expected invalid model, got %v", err)
			}
		})
	}
}

func TestDecodeSignatureSkipsUnknownFields(t *testing.T) {
	payload := protowire.AppendTag(nil, 15, protowire.BytesType)
	payload = protowire.AppendString(payload, "future")
	payload = append(payload, validPayload(t)...)
	sig, err := DecodeSignature(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.Frames != 2 || len(sig.Vector) != FeatureSize {
		t.Fatalf("unexpected signature: %+v", sig)
	}
}

func TestEncodeSignatureRejectsNonFiniteValues(t *testing.T) {
	sig := Signature{Vector: make([]float32, FeatureSize), Frames: 1}
	sig.Vector[3] = float32(math.Inf(1))
	if _, err := EncodeSignature(sig); !errors.Is(err, palmerr.ErrSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestEncodeSignatureValidates(t *testing.T) {
	if _, err := EncodeSignature(Signature{Vector: make([]float32, 3), Frames: 1}); !errors.Is(err, palmerr.ErrSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
	sig := Signature{Vector: make([]float32, FeatureSize), Frames: 4, Quality: 2.5}
	sig.Vector[7] = 1
	payload, err := EncodeSignature(sig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSignature(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Frames != 4 || got.Vector[7] != 1 || got.Quality != 2.5 {
		t.Fatalf("unexpected signature: %+v", got)
	}
}
