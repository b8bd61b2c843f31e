package palm

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/palmid/internal/palmerr"
)

// Template payload fields. The payload is a protobuf wire message so fields
// can be added without breaking stored templates.
const (
	fieldVector  protowire.Number = 1 // packed fixed32
	fieldFrames  protowire.Number = 2 // varint
	fieldQuality protowire.Number = 3 // fixed64
)

// Signature is the decoded content of a template payload.
type Signature struct {
	Vector  []float32
	Frames  int
	Quality float64
}

// EncodeSignature serializes s into a template payload.
func EncodeSignature(s Signature) ([]byte, error) {
	if len(s.Vector) != FeatureSize {
		return nil, palmerr.Newf(palmerr.KindSerialization, "signature has %d values, want %d", len(s.Vector), FeatureSize)
	}
	if s.Frames <= 0 || s.Frames > math.MaxUint16 {
		return nil, palmerr.Newf(palmerr.KindSerialization, "frame count %d out of range", s.Frames)
	}
	if !finite(s.Quality) {
		return nil, palmerr.New(palmerr.KindSerialization, "signature quality is not finite")
	}

	packed := make([]byte, 0, 4*len(s.Vector))
	for _, v := range s.Vector {
		if !finite(float64(v)) {
			return nil, palmerr.New(palmerr.KindSerialization, "signature holds non-finite value")
		}
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}

	out := make([]byte, 0, len(packed)+16)
	out = protowire.AppendTag(out, fieldVector, protowire.BytesType)
	out = protowire.AppendBytes(out, packed)
	out = protowire.AppendTag(out, fieldFrames, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(s.Frames))
	out = protowire.AppendTag(out, fieldQuality, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, math.Float64bits(s.Quality))
	return out, nil
}

// DecodeSignature parses a template payload. Unknown fields are skipped.
func DecodeSignature(payload []byte) (Signature, error) {
	var sig Signature
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Signature{}, malformed(n)
		}
		payload = payload[n:]

		switch {
		case num == fieldVector && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return Signature{}, malformed(m)
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeFixed32(packed)
				if k < 0 {
					return Signature{}, malformed(k)
				}
				sig.Vector = append(sig.Vector, math.Float32frombits(v))
				packed = packed[k:]
			}
			n = m
		case num == fieldVector && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(payload)
			if m < 0 {
				return Signature{}, malformed(m)
			}
			sig.Vector = append(sig.Vector, math.Float32frombits(v))
			n = m
		case num == fieldFrames && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return Signature{}, malformed(m)
			}
			if v > math.MaxUint16 {
				return Signature{}, palmerr.Newf(palmerr.KindInvalidModel, "frame count %d out of range", v)
			}
			sig.Frames = int(v)
			n = m
		case num == fieldQuality && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return Signature{}, malformed(m)
			}
			sig.Quality = math.Float64frombits(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Signature{}, malformed(n)
			}
		}
		payload = payload[n:]
	}

	if len(sig.Vector) != FeatureSize {
		return Signature{}, palmerr.Newf(palmerr.KindInvalidModel, "signature has %d values, want %d", len(sig.Vector), FeatureSize)
	}
	if sig.Frames <= 0 {
		return Signature{}, palmerr.New(palmerr.KindInvalidModel, "signature has no frame count")
	}
	if !finite(sig.Quality) {
		return Signature{}, palmerr.New(palmerr.KindInvalidModel, "signature quality is not finite")
	}
	for _, v := range sig.Vector {
		if !finite(float64(v)) {
			return Signature{}, palmerr.New(palmerr.KindInvalidModel, "signature holds non-finite value")
		}
	}
	return sig, nil
}

func malformed(n int) error {
	return palmerr.Wrap(palmerr.KindInvalidModel, "payload is not a palm signature", protowire.ParseError(n))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
