package credential

import (
	"strings"

	"github.com/example/palmid/internal/palmerr"
)

// Bit values used by the registered-factor bitmask exposed to clients.
const (
	MaskLeftPalm  uint32 = 1 << 0
	MaskRightPalm uint32 = 1 << 1
	MaskPasscode  uint32 = 1 << 2
)

var factorBits = [factorCount]uint32{MaskLeftPalm, MaskRightPalm, MaskPasscode}

// Mask returns the bit representation of s.
func (s FactorSet) Mask() uint32 {
	var m uint32
	for _, f := range s.Factors() {
		m |= factorBits[f]
	}
	return m
}

// FactorSetFromMask decodes a bitmask. Unknown bits are ignored.
func FactorSetFromMask(m uint32) FactorSet {
	var s FactorSet
	for i, bit := range factorBits {
		if m&bit != 0 {
			s = s.With(Factor(i))
		}
	}
	return s
}

// AuthMethod is the session authentication-method bitmask.
type AuthMethod uint32

const (
	AuthPalms            AuthMethod = 0
	AuthPalmsAndPasscode AuthMethod = 1 << 0
)

// ParseAuthMethod accepts "palms" and "palms+passcode".
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "palms":
		return AuthPalms, nil
	case "palms+passcode":
		return AuthPalmsAndPasscode, nil
	default:
		return 0, palmerr.Newf(palmerr.KindInvalidArgument, "unknown auth method %q", s)
	}
}

// RequiresPasscode reports whether the passcode factor is part of the method.
func (m AuthMethod) RequiresPasscode() bool { return m&AuthPalmsAndPasscode != 0 }

func (m AuthMethod) String() string {
	if m.RequiresPasscode() {
		return "palms+passcode"
	}
	return "palms"
}
