package credential

import (
	"strings"

	"github.com/example/palmid/internal/palmerr"
)

// Factor is an authentication factor a user can register.
type Factor int

const (
	LeftPalm Factor = iota
	RightPalm
	Passcode

	factorCount = 3
)

var factorNames = [factorCount]string{"left_palm", "right_palm", "passcode"}

func (f Factor) String() string {
	if f.valid() {
		return factorNames[f]
	}
	return "unknown"
}

func (f Factor) valid() bool { return f >= 0 && f < factorCount }

// IsPalm reports whether f is enrolled through palm templates.
func (f Factor) IsPalm() bool { return f == LeftPalm || f == RightPalm }

// ParseFactor accepts the names produced by Factor.String.
func ParseFactor(s string) (Factor, error) {
	for i, name := range factorNames {
		if strings.EqualFold(s, name) {
			return Factor(i), nil
		}
	}
	return 0, palmerr.Newf(palmerr.KindInvalidArgument, "unknown factor %q", s)
}

// FactorSet is a set of factors.
type FactorSet struct {
	has [factorCount]bool
}

// NewFactorSet returns a set holding fs. Invalid factors are ignored.
func NewFactorSet(fs ...Factor) FactorSet {
	var s FactorSet
	for _, f := range fs {
		s = s.With(f)
	}
	return s
}

// Has reports whether f is in the set.
func (s FactorSet) Has(f Factor) bool { return f.valid() && s.has[f] }

// With returns a copy of s including f.
func (s FactorSet) With(f Factor) FactorSet {
	if f.valid() {
		s.has[f] = true
	}
	return s
}

// Without returns a copy of s excluding f.
func (s FactorSet) Without(f Factor) FactorSet {
	if f.valid() {
		s.has[f] = false
	}
	return s
}

func (s FactorSet) Empty() bool { return s == FactorSet{} }

// Factors lists the members in declaration order.
func (s FactorSet) Factors() []Factor {
	var out []Factor
	for i, ok := range s.has {
		if ok {
			out = append(out, Factor(i))
		}
	}
	return out
}

func (s FactorSet) String() string {
	names := make([]string, 0, factorCount)
	for _, f := range s.Factors() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}
