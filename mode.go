package dualvm

import "fmt"

// Mode selects the execution discipline of an instance.
type Mode uint8

const (
	Deterministic Mode = iota
	NonDeterministic
)

// Modes lists every mode in a stable order.
var Modes = [2]Mode{Deterministic, NonDeterministic}

func (m Mode) String() string {
	switch m {
	case Deterministic:
		return "det"
	case NonDeterministic:
		return "non-det"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts the names used in runner manifests.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "det", "Det", "deterministic", "Deterministic":
		return Deterministic, nil
	case "non-det", "NonDet", "nondet", "non-deterministic", "NonDeterministic":
		return NonDeterministic, nil
	}
	return 0, fmt.Errorf("unknown execution mode %q", s)
}

// ModePair holds one value per mode.
type ModePair[T any] struct {
	Det    T
	NonDet T
}

// PairOf builds a pair by calling f once per mode.
func PairOf[T any](f func(Mode) T) ModePair[T] {
	return ModePair[T]{Det: f(Deterministic), NonDet: f(NonDeterministic)}
}

// Get returns the value for mode m.
func (p *ModePair[T]) Get(m Mode) T {
	return *p.Ptr(m)
}

// Set stores v for mode m.
func (p *ModePair[T]) Set(m Mode, v T) {
	*p.Ptr(m) = v
}

// Ptr returns a pointer to the slot for mode m.
func (p *ModePair[T]) Ptr(m Mode) *T {
	if m == Deterministic {
		return &p.Det
	}
	return &p.NonDet
}
