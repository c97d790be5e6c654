package mediator

import (
	"math/rand"
	"time"
)

// Outcome is the result of running a datagram through the impairment
// simulator's Bernoulli trial cascade.
type Outcome int

const (
	// OutcomeForward means the datagram should be sent to its destination
	// immediately, unmodified.
	OutcomeForward Outcome = iota
	// OutcomeDrop means the datagram is discarded.
	OutcomeDrop
	// OutcomeDuplicate means the datagram should be sent twice immediately;
	// the duplicate is not itself subject to further trials.
	OutcomeDuplicate
	// OutcomeDelay means the datagram should be enqueued for delivery
	// after the delay returned alongside the outcome.
	OutcomeDelay
)

// Probabilities configures the three independent Bernoulli trials the
// simulator runs, in the fixed order drop -> duplicate -> delay.
type Probabilities struct {
	Drop      float64
	Duplicate float64
	Delay     float64
	MinDelay  time.Duration
	MaxDelay  time.Duration
}

// DefaultProbabilities matches spec.md's stated defaults.
func DefaultProbabilities() Probabilities {
	return Probabilities{
		Drop:      0.10,
		Duplicate: 0.10,
		Delay:     0.10,
		MinDelay:  500 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

// Simulator evaluates the per-datagram impairment cascade. It carries its
// own *rand.Rand so callers can seed it for deterministic replay in tests,
// per spec.md's design note that randomness should come from a single
// seedable generator.
type Simulator struct {
	probs Probabilities
	rng   *rand.Rand
}

// NewSimulator builds a Simulator seeded from seed. Use a fixed seed in
// tests and a time-derived seed (e.g. time.Now().UnixNano(), supplied by
// the caller) in production.
func NewSimulator(probs Probabilities, seed int64) *Simulator {
	return &Simulator{probs: probs, rng: rand.New(rand.NewSource(seed))}
}

// Evaluate runs the fixed-order, short-circuit drop -> duplicate -> delay
// cascade on a single datagram and returns the outcome. For OutcomeDelay,
// delay holds how long the datagram should sit in the delay queue before
// delivery.
func (s *Simulator) Evaluate() (outcome Outcome, delay time.Duration) {
	if s.rng.Float64() < s.probs.Drop {
		return OutcomeDrop, 0
	}
	if s.rng.Float64() < s.probs.Duplicate {
		return OutcomeDuplicate, 0
	}
	if s.rng.Float64() < s.probs.Delay {
		span := s.probs.MaxDelay - s.probs.MinDelay
		if span <= 0 {
			return OutcomeDelay, s.probs.MinDelay
		}
		jitter := time.Duration(s.rng.Int63n(int64(span)))
		return OutcomeDelay, s.probs.MinDelay + jitter
	}
	return OutcomeForward, 0
}
