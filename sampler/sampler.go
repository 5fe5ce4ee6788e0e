// Package sampler implements temperature-controlled sampling of a token from a probability vector.
//
// The probabilities p are re-weighted as softmax(log(p)/t): a temperature t of 1 leaves p unchanged,
// t close to 0 concentrates all the mass on the most likely token (greedy decoding) and t far above 1
// flattens p toward the uniform distribution.
package sampler

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
)

// Sampler draws token ids from re-weighted probability vectors.
//
// It owns its random source, so it is not safe for concurrent use: create one per generation session.
type Sampler struct {
	rng *rand.Rand
}

// Option configures a Sampler.
type Option func(s *Sampler)

// WithSeed makes the sampler deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Sampler) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand uses the given random source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Sampler) {
		s.rng = rng
	}
}

// New creates a Sampler. By default, it's seeded from the clock.
func New(options ...Option) *Sampler {
	s := &Sampler{}
	for _, opt := range options {
		opt(s)
	}
	if s.rng == nil {
		seed := uint64(time.Now().UnixNano())
		s.rng = rand.New(rand.NewPCG(seed, rand.Uint64()))
	}
	return s
}

// Reweight returns softmax(log(p)/temperature).
//
// Zero entries of p have log -Inf and keep zero mass. The computation subtracts the largest
// log-probability before dividing by the temperature, so very small temperatures (subnormal ones included)
// converge to a one-hot vector on argmax(p) instead of overflowing.
//
// Errors: api.ErrInvalidTemperature if temperature <= 0 (or NaN/Inf), api.ErrDegenerateDistribution if p
// is empty, has negative or NaN entries, or has no positive entry.
func Reweight(p []float64, temperature float64) ([]float64, error) {
	if !(temperature > 0) || math.IsInf(temperature, 1) {
		return nil, errors.Wrapf(api.ErrInvalidTemperature, "temperature must be > 0, got %g", temperature)
	}
	if len(p) == 0 {
		return nil, errors.Wrap(api.ErrDegenerateDistribution, "empty probability vector")
	}
	logs := make([]float64, len(p))
	maxLog := math.Inf(-1)
	for ii, v := range p {
		if math.IsNaN(v) || v < 0 || math.IsInf(v, 0) {
			return nil, errors.Wrapf(api.ErrDegenerateDistribution, "probability #%d is %g", ii, v)
		}
		logs[ii] = math.Log(v)
		maxLog = max(maxLog, logs[ii])
	}
	if math.IsInf(maxLog, -1) {
		return nil, errors.Wrap(api.ErrDegenerateDistribution, "probability vector has no positive entry")
	}

	// Shifting by maxLog before dividing keeps the largest entry at exactly exp(0) for any temperature.
	reweighted := make([]float64, len(p))
	var sum float64
	for ii, logP := range logs {
		reweighted[ii] = math.Exp((logP - maxLog) / temperature) // exp(-Inf) == 0
		sum += reweighted[ii]
	}
	for ii := range reweighted {
		reweighted[ii] /= sum
	}
	return reweighted, nil
}

// Sample draws one index from the distribution softmax(log(p)/temperature). See Reweight for errors.
func (s *Sampler) Sample(p []float64, temperature float64) (int, error) {
	reweighted, err := Reweight(p, temperature)
	if err != nil {
		return 0, err
	}
	return s.Categorical(reweighted), nil
}

// Categorical draws one index from the normalized distribution p.
// Rounding slack falls on the last index with positive probability.
func (s *Sampler) Categorical(p []float64) int {
	r := s.rng.Float64()
	last := -1
	var cumulative float64
	for ii, v := range p {
		if v <= 0 {
			continue
		}
		last = ii
		cumulative += v
		if r < cumulative {
			return ii
		}
	}
	return last
}

// Argmax returns the index of the largest probability (the first one on ties), or -1 if p is empty.
// It is the limit of Sample as the temperature goes to 0.
func Argmax(p []float64) int {
	best := -1
	for ii, v := range p {
		if best < 0 || v > p[best] {
			best = ii
		}
	}
	return best
}
