// Package generation implements the autoregressive generation loop: a Session primes a context with
// delimiter padding and a seed melody, and then repeatedly queries the probability model with the most
// recent tokens, samples the next token and appends it, until the model emits a delimiter or the step
// budget is exhausted.
//
// A Generator holds the model and the vocabulary, and it can serve any number of concurrent sessions.
// Each Session is owned by one goroutine.
package generation

import (
	"context"
	"math"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/corpus"
	"github.com/gomlx/go-melody/vocab"
	"github.com/pkg/errors"
)

// DefaultPaddingLength is the number of delimiters primed before the seed: the history length the
// models are trained with.
const DefaultPaddingLength = 64

// Policy for the melody returned by a session that terminated with an error.
type Policy int

const (
	// KeepPartial returns the melody accumulated up to the failure, as a best effort result.
	KeepPartial Policy = iota

	// DiscardPartial returns no melody on failure.
	DiscardPartial
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case KeepPartial:
		return "KeepPartial"
	case DiscardPartial:
		return "DiscardPartial"
	}
	return "Policy(?)"
}

// Options configure a Generator.
type Options struct {
	// PaddingLength is the number of delimiters primed before the seed.
	PaddingLength int

	// Policy for the melody returned on failure.
	Policy Policy
}

// DefaultOptions returns the options used by the command line and the server.
func DefaultOptions() Options {
	return Options{PaddingLength: DefaultPaddingLength, Policy: KeepPartial}
}

// Generator creates generation sessions over a model and its vocabulary.
//
// The model must be safe for concurrent use if sessions are run concurrently.
type Generator struct {
	model       api.Model
	vocab       *vocab.Vocabulary
	options     Options
	delimiterID int
}

// New creates a Generator. The model must be defined over the vocabulary: model.VocabSize() must match
// vocabulary.Size(), and the vocabulary must hold the delimiter symbol.
func New(model api.Model, vocabulary *vocab.Vocabulary, options Options) (*Generator, error) {
	if model == nil || vocabulary == nil {
		return nil, errors.New("generation requires a model and a vocabulary")
	}
	if model.VocabSize() != vocabulary.Size() {
		return nil, errors.Errorf("model vocabulary size %d doesn't match the vocabulary size %d",
			model.VocabSize(), vocabulary.Size())
	}
	delimiterID, err := vocabulary.DelimiterID()
	if err != nil {
		return nil, errors.WithMessage(err, "vocabulary can't be used for generation")
	}
	if options.PaddingLength < 0 {
		return nil, errors.Errorf("padding length must be >= 0, got %d", options.PaddingLength)
	}
	if options.Policy != KeepPartial && options.Policy != DiscardPartial {
		return nil, errors.Errorf("invalid partial output policy %d", options.Policy)
	}
	return &Generator{
		model:       model,
		vocab:       vocabulary,
		options:     options,
		delimiterID: delimiterID,
	}, nil
}

// Vocabulary used by the generator.
func (g *Generator) Vocabulary() *vocab.Vocabulary {
	return g.vocab
}

// Options used by the generator.
func (g *Generator) Options() Options {
	return g.options
}

// Request for one generation.
type Request struct {
	// Seed melody to continue. It is included in the result.
	Seed []api.Symbol

	// NumSteps is the maximum number of symbols to generate.
	NumSteps int

	// MaxContextLength is the number of most recent tokens given to the model at each step.
	MaxContextLength int

	// Temperature of the sampling, see package sampler.
	Temperature float64

	// RandomSeed makes the sampling deterministic if set.
	RandomSeed *uint64
}

// Validate the request parameters.
func (r Request) Validate() error {
	if r.NumSteps < 0 {
		return errors.Errorf("number of steps must be >= 0, got %d", r.NumSteps)
	}
	if r.MaxContextLength <= 0 {
		return errors.Errorf("max context length must be > 0, got %d", r.MaxContextLength)
	}
	if !(r.Temperature > 0) || math.IsInf(r.Temperature, 1) {
		return errors.Wrapf(api.ErrInvalidTemperature, "temperature must be > 0, got %g", r.Temperature)
	}
	return nil
}

// Generate runs a session for the request to completion.
//
// On failure it returns the error along with the result: its melody is the partial output or empty,
// according to the generator's Policy.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	session, err := g.NewSession(req)
	if err != nil {
		return Result{Reason: ReasonError}, err
	}
	return session.Run(ctx)
}

// GenerateText is like Generate, but takes the seed in its textual form (e.g. "64 _ 63 _ _"),
// which replaces req.Seed.
func (g *Generator) GenerateText(ctx context.Context, seedText string, req Request) (Result, error) {
	seed, err := corpus.ParseStream(seedText)
	if err != nil {
		return Result{Reason: ReasonError}, errors.WithMessage(err, "parsing seed")
	}
	req.Seed = seed
	return g.Generate(ctx, req)
}

// checkOutput validates the probability vector returned by the model.
func (g *Generator) checkOutput(probs []float64) error {
	if len(probs) != g.vocab.Size() {
		return errors.Wrapf(api.ErrModelOutput, "model returned %d probabilities for a vocabulary of size %d",
			len(probs), g.vocab.Size())
	}
	for ii, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return errors.Wrapf(api.ErrModelOutput, "model returned probability %g for token %d", p, ii)
		}
	}
	return nil
}
