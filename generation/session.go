package generation

import (
	"context"
	"slices"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/sampler"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// maxPreallocatedSteps bounds the output capacity reserved up front. NumSteps is only an upper bound.
const maxPreallocatedSteps = 1 << 12

// ErrTerminated is returned by Session.Step if the session has already terminated.
var ErrTerminated = errors.New("generation session terminated")

// State of a Session.
type State int

const (
	Priming State = iota
	Stepping
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Priming:
		return "Priming"
	case Stepping:
		return "Stepping"
	case Terminated:
		return "Terminated"
	}
	return "State(?)"
}

// Reason a Session terminated.
type Reason int

const (
	// ReasonNone while the session is not terminated.
	ReasonNone Reason = iota

	// ReasonDelimiter if the model emitted the end of melody.
	ReasonDelimiter

	// ReasonExhausted if the step budget was used up.
	ReasonExhausted

	// ReasonError if a step failed, see Session.Err.
	ReasonError
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonDelimiter:
		return "Delimiter"
	case ReasonExhausted:
		return "Exhausted"
	case ReasonError:
		return "Error"
	}
	return "Reason(?)"
}

// Result of a generation.
type Result struct {
	SessionID string

	// Melody is the seed followed by the generated symbols. It never includes the padding or the final
	// delimiter.
	Melody []api.Symbol

	// Steps is the number of model queries that produced a token.
	Steps  int
	Reason Reason
}

// Session is one run of the generation loop. It is not safe for concurrent use.
type Session struct {
	// ID identifies the session in logs and server responses.
	ID string

	generator *Generator
	request   Request
	sampler   *sampler.Sampler

	state  State
	reason Reason
	err    error

	context []int
	output  []api.Symbol
	steps   int
}

// NewSession validates the request and primes the context with the delimiter padding followed by the
// seed. It fails with api.ErrUnknownSymbol, before any model query, if the seed holds a symbol outside
// the vocabulary.
//
// The returned session is Stepping, or already Terminated(Exhausted) if req.NumSteps is 0.
func (g *Generator) NewSession(req Request) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		generator: g,
		request:   req,
		state:     Priming,
	}
	if req.RandomSeed != nil {
		s.sampler = sampler.New(sampler.WithSeed(*req.RandomSeed))
	} else {
		s.sampler = sampler.New()
	}

	seedIDs, err := g.vocab.Encode(req.Seed)
	if err != nil {
		return nil, errors.WithMessage(err, "seed")
	}
	s.context = make([]int, 0, g.options.PaddingLength+len(seedIDs))
	for range g.options.PaddingLength {
		s.context = append(s.context, g.delimiterID)
	}
	s.context = append(s.context, seedIDs...)
	s.truncateContext()
	s.output = make([]api.Symbol, 0, len(req.Seed)+min(req.NumSteps, maxPreallocatedSteps))
	s.output = append(s.output, req.Seed...)

	s.state = Stepping
	klog.V(1).Infof("generation session %s: seed of %d symbols, %d steps, context length %d, temperature %g",
		s.ID, len(req.Seed), req.NumSteps, req.MaxContextLength, req.Temperature)
	if req.NumSteps == 0 {
		s.terminate(ReasonExhausted)
	}
	return s, nil
}

// State of the session.
func (s *Session) State() State {
	return s.state
}

// Reason the session terminated, or ReasonNone.
func (s *Session) Reason() Reason {
	return s.reason
}

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Steps returns the number of steps taken so far.
func (s *Session) Steps() int {
	return s.steps
}

// Output returns a copy of the melody accumulated so far.
func (s *Session) Output() []api.Symbol {
	return slices.Clone(s.output)
}

// Window returns the tokens the model is queried with on the next step. The context never holds more
// than MaxContextLength tokens, so this is the whole context.
func (s *Session) Window() []int {
	return slices.Clone(s.context)
}

// truncateContext drops all but the last MaxContextLength tokens of the context. The backing array is
// kept, and append reallocates it to the live tokens only once it fills up.
func (s *Session) truncateContext() {
	if extra := len(s.context) - s.request.MaxContextLength; extra > 0 {
		s.context = s.context[extra:]
	}
}

// Step runs one iteration of the loop: query the model with the window, sample the next token, append
// it to the context and resolve it to a symbol. A delimiter terminates the session and is not part of
// the output.
//
// Any failure terminates the session with ReasonError and is returned.
func (s *Session) Step(ctx context.Context) error {
	if s.state == Terminated {
		return errors.Wrapf(ErrTerminated, "session %s (%s)", s.ID, s.reason)
	}
	if err := ctx.Err(); err != nil {
		return s.fail(errors.Wrapf(err, "step %d", s.steps))
	}

	probs, err := s.generator.model.Query(ctx, s.Window())
	if err != nil {
		return s.fail(errors.WithMessagef(err, "querying model at step %d", s.steps))
	}
	if err = s.generator.checkOutput(probs); err != nil {
		return s.fail(errors.WithMessagef(err, "step %d", s.steps))
	}
	token, err := s.sampler.Sample(probs, s.request.Temperature)
	if err != nil {
		return s.fail(errors.WithMessagef(err, "sampling at step %d", s.steps))
	}
	symbol, err := s.generator.vocab.SymbolOf(token)
	if err != nil {
		return s.fail(err)
	}
	s.context = append(s.context, token)
	s.truncateContext()
	s.steps++
	if klog.V(2).Enabled() {
		klog.Infof("generation session %s: step %d -> token %d (%s)", s.ID, s.steps, token, symbol)
	}

	if symbol == api.Delimiter {
		s.terminate(ReasonDelimiter)
		return nil
	}
	s.output = append(s.output, symbol)
	if s.steps >= s.request.NumSteps {
		s.terminate(ReasonExhausted)
	}
	return nil
}

// Run steps until the session terminates, checking ctx between steps.
//
// On failure, the result's melody follows the generator's Policy.
func (s *Session) Run(ctx context.Context) (Result, error) {
	for s.state != Terminated {
		if err := s.Step(ctx); err != nil {
			return s.Result(), err
		}
	}
	return s.Result(), s.err
}

// Result returns the current result of the session.
func (s *Session) Result() Result {
	r := Result{
		SessionID: s.ID,
		Steps:     s.steps,
		Reason:    s.reason,
	}
	if s.reason != ReasonError || s.generator.options.Policy == KeepPartial {
		r.Melody = s.Output()
	}
	return r
}

func (s *Session) terminate(reason Reason) {
	s.state = Terminated
	s.reason = reason
	klog.V(1).Infof("generation session %s terminated: %s after %d steps, %d symbols",
		s.ID, reason, s.steps, len(s.output))
}

func (s *Session) fail(err error) error {
	s.err = err
	s.terminate(ReasonError)
	return err
}
