// Package api defines the shared melody types: the Symbol alphabet the models operate on, the timed
// Event a score is made of, the probability Model interface and the error kinds.
//
// It exists to break cyclic dependencies: the encoder, vocabulary, sampler and generation packages all
// depend on it, and on nothing else of this module.
package api

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// Kind of a Symbol.
type Kind int

const (
	KindPitch Kind = iota
	KindRest
	KindHold
	KindDelimiter
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPitch:
		return "Pitch"
	case KindRest:
		return "Rest"
	case KindHold:
		return "Hold"
	case KindDelimiter:
		return "Delimiter"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Textual forms of the non-pitch symbols, as used in corpus files and in the persisted vocabulary.
const (
	RestText      = "r"
	HoldText      = "_"
	DelimiterText = "/"
)

// MaxPitch is the highest MIDI pitch accepted.
const MaxPitch = 127

// Symbol is one element of the alphabet over which the models operate: a MIDI pitch, a rest, a hold
// (extends the previous pitch or rest by one time step) or a delimiter (boundary between scores, or
// end of melody during generation).
//
// Symbol is comparable, so it can be used as a map key.
type Symbol struct {
	Kind Kind

	// Pitch is only meaningful for KindPitch.
	Pitch int
}

// Commonly used symbols.
var (
	Rest      = Symbol{Kind: KindRest}
	Hold      = Symbol{Kind: KindHold}
	Delimiter = Symbol{Kind: KindDelimiter}
)

// Pitch returns the symbol for the given MIDI pitch. It doesn't validate the range, see ParseSymbol.
func Pitch(midi int) Symbol {
	return Symbol{Kind: KindPitch, Pitch: midi}
}

// IsBase returns whether the symbol starts a new event (a pitch or a rest).
func (s Symbol) IsBase() bool {
	return s.Kind == KindPitch || s.Kind == KindRest
}

// String returns the textual form of the symbol: the decimal MIDI pitch, "r", "_" or "/".
func (s Symbol) String() string {
	switch s.Kind {
	case KindPitch:
		return strconv.Itoa(s.Pitch)
	case KindRest:
		return RestText
	case KindHold:
		return HoldText
	case KindDelimiter:
		return DelimiterText
	}
	return "<invalid symbol " + s.Kind.String() + ">"
}

// Validate returns an error wrapping ErrCorpusFormat if the symbol has no textual form that ParseSymbol
// accepts: an unknown kind, or a pitch outside [0, MaxPitch].
func (s Symbol) Validate() error {
	switch s.Kind {
	case KindRest, KindHold, KindDelimiter:
		return nil
	case KindPitch:
		if s.Pitch < 0 || s.Pitch > MaxPitch {
			return errors.Wrapf(ErrCorpusFormat, "pitch %d out of range [0, %d]", s.Pitch, MaxPitch)
		}
		return nil
	}
	return errors.Wrapf(ErrCorpusFormat, "invalid symbol kind %s", s.Kind)
}

// ParseSymbol parses the textual form of a symbol.
// It returns an error wrapping ErrCorpusFormat for anything that is not a valid symbol.
func ParseSymbol(text string) (Symbol, error) {
	switch text {
	case RestText:
		return Rest, nil
	case HoldText:
		return Hold, nil
	case DelimiterText:
		return Delimiter, nil
	}
	pitch, err := strconv.Atoi(text)
	if err != nil {
		return Symbol{}, errors.Wrapf(ErrCorpusFormat, "invalid symbol %q", text)
	}
	if pitch < 0 || pitch > MaxPitch {
		return Symbol{}, errors.Wrapf(ErrCorpusFormat, "pitch %d out of range [0, %d]", pitch, MaxPitch)
	}
	return Pitch(pitch), nil
}

// Event is a pitch or a rest with a duration, expressed in quarter lengths (1.0 is a quarter note).
type Event struct {
	Symbol   Symbol
	Duration float64
}

// NoteEvent returns a pitched event.
func NoteEvent(pitch int, duration float64) Event {
	return Event{Symbol: Pitch(pitch), Duration: duration}
}

// RestEvent returns a rest.
func RestEvent(duration float64) Event {
	return Event{Symbol: Rest, Duration: duration}
}

// IsRest returns whether the event is a rest.
func (e Event) IsRest() bool {
	return e.Symbol.Kind == KindRest
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return e.Symbol.String() + "@" + strconv.FormatFloat(e.Duration, 'g', -1, 64)
}

// Model maps a bounded context window of token ids to a probability distribution over the vocabulary.
//
// Query must return a vector of length VocabSize(), with non-negative entries summing to 1.
// Implementations that are safe for concurrent use may be shared across generation sessions.
type Model interface {
	VocabSize() int
	Query(ctx context.Context, window []int) ([]float64, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc struct {
	Size int
	Fn   func(ctx context.Context, window []int) ([]float64, error)
}

// Compile time assert that ModelFunc implements Model.
var _ Model = ModelFunc{}

// VocabSize implements Model.
func (m ModelFunc) VocabSize() int { return m.Size }

// Query implements Model.
func (m ModelFunc) Query(ctx context.Context, window []int) ([]float64, error) {
	return m.Fn(ctx, window)
}
