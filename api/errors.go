package api

import "github.com/pkg/errors"

// Error kinds. They are always returned wrapped with context, use errors.Is to test for them.
var (
	// ErrUnknownSymbol is returned when a symbol is not in the vocabulary.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrInvalidToken is returned when a token id is outside the vocabulary.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidTemperature is returned for a sampling temperature <= 0.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrDegenerateDistribution is returned when a probability vector has no positive mass.
	ErrDegenerateDistribution = errors.New("degenerate distribution")

	// ErrMalformedDuration is returned at encoding admission for durations that are not a positive
	// multiple of the time quantum, or that are not in the acceptable durations set.
	ErrMalformedDuration = errors.New("malformed duration")

	// ErrCorpusFormat is returned when a corpus stream or a persisted vocabulary is malformed.
	ErrCorpusFormat = errors.New("corpus format error")

	// ErrModelOutput is returned when the probability model returns a vector of the wrong size or
	// with invalid (negative or NaN) entries.
	ErrModelOutput = errors.New("invalid model output")
)
