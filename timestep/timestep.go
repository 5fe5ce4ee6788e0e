// Package timestep converts sequences of timed events (pitches and rests) to and from the run-length
// "time series" symbol representation used to train and drive the melody models.
//
// Each event becomes its base symbol (the MIDI pitch or "r") followed by one hold symbol ("_") for every
// additional time step it lasts. With a quantum of 0.25 (a sixteenth note) the events
// [60 for 1.0, rest for 0.5] become:
//
//	60 _ _ _ r _
package timestep

import (
	"math"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
)

// DefaultQuantum is the default time step, in quarter lengths: a sixteenth note.
const DefaultQuantum = 0.25

// epsilon used to decide whether a duration is an integer multiple of the quantum.
const epsilon = 1e-9

// StepsOf returns the number of time steps of the given duration, or an error wrapping
// api.ErrMalformedDuration if the duration is not a positive integer multiple of quantum.
func StepsOf(duration, quantum float64) (int, error) {
	if !(quantum > 0) || math.IsInf(quantum, 0) {
		return 0, errors.Wrapf(api.ErrMalformedDuration, "time quantum must be positive, got %g", quantum)
	}
	if !(duration > 0) || math.IsInf(duration, 0) {
		return 0, errors.Wrapf(api.ErrMalformedDuration, "duration must be positive, got %g", duration)
	}
	ratio := duration / quantum
	steps := math.Round(ratio)
	if steps < 1 {
		return 0, errors.Wrapf(api.ErrMalformedDuration, "duration %g is shorter than the time quantum %g", duration, quantum)
	}
	if math.Abs(ratio-steps) > epsilon*math.Max(1, ratio) {
		return 0, errors.Wrapf(api.ErrMalformedDuration, "duration %g is not a multiple of the time quantum %g", duration, quantum)
	}
	return int(steps), nil
}

// Encode converts the events, in timeline order, into the run-length symbol stream at the given
// time quantum.
//
// Event pitches must already be absolute MIDI pitches: no transposition is done here.
// Events with a non-positive duration, or with a duration that is not a multiple of quantum,
// are rejected with api.ErrMalformedDuration.
func Encode(events []api.Event, quantum float64) ([]api.Symbol, error) {
	total := 0
	stepsPerEvent := make([]int, len(events))
	for ii, event := range events {
		if !event.Symbol.IsBase() {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "event #%d has symbol %q, only pitches and rests can be encoded",
				ii, event.Symbol)
		}
		if event.Symbol.Kind == api.KindPitch && (event.Symbol.Pitch < 0 || event.Symbol.Pitch > api.MaxPitch) {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "event #%d has pitch %d out of range", ii, event.Symbol.Pitch)
		}
		steps, err := StepsOf(event.Duration, quantum)
		if err != nil {
			return nil, errors.WithMessagef(err, "event #%d (%s)", ii, event)
		}
		stepsPerEvent[ii] = steps
		total += steps
	}

	symbols := make([]api.Symbol, 0, total)
	for ii, event := range events {
		symbols = append(symbols, event.Symbol)
		for range stepsPerEvent[ii] - 1 {
			symbols = append(symbols, api.Hold)
		}
	}
	return symbols, nil
}

// Decode reconstructs the events from a run-length symbol stream at the given time quantum.
//
// A hold extends the current event by one quantum; a pitch or a rest starts a new one. Holds before
// the first pitch or rest have nothing to extend and are ignored. A delimiter marks the end of the
// melody: decoding stops there, and only the events seen so far are returned.
func Decode(symbols []api.Symbol, quantum float64) ([]api.Event, error) {
	if !(quantum > 0) || math.IsInf(quantum, 0) {
		return nil, errors.Wrapf(api.ErrMalformedDuration, "time quantum must be positive, got %g", quantum)
	}
	var events []api.Event
	var current api.Symbol
	pending := false
	steps := 0
	flush := func() {
		if pending {
			events = append(events, api.Event{Symbol: current, Duration: quantum * float64(steps)})
		}
	}

scan:
	for ii, symbol := range symbols {
		switch symbol.Kind {
		case api.KindHold:
			steps++
		case api.KindPitch, api.KindRest:
			flush()
			current, pending, steps = symbol, true, 1
		case api.KindDelimiter:
			break scan
		default:
			return nil, errors.Wrapf(api.ErrCorpusFormat, "symbol #%d has invalid kind %s", ii, symbol.Kind)
		}
	}
	flush()
	return events, nil
}

// TotalSteps returns the length, in time steps, of the encoding of the events.
func TotalSteps(events []api.Event, quantum float64) (int, error) {
	total := 0
	for ii, event := range events {
		steps, err := StepsOf(event.Duration, quantum)
		if err != nil {
			return 0, errors.WithMessagef(err, "event #%d", ii)
		}
		total += steps
	}
	return total, nil
}
