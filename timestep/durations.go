package timestep

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
)

// Durations is an allow-list of acceptable event durations, in quarter lengths.
type Durations []float64

// DefaultDurations accepted for encoding: from a sixteenth to a whole note, including dotted
// eighths, dotted quarters and dotted halves.
var DefaultDurations = Durations{0.25, 0.5, 0.75, 1.0, 1.5, 2, 3, 4}

// Contains returns whether duration is in the allow-list.
func (d Durations) Contains(duration float64) bool {
	return slices.ContainsFunc(d, func(allowed float64) bool {
		return math.Abs(duration-allowed) < epsilon
	})
}

// String implements fmt.Stringer, in the same format accepted by ParseDurations.
func (d Durations) String() string {
	parts := make([]string, len(d))
	for ii, v := range d {
		parts[ii] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseDurations parses a comma-separated list of durations, e.g. "0.25,0.5,1".
func ParseDurations(text string) (Durations, error) {
	var d Durations
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid duration %q", part)
		}
		if !(v > 0) {
			return nil, errors.Wrapf(api.ErrMalformedDuration, "duration must be positive, got %q", part)
		}
		d = append(d, v)
	}
	if len(d) == 0 {
		return nil, errors.Errorf("no durations in %q", text)
	}
	return d, nil
}

// Validate checks that every duration in the allow-list is a multiple of the quantum.
func (d Durations) Validate(quantum float64) error {
	for _, v := range d {
		if _, err := StepsOf(v, quantum); err != nil {
			return errors.WithMessagef(err, "acceptable durations %s", d)
		}
	}
	return nil
}

// HasAcceptableDurations returns whether all events have a duration in the allow-list.
// Scores that fail it are filtered out of a corpus.
func HasAcceptableDurations(events []api.Event, durations Durations) bool {
	for _, event := range events {
		if !durations.Contains(event.Duration) {
			return false
		}
	}
	return true
}

// Admit validates events for encoding: every duration must be in the allow-list and be a positive
// multiple of the quantum. The error wraps api.ErrMalformedDuration and names the offending event.
func Admit(events []api.Event, quantum float64, durations Durations) error {
	for ii, event := range events {
		if !durations.Contains(event.Duration) {
			return errors.Wrapf(api.ErrMalformedDuration, "event #%d (%s) has duration %g not in the acceptable durations [%s]",
				ii, event, event.Duration, durations)
		}
		if _, err := StepsOf(event.Duration, quantum); err != nil {
			return errors.WithMessagef(err, "event #%d (%s)", ii, event)
		}
	}
	return nil
}
