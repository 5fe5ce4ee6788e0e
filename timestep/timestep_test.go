package timestep

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, texts ...string) []api.Symbol {
	t.Helper()
	symbols := make([]api.Symbol, len(texts))
	for ii, text := range texts {
		s, err := api.ParseSymbol(text)
		require.NoError(t, err)
		symbols[ii] = s
	}
	return symbols
}

func TestEncode(t *testing.T) {
	events := []api.Event{
		api.RestEvent(0.5),
		api.NoteEvent(60, 1),
		api.NoteEvent(72, 0.5),
		api.NoteEvent(72, 0.25),
	}
	symbols, err := Encode(events, DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, parse(t, "r", "_", "60", "_", "_", "_", "72", "_", "72"), symbols)

	total, err := TotalSteps(events, DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, len(symbols), total)
}

func TestEncodeRejects(t *testing.T) {
	testCases := map[string][]api.Event{
		"zero duration":     {api.NoteEvent(60, 0)},
		"negative duration": {api.NoteEvent(60, -1)},
		"below quantum":     {api.NoteEvent(60, 0.1)},
		"not a multiple":    {api.NoteEvent(60, 0.3)},
	}
	for name, events := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Encode(events, DefaultQuantum)
			require.Error(t, err)
			assert.True(t, errors.Is(err, api.ErrMalformedDuration), "got %v", err)
		})
	}

	_, err := Encode([]api.Event{{Symbol: api.Hold, Duration: 1}}, DefaultQuantum)
	assert.True(t, errors.Is(err, api.ErrCorpusFormat), "got %v", err)
	_, err = Encode([]api.Event{api.NoteEvent(200, 1)}, DefaultQuantum)
	assert.True(t, errors.Is(err, api.ErrCorpusFormat), "got %v", err)
	_, err = Encode([]api.Event{api.NoteEvent(60, 1)}, 0)
	assert.True(t, errors.Is(err, api.ErrMalformedDuration), "got %v", err)
}

func TestDecode(t *testing.T) {
	events, err := Decode(parse(t, "r", "_", "60", "_", "_", "_", "72", "_", "72"), DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, []api.Event{
		api.RestEvent(0.5),
		api.NoteEvent(60, 1),
		api.NoteEvent(72, 0.5),
		api.NoteEvent(72, 0.25),
	}, events)

	// Trailing holds are flushed with the last event.
	events, err = Decode(parse(t, "65", "_", "64", "_", "_"), DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, []api.Event{api.NoteEvent(65, 0.5), api.NoteEvent(64, 0.75)}, events)

	// Leading holds have nothing to extend.
	events, err = Decode(parse(t, "_", "_", "60", "_"), DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, []api.Event{api.NoteEvent(60, 0.5)}, events)

	// Delimiter stops decoding.
	events, err = Decode(parse(t, "60", "_", "/", "62", "_"), DefaultQuantum)
	require.NoError(t, err)
	assert.Equal(t, []api.Event{api.NoteEvent(60, 0.5)}, events)

	events, err = Decode(nil, DefaultQuantum)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = Decode(parse(t, "60"), -1)
	assert.True(t, errors.Is(err, api.ErrMalformedDuration))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for _, quantum := range []float64{0.25, 0.125} {
		for range 200 {
			n := rng.IntN(20)
			events := make([]api.Event, n)
			for ii := range events {
				duration := DefaultDurations[rng.IntN(len(DefaultDurations))]
				if rng.IntN(5) == 0 {
					events[ii] = api.RestEvent(duration)
				} else {
					events[ii] = api.NoteEvent(rng.IntN(api.MaxPitch+1), duration)
				}
			}
			require.NoError(t, Admit(events, quantum, DefaultDurations))
			symbols, err := Encode(events, quantum)
			require.NoError(t, err)
			decoded, err := Decode(symbols, quantum)
			require.NoError(t, err)
			if n == 0 {
				assert.Empty(t, decoded)
				continue
			}
			require.Equal(t, events, decoded)
		}
	}
}

func TestDurations(t *testing.T) {
	assert.True(t, DefaultDurations.Contains(0.75))
	assert.False(t, DefaultDurations.Contains(0.125))
	require.NoError(t, DefaultDurations.Validate(DefaultQuantum))
	assert.Error(t, Durations{0.1}.Validate(DefaultQuantum))

	d, err := ParseDurations(" 0.25, 0.5 ,1,")
	require.NoError(t, err)
	assert.Equal(t, Durations{0.25, 0.5, 1}, d)
	assert.Equal(t, "0.25,0.5,1", d.String())

	_, err = ParseDurations("0.25,abc")
	assert.Error(t, err)
	_, err = ParseDurations("0")
	assert.True(t, errors.Is(err, api.ErrMalformedDuration))
	_, err = ParseDurations("")
	assert.Error(t, err)
}

func TestAdmit(t *testing.T) {
	good := []api.Event{api.NoteEvent(60, 1.5), api.RestEvent(0.25)}
	assert.True(t, HasAcceptableDurations(good, DefaultDurations))
	require.NoError(t, Admit(good, DefaultQuantum, DefaultDurations))

	bad := []api.Event{api.NoteEvent(60, 1), api.NoteEvent(62, 1.25)}
	assert.False(t, HasAcceptableDurations(bad, DefaultDurations))
	err := Admit(bad, DefaultQuantum, DefaultDurations)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrMalformedDuration))
	assert.Contains(t, err.Error(), "event #1")

	// In the allow-list, but not a multiple of the quantum.
	err = Admit([]api.Event{api.NoteEvent(60, 0.75)}, 0.5, DefaultDurations)
	assert.True(t, errors.Is(err, api.ErrMalformedDuration))
}
