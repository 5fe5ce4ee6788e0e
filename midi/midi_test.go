package midi

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

var testMelody = []api.Event{
	api.RestEvent(0.5),
	api.NoteEvent(60, 1),
	api.NoteEvent(62, 0.25),
	api.RestEvent(0.75),
	api.RestEvent(0.25),
	api.NoteEvent(64, 1.5),
	api.RestEvent(2),
}

func TestWriteMessages(t *testing.T) {
	options := DefaultOptions()
	options.Channel = 3
	options.Velocity = 90
	options.BPM = 90
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testMelody, options))

	s, err := smf.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, smf.MetricTicks(960), s.TimeFormat)
	require.Len(t, s.Tracks, 1)

	var bpm float64
	var foundTempo bool
	var notes []uint8
	var noteOnTicks []uint64
	var tick uint64
	for _, ev := range s.Tracks[0] {
		tick += uint64(ev.Delta)
		if ev.Message.GetMetaTempo(&bpm) {
			foundTempo = true
			continue
		}
		var channel, key, velocity uint8
		if midi.Message(ev.Message).GetNoteOn(&channel, &key, &velocity) {
			assert.Equal(t, uint8(3), channel)
			assert.Equal(t, uint8(90), velocity)
			notes = append(notes, key)
			noteOnTicks = append(noteOnTicks, tick)
		}
	}
	assert.True(t, foundTempo)
	assert.InDelta(t, 90, bpm, 1e-3)
	assert.Equal(t, []uint8{60, 62, 64}, notes)
	assert.Equal(t, []uint64{480, 1440, 2640}, noteOnTicks)
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testMelody, DefaultOptions()))
	events, err := Read(&buf)
	require.NoError(t, err)

	// Consecutive rests are merged.
	want := []api.Event{
		api.RestEvent(0.5),
		api.NoteEvent(60, 1),
		api.NoteEvent(62, 0.25),
		api.RestEvent(1),
		api.NoteEvent(64, 1.5),
		api.RestEvent(2),
	}
	assert.Equal(t, want, events)
}

func TestWriteFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "melody.mid")
	options := DefaultOptions()
	options.TicksPerQuarter = 480
	options.TrackName = "melody"
	require.NoError(t, WriteFile(filePath, testMelody[1:3], options))
	events, err := ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, testMelody[1:3], events)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.mid"))
	assert.Error(t, err)
}

func TestReadOverlappingNotes(t *testing.T) {
	var track smf.Track
	track.Add(0, midi.NoteOn(0, 60, 100))
	track.Add(480, midi.NoteOn(1, 67, 100)) // Cuts 60 after an eighth.
	track.Add(480, midi.NoteOff(0, 60))    // Ignored, 60 is no longer sounding.
	track.Add(0, midi.NoteOff(1, 67))
	track.Add(960, midi.NoteOn(0, 72, 100)) // Never ended.
	track.Close(960)
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(960)
	require.NoError(t, s.Add(track))
	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)

	events, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []api.Event{
		api.NoteEvent(60, 0.5),
		api.NoteEvent(67, 0.5),
		api.RestEvent(1),
	}, events)
}

func TestWriteErrors(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []api.Event{{Symbol: api.Hold, Duration: 1}}, DefaultOptions())
	assert.True(t, errors.Is(err, api.ErrCorpusFormat))

	err = Write(&buf, []api.Event{api.NoteEvent(128, 1)}, DefaultOptions())
	assert.True(t, errors.Is(err, api.ErrCorpusFormat))

	err = Write(&buf, []api.Event{api.NoteEvent(60, 0)}, DefaultOptions())
	assert.True(t, errors.Is(err, api.ErrMalformedDuration))

	for _, options := range []Options{
		{TicksPerQuarter: 0, BPM: 120, Velocity: 100},
		{TicksPerQuarter: 960, BPM: 0, Velocity: 100},
		{TicksPerQuarter: 960, BPM: 120, Velocity: 0},
		{TicksPerQuarter: 960, BPM: 120, Velocity: 100, Channel: 16},
	} {
		assert.Error(t, Write(&buf, testMelody, options))
	}
}
