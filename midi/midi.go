// Package midi converts melodies to and from Standard MIDI Files.
//
// Melodies are monophonic: Write produces a single track where each pitch event is a note-on followed,
// after its duration, by a note-off, and rests only advance time. Read does the inverse for any file,
// merging all tracks and channels into one voice where a new note cuts the sounding one.
package midi

import (
	"bufio"
	"io"
	"math"
	"os"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Options for writing MIDI files.
type Options struct {
	// TicksPerQuarter is the time resolution of the file.
	TicksPerQuarter uint16

	// BPM is the tempo in quarter notes per minute.
	BPM float64

	// Channel in 0-15.
	Channel uint8

	// Velocity of the notes, in 1-127.
	Velocity uint8

	// TrackName is written as a meta event if not empty.
	TrackName string
}

// DefaultOptions returns 960 ticks per quarter, 120 BPM, channel 0 and velocity 100.
func DefaultOptions() Options {
	return Options{TicksPerQuarter: 960, BPM: 120, Velocity: 100}
}

func (o Options) validate() error {
	if o.TicksPerQuarter == 0 {
		return errors.New("ticks per quarter must be > 0")
	}
	if !(o.BPM > 0) || math.IsInf(o.BPM, 1) {
		return errors.Errorf("invalid tempo %g BPM", o.BPM)
	}
	if o.Channel > 15 {
		return errors.Errorf("channel must be in 0-15, got %d", o.Channel)
	}
	if o.Velocity == 0 || o.Velocity > 127 {
		return errors.Errorf("velocity must be in 1-127, got %d", o.Velocity)
	}
	return nil
}

// ticksOf converts a duration in quarter lengths to ticks.
func ticksOf(duration float64, ticksPerQuarter uint16) (uint32, error) {
	ticks := math.Round(duration * float64(ticksPerQuarter))
	if !(ticks >= 1) || ticks > math.MaxUint32 {
		return 0, errors.Wrapf(api.ErrMalformedDuration, "duration %g can't be represented with %d ticks per quarter",
			duration, ticksPerQuarter)
	}
	return uint32(ticks), nil
}

// Encode the events as a single track Standard MIDI File.
func Encode(events []api.Event, options Options) (*smf.SMF, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	var track smf.Track
	if options.TrackName != "" {
		track.Add(0, smf.MetaTrackSequenceName(options.TrackName))
	}
	track.Add(0, smf.MetaTempo(options.BPM))

	var pending uint32 // Ticks of rest since the last note-off.
	for ii, event := range events {
		ticks, err := ticksOf(event.Duration, options.TicksPerQuarter)
		if err != nil {
			return nil, errors.WithMessagef(err, "event #%d (%s)", ii, event)
		}
		switch event.Symbol.Kind {
		case api.KindRest:
			pending += ticks
		case api.KindPitch:
			if event.Symbol.Pitch < 0 || event.Symbol.Pitch > api.MaxPitch {
				return nil, errors.Wrapf(api.ErrCorpusFormat, "event #%d has pitch %d out of range", ii, event.Symbol.Pitch)
			}
			key := uint8(event.Symbol.Pitch)
			track.Add(pending, midi.NoteOn(options.Channel, key, options.Velocity))
			track.Add(ticks, midi.NoteOff(options.Channel, key))
			pending = 0
		default:
			return nil, errors.Wrapf(api.ErrCorpusFormat, "event #%d has symbol %s, only pitches and rests are events",
				ii, event.Symbol)
		}
	}
	track.Close(pending)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(options.TicksPerQuarter)
	if err := s.Add(track); err != nil {
		return nil, errors.Wrap(err, "adding MIDI track")
	}
	return s, nil
}

// Write the events as a Standard MIDI File.
func Write(w io.Writer, events []api.Event, options Options) error {
	s, err := Encode(events, options)
	if err != nil {
		return err
	}
	if _, err = s.WriteTo(w); err != nil {
		return errors.Wrap(err, "writing MIDI file")
	}
	return nil
}

// WriteFile writes the events to the given path. The file is written under a temporary name and then
// renamed, so readers never see a partial file.
func WriteFile(filePath string, events []api.Event, options Options) error {
	s, err := Encode(events, options)
	if err != nil {
		return err
	}
	tmpPath := filePath + ".writing"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", tmpPath)
	}
	buf := bufio.NewWriter(f)
	_, err = s.WriteTo(buf)
	if err == nil {
		err = buf.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "writing MIDI file %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, filePath)
	}
	return nil
}
