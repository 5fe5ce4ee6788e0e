package midi

import (
	"io"
	"os"
	"slices"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
	"k8s.io/klog/v2"
)

type noteChange struct {
	tick uint64
	on   bool
	key  uint8
}

// Read a Standard MIDI File as a monophonic melody, with durations in quarter lengths.
//
// Notes of all tracks and channels are merged: a note starting while another sounds cuts the latter
// short. Gaps between notes, including the time before the first note and up to the end of the
// longest track, become rests. Notes never ended are dropped.
func Read(r io.Reader) ([]api.Event, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading MIDI file")
	}
	metric, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, errors.Errorf("MIDI time format %v not supported, only metric ticks", s.TimeFormat)
	}
	ticksPerQuarter := float64(metric.Ticks4th())
	if ticksPerQuarter == 0 {
		return nil, errors.New("MIDI file has 0 ticks per quarter")
	}

	var changes []noteChange
	var end uint64
	for _, track := range s.Tracks {
		var tick uint64
		for _, ev := range track {
			tick += uint64(ev.Delta)
			msg := midi.Message(ev.Message)
			var channel, key, velocity uint8
			switch {
			case msg.GetNoteStart(&channel, &key, &velocity):
				changes = append(changes, noteChange{tick: tick, on: true, key: key})
			case msg.GetNoteEnd(&channel, &key):
				changes = append(changes, noteChange{tick: tick, key: key})
			}
		}
		end = max(end, tick)
	}
	// Note-offs sort before note-ons of the same tick.
	slices.SortStableFunc(changes, func(a, b noteChange) int {
		if a.tick != b.tick {
			if a.tick < b.tick {
				return -1
			}
			return 1
		}
		if a.on == b.on {
			return 0
		}
		if !a.on {
			return -1
		}
		return 1
	})

	var events []api.Event
	emit := func(s api.Symbol, ticks uint64) {
		if ticks > 0 {
			events = append(events, api.Event{Symbol: s, Duration: float64(ticks) / ticksPerQuarter})
		}
	}
	sounding := -1
	var start, cursor uint64
	for _, change := range changes {
		if change.on {
			if sounding >= 0 {
				emit(api.Pitch(sounding), change.tick-start)
				cursor = change.tick
			}
			emit(api.Rest, change.tick-cursor)
			sounding, start, cursor = int(change.key), change.tick, change.tick
			continue
		}
		if sounding == int(change.key) {
			emit(api.Pitch(sounding), change.tick-start)
			sounding, cursor = -1, change.tick
		}
	}
	if sounding >= 0 {
		klog.Warningf("MIDI note %d started at tick %d was never ended, dropped", sounding, start)
	}
	if end > cursor && sounding < 0 {
		emit(api.Rest, end-cursor)
	}
	return events, nil
}

// ReadFile reads the melody of a Standard MIDI File. See Read.
func ReadFile(filePath string) ([]api.Event, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening MIDI file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	events, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", filePath)
	}
	return events, nil
}
