package main

import (
	"flag"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/corpus"
	"github.com/gomlx/go-melody/midi"
	"github.com/gomlx/go-melody/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DatasetFile is the combined training stream written by the corpus command.
const DatasetFile = "file_dataset"

func runCorpus(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("corpus", flag.ExitOnError)
	songsDir := fs.String("songs", "", "directory of encoded songs, one per file")
	parquetPath := fs.String("parquet", "", "parquet dataset of encoded songs (columns id, encoded)")
	midiDir := fs.String("midi", "", "directory of .mid files, encoded after filtering their durations")
	saveDir := fs.String("save_songs", "", "if set, save the encoded songs, one file each, in this directory")
	saveParquet := fs.String("save_parquet", "", "if set, save the encoded songs as a parquet dataset")
	outDir := fs.String("out", cfg.Repo, "directory where the dataset and the vocabulary are written")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var songs [][]api.Symbol
	var err error
	switch {
	case *songsDir != "":
		songs, err = corpus.LoadDir(*songsDir)
	case *parquetPath != "":
		var records []corpus.Record
		if records, err = corpus.ReadParquet(*parquetPath); err == nil {
			songs, err = corpus.SongsFromRecords(records)
		}
	case *midiDir != "":
		songs, err = loadMIDIDir(cfg, *midiDir)
	default:
		return errors.New("one of -songs, -parquet or -midi is required")
	}
	if err != nil {
		return err
	}
	if len(songs) == 0 {
		return errors.New("corpus has no songs")
	}
	klog.Infof("loaded %d songs", len(songs))

	if *saveDir != "" {
		if err = corpus.SaveSongs(*saveDir, songs); err != nil {
			return err
		}
	}
	if *saveParquet != "" {
		if err = corpus.WriteParquet(*saveParquet, corpus.RecordsFromSongs(songs)); err != nil {
			return err
		}
	}

	combined := corpus.Combine(songs, cfg.SequenceLength)
	if err = os.MkdirAll(*outDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", *outDir)
	}
	datasetPath := filepath.Join(*outDir, DatasetFile)
	if err = os.WriteFile(datasetPath, []byte(corpus.FormatStream(combined)), 0o644); err != nil {
		return errors.Wrapf(err, "writing dataset %q", datasetPath)
	}
	v, err := vocab.BuildWithSymbols([]api.Symbol{api.Delimiter}, combined)
	if err != nil {
		return err
	}
	mappingPath := filepath.Join(*outDir, cfg.MappingFile)
	if err = v.SaveFile(mappingPath); err != nil {
		return err
	}
	klog.Infof("dataset of %d symbols written to %s, vocabulary of %d symbols written to %s",
		len(combined), datasetPath, v.Size(), mappingPath)
	return nil
}

// loadMIDIDir reads the melodies of the .mid files in dir, in lexical order, and encodes those with
// acceptable durations.
func loadMIDIDir(cfg *config.Config, dir string) ([][]api.Symbol, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", dir)
	}
	var names []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !entry.IsDir() && (ext == ".mid" || ext == ".midi") {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	scores := make([][]api.Event, 0, len(names))
	for _, name := range names {
		events, err := midi.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scores = append(scores, events)
	}
	klog.Infof("loaded %d MIDI files from %s", len(scores), dir)
	songs, skipped, err := corpus.Preprocess(scores, cfg.TimeStep, cfg.Durations)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		klog.Warningf("%d of %d MIDI files skipped: durations not in %s", skipped, len(scores), cfg.Durations)
	}
	return songs, nil
}
