package corpus

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/go-melody/api"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// LoadDir loads every file under dir as one encoded song. Files are visited in lexical path order,
// so the same directory always yields the same corpus. Empty files are skipped.
func LoadDir(dir string) ([][]api.Symbol, error) {
	var songs [][]api.Symbol
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read %q", path)
		}
		song, err := ParseStream(string(content))
		if err != nil {
			return errors.WithMessagef(err, "file %q", path)
		}
		if len(song) > 0 {
			songs = append(songs, song)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading corpus from %q", dir)
	}
	return songs, nil
}

// SaveSongs writes each song to its own file in dir, named by its index.
func SaveSongs(dir string, songs [][]api.Symbol) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	for ii, song := range songs {
		path := filepath.Join(dir, strconv.Itoa(ii))
		if err := os.WriteFile(path, []byte(FormatStream(song)), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write song #%d", ii)
		}
	}
	return nil
}

// Record is one row of a parquet corpus dataset.
type Record struct {
	ID      string `parquet:"id"`
	Encoded string `parquet:"encoded"`
}

// ReadParquet reads the records of a parquet corpus dataset.
func ReadParquet(path string) ([]Record, error) {
	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parquet corpus %q", path)
	}
	return records, nil
}

// WriteParquet writes the records as a parquet corpus dataset.
func WriteParquet(path string, records []Record) error {
	if err := parquet.WriteFile(path, records); err != nil {
		return errors.Wrapf(err, "failed to write parquet corpus %q", path)
	}
	return nil
}

// SongsFromRecords parses the encoded streams of the records, skipping empty ones.
func SongsFromRecords(records []Record) ([][]api.Symbol, error) {
	songs := make([][]api.Symbol, 0, len(records))
	for _, r := range records {
		song, err := ParseStream(r.Encoded)
		if err != nil {
			return nil, errors.WithMessagef(err, "record %q", r.ID)
		}
		if len(song) > 0 {
			songs = append(songs, song)
		}
	}
	return songs, nil
}

// RecordsFromSongs formats the songs as records, with their index as ID.
func RecordsFromSongs(songs [][]api.Symbol) []Record {
	records := make([]Record, len(songs))
	for ii, song := range songs {
		records[ii] = Record{ID: strconv.Itoa(ii), Encoded: FormatStream(song)}
	}
	return records
}
