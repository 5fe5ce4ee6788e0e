package vocab

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/hub"
	"github.com/pkg/errors"
)

// DefaultFilename of a persisted vocabulary.
const DefaultFilename = "mapping.json"

// Save writes the vocabulary as a flat JSON object mapping each symbol's textual form to its token id,
// one entry per line, in token id order:
//
//	{
//	    "/": 0,
//	    "60": 1,
//	    "_": 2
//	}
//
// The output only depends on the mapping, so the same vocabulary always produces the same bytes.
func (v *Vocabulary) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	_, _ = bw.WriteString("{\n")
	for id, s := range v.symbols {
		key, err := json.Marshal(s.String())
		if err != nil {
			return errors.Wrapf(err, "encoding symbol %q", s)
		}
		_, _ = bw.WriteString("    ")
		_, _ = bw.Write(key)
		_, _ = bw.WriteString(": ")
		_, _ = bw.WriteString(strconv.Itoa(id))
		if id < len(v.symbols)-1 {
			_, _ = bw.WriteString(",")
		}
		_, _ = bw.WriteString("\n")
	}
	_, _ = bw.WriteString("}\n")
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "failed to write vocabulary")
	}
	return nil
}

// SaveFile saves the vocabulary to filePath, see Save.
func (v *Vocabulary) SaveFile(filePath string) error {
	var buf bytes.Buffer
	if err := v.Save(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(filePath, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write vocabulary to %q", filePath)
	}
	return nil
}

// Load reads a vocabulary persisted with Save.
//
// Any JSON object mapping symbol textual forms to integers is accepted, in any key order, as long as it
// is a bijection onto [0, N). Duplicate keys, duplicate ids, gaps in the ids and malformed symbols are
// rejected with an error wrapping api.ErrCorpusFormat.
func Load(r io.Reader) (*Vocabulary, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrapf(api.ErrCorpusFormat, "reading vocabulary: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.Wrapf(api.ErrCorpusFormat, "vocabulary must be a JSON object, got %v", tok)
	}

	byID := make(map[int]api.Symbol)
	seen := make(map[api.Symbol]bool)
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "reading vocabulary key: %v", err)
		}
		key, _ := tok.(string)
		s, err := api.ParseSymbol(key)
		if err != nil {
			return nil, errors.WithMessage(err, "reading vocabulary")
		}
		if seen[s] {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "duplicate symbol %q in vocabulary", key)
		}
		seen[s] = true

		var value json.Number
		if err := dec.Decode(&value); err != nil {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "reading id of symbol %q: %v", key, err)
		}
		id64, err := strconv.ParseInt(value.String(), 10, 64)
		if err != nil || id64 < 0 {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "symbol %q has invalid id %s", key, value)
		}
		id := int(id64)
		if prev, found := byID[id]; found {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "id %d used by both %q and %q", id, prev, key)
		}
		byID[id] = s
	}
	if _, err := dec.Token(); err != nil {
		return nil, errors.Wrapf(api.ErrCorpusFormat, "reading end of vocabulary: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.Wrapf(api.ErrCorpusFormat, "trailing data after vocabulary")
	}

	v := &Vocabulary{
		symbols: make([]api.Symbol, len(byID)),
		tokens:  make(map[api.Symbol]int, len(byID)),
	}
	for id, s := range byID {
		if id >= len(byID) {
			return nil, errors.Wrapf(api.ErrCorpusFormat, "ids must be dense in [0, %d), got %d for %q", len(byID), id, s)
		}
		v.symbols[id] = s
		v.tokens[s] = id
	}
	return v, nil
}

// LoadFile loads a vocabulary from a local file, see Load.
func LoadFile(filePath string) (*Vocabulary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	v, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", filePath)
	}
	return v, nil
}

// LoadFromRepo downloads (if needed) and loads the vocabulary file from the repository.
// If filename is empty, DefaultFilename is used.
func LoadFromRepo(repo *hub.Repo, filename string) (*Vocabulary, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	if !repo.HasFile(filename) {
		return nil, errors.Errorf("%q file not found in repo %s", filename, repo)
	}
	localPath, err := repo.DownloadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "can't download %s file", filename)
	}
	return LoadFile(localPath)
}
