package vocab

import (
	"github.com/gomlx/go-melody/corpus"
	"github.com/pkg/errors"
)

// EncodeText parses a whitespace-separated symbol stream (see corpus.ParseStream) and converts it
// to token ids.
func (v *Vocabulary) EncodeText(text string) ([]int, error) {
	symbols, err := corpus.ParseStream(text)
	if err != nil {
		return nil, err
	}
	return v.Encode(symbols)
}

// DecodeText converts token ids to their textual stream, e.g. "60 _ _ r".
func (v *Vocabulary) DecodeText(ids []int) (string, error) {
	symbols, err := v.Decode(ids)
	if err != nil {
		return "", errors.WithMessage(err, "decoding text")
	}
	return corpus.FormatStream(symbols), nil
}
