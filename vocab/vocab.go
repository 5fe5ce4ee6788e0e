// Package vocab implements the Vocabulary: the bijection between melody symbols and the dense integer
// token ids consumed by the probability models.
//
// A Vocabulary is built once, from a corpus or from a persisted mapping, and it is immutable afterwards:
// it can be shared by any number of goroutines without synchronization.
package vocab

import (
	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
)

// Vocabulary maps symbols to token ids in [0, Size()) and back.
type Vocabulary struct {
	symbols []api.Symbol       // token id -> symbol
	tokens  map[api.Symbol]int // symbol -> token id
}

// Build a Vocabulary from the given symbol streams.
//
// Token ids are assigned in order of first occurrence, scanning the streams in the given order, so the
// same corpus always yields the same mapping. It fails with api.ErrCorpusFormat on a symbol that can't
// be persisted (see api.Symbol.Validate).
func Build(streams ...[]api.Symbol) (*Vocabulary, error) {
	return BuildWithSymbols(nil, streams...)
}

// BuildWithSymbols is like Build, but the required symbols are assigned the first ids, whether or not
// they occur in the corpus. Use it to guarantee that api.Delimiter is in the vocabulary.
func BuildWithSymbols(required []api.Symbol, streams ...[]api.Symbol) (*Vocabulary, error) {
	v := &Vocabulary{tokens: make(map[api.Symbol]int)}
	for _, s := range required {
		if err := v.add(s); err != nil {
			return nil, errors.WithMessage(err, "required symbols")
		}
	}
	for ii, stream := range streams {
		for _, s := range stream {
			if err := v.add(s); err != nil {
				return nil, errors.WithMessagef(err, "stream #%d", ii)
			}
		}
	}
	return v, nil
}

func (v *Vocabulary) add(s api.Symbol) error {
	if _, found := v.tokens[s]; found {
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	v.tokens[s] = len(v.symbols)
	v.symbols = append(v.symbols, s)
	return nil
}

// Size returns the number of symbols in the vocabulary.
func (v *Vocabulary) Size() int {
	return len(v.symbols)
}

// Symbols returns a copy of the symbols, indexed by token id.
func (v *Vocabulary) Symbols() []api.Symbol {
	return append([]api.Symbol(nil), v.symbols...)
}

// Contains returns whether the symbol is in the vocabulary.
func (v *Vocabulary) Contains(s api.Symbol) bool {
	_, found := v.tokens[s]
	return found
}

// TokenOf returns the token id of the symbol, or an error wrapping api.ErrUnknownSymbol.
func (v *Vocabulary) TokenOf(s api.Symbol) (int, error) {
	id, found := v.tokens[s]
	if !found {
		return 0, errors.Wrapf(api.ErrUnknownSymbol, "symbol %q not in vocabulary", s)
	}
	return id, nil
}

// SymbolOf returns the symbol of the token id, or an error wrapping api.ErrInvalidToken.
func (v *Vocabulary) SymbolOf(id int) (api.Symbol, error) {
	if id < 0 || id >= len(v.symbols) {
		return api.Symbol{}, errors.Wrapf(api.ErrInvalidToken, "token %d not in [0, %d)", id, len(v.symbols))
	}
	return v.symbols[id], nil
}

// DelimiterID returns the token id of the delimiter symbol.
func (v *Vocabulary) DelimiterID() (int, error) {
	return v.TokenOf(api.Delimiter)
}

// Encode converts symbols to token ids. It fails on the first unknown symbol.
func (v *Vocabulary) Encode(symbols []api.Symbol) ([]int, error) {
	ids := make([]int, len(symbols))
	for ii, s := range symbols {
		id, err := v.TokenOf(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "symbol #%d", ii)
		}
		ids[ii] = id
	}
	return ids, nil
}

// Decode converts token ids to symbols. It fails on the first invalid token.
func (v *Vocabulary) Decode(ids []int) ([]api.Symbol, error) {
	symbols := make([]api.Symbol, len(ids))
	for ii, id := range ids {
		s, err := v.SymbolOf(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "token #%d", ii)
		}
		symbols[ii] = s
	}
	return symbols, nil
}
