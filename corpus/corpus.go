// Package corpus handles encoded melody corpora: whitespace-separated streams of symbol textual forms,
// one stream per score, combined into a single training stream with delimiter padding between scores.
package corpus

import (
	"strings"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/timestep"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

// ParseStream parses a whitespace-separated stream of symbols, e.g. "60 _ _ r 62".
//
// The text is NFKC-normalized first, so seeds typed with full-width digits or non-breaking spaces are
// accepted. Malformed symbols are reported with an error wrapping api.ErrCorpusFormat.
func ParseStream(text string) ([]api.Symbol, error) {
	fields := strings.Fields(norm.NFKC.String(text))
	symbols := make([]api.Symbol, len(fields))
	for ii, field := range fields {
		s, err := api.ParseSymbol(field)
		if err != nil {
			return nil, errors.WithMessagef(err, "symbol #%d", ii)
		}
		symbols[ii] = s
	}
	return symbols, nil
}

// FormatStream returns the symbols' textual forms separated by single spaces.
func FormatStream(symbols []api.Symbol) string {
	var sb strings.Builder
	for ii, s := range symbols {
		if ii > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s.String())
	}
	return sb.String()
}

// Combine concatenates the songs into a single stream, appending delimiterCount delimiters after each
// song. Using the model's history length as delimiterCount guarantees that no training window mixes
// the end of one song with the beginning of the next.
func Combine(songs [][]api.Symbol, delimiterCount int) []api.Symbol {
	total := 0
	for _, song := range songs {
		total += len(song) + delimiterCount
	}
	combined := make([]api.Symbol, 0, total)
	for _, song := range songs {
		combined = append(combined, song...)
		for range delimiterCount {
			combined = append(combined, api.Delimiter)
		}
	}
	return combined
}

// Preprocess filters and encodes scores, given as already-parsed event sequences with absolute pitches.
//
// Scores with durations outside the allow-list are skipped (and counted), as are scores whose durations
// are not multiples of the quantum. The kept scores are returned encoded, in the original order.
func Preprocess(scores [][]api.Event, quantum float64, durations timestep.Durations) (songs [][]api.Symbol, skipped int, err error) {
	if err := durations.Validate(quantum); err != nil {
		return nil, 0, err
	}
	for ii, score := range scores {
		if err := timestep.Admit(score, quantum, durations); err != nil {
			klog.V(1).Infof("skipping score #%d: %v", ii, err)
			skipped++
			continue
		}
		song, err := timestep.Encode(score, quantum)
		if err != nil {
			return nil, skipped, errors.WithMessagef(err, "encoding score #%d", ii)
		}
		songs = append(songs, song)
		if ii%10 == 0 {
			klog.V(2).Infof("score %d out of %d processed", ii, len(scores))
		}
	}
	return songs, skipped, nil
}

// TrainingSequences slices a token stream into (input window, next token) pairs: the input is
// sequenceLength consecutive tokens, the target is the token that follows it.
func TrainingSequences(tokens []int, sequenceLength int) (inputs [][]int, targets []int) {
	if sequenceLength <= 0 {
		return nil, nil
	}
	n := len(tokens) - sequenceLength
	for ii := 0; ii < n; ii++ {
		inputs = append(inputs, tokens[ii:ii+sequenceLength])
		targets = append(targets, tokens[ii+sequenceLength])
	}
	return inputs, targets
}
