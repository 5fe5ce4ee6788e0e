package main

import (
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/models/ngram"
	"github.com/gomlx/go-melody/models/safetensors"
	"github.com/gomlx/go-melody/sampler"
	"github.com/gomlx/go-melody/vocab"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

func runInspect(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return inspectModel(cfg, os.Stdout)
}

// inspectModel prints the metadata and tensors of the configured model file and, for the transition
// table, the most likely successor of each symbol.
func inspectModel(cfg *config.Config, w io.Writer) error {
	repo := openRepo(cfg)
	v, err := vocab.LoadFromRepo(repo, cfg.MappingFile)
	if err != nil {
		return err
	}
	model := safetensors.NewEmpty(repo)
	model.Filename = cfg.ModelFile
	if err = model.Load(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s: %s", repo, model.Filename)))
	for _, key := range slices.Sorted(maps.Keys(model.Header.Metadata)) {
		_, _ = fmt.Fprintf(w, "%s %s\n", labelStyle.Render(key+":"), model.Header.Metadata[key])
	}
	for tensorAndName, err := range model.IterTensors() {
		if err != nil {
			return err
		}
		t := tensorAndName.Tensor
		_, _ = fmt.Fprintf(w, "%s %s\n", labelStyle.Render(tensorAndName.Name+":"), t.Shape())
		if tensorAndName.Name != ngram.TransitionsTensor {
			continue
		}
		successors, err := mostLikelySuccessors(t, v)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, boxStyle.Render(strings.Join(successors, "\n")))
	}
	return nil
}

// mostLikelySuccessors lists "symbol -> successor" for each row of a [V, V] transition table.
func mostLikelySuccessors(t *tensors.Tensor, v *vocab.Vocabulary) ([]string, error) {
	dims := t.Shape().Dimensions
	size := v.Size()
	if t.DType() != dtypes.Float32 || len(dims) != 2 || dims[0] != size || dims[1] != size {
		return nil, errors.Errorf("transition table %s doesn't match a vocabulary of %d symbols", t.Shape(), size)
	}
	var lines []string
	var rowErr error
	t.ConstFlatData(func(flat any) {
		values := flat.([]float32)
		row := make([]float64, size)
		for from := range size {
			for to := range size {
				row[to] = float64(values[from*size+to])
			}
			fromSymbol, err := v.SymbolOf(from)
			if err != nil {
				rowErr = err
				return
			}
			toSymbol, err := v.SymbolOf(sampler.Argmax(row))
			if err != nil {
				rowErr = err
				return
			}
			lines = append(lines, fmt.Sprintf("%-3s -> %s", fromSymbol, toSymbol))
		}
	})
	return lines, rowErr
}
