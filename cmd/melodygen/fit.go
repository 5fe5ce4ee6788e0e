package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/corpus"
	"github.com/gomlx/go-melody/models/ngram"
	"github.com/gomlx/go-melody/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func runFit(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	dir := fs.String("dir", cfg.Repo, "directory with the dataset and vocabulary, where the model is written")
	alpha := fs.Float64("alpha", ngram.DefaultAlpha, "additive smoothing of the transition counts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	datasetPath := filepath.Join(*dir, DatasetFile)
	content, err := os.ReadFile(datasetPath)
	if err != nil {
		return errors.Wrapf(err, "reading dataset %q, run the corpus command first", datasetPath)
	}
	v, err := vocab.LoadFile(filepath.Join(*dir, cfg.MappingFile))
	if err != nil {
		return err
	}
	tokens, err := v.EncodeText(string(content))
	if err != nil {
		return errors.WithMessagef(err, "dataset %q doesn't match the vocabulary", datasetPath)
	}
	inputs, targets := corpus.TrainingSequences(tokens, cfg.SequenceLength)
	if len(inputs) == 0 {
		return errors.Errorf("dataset %q has %d tokens, not enough for a training sequence of length %d",
			datasetPath, len(tokens), cfg.SequenceLength)
	}
	klog.Infof("dataset: %d tokens, %d training sequences of length %d", len(tokens), len(inputs), cfg.SequenceLength)

	model, err := ngram.FitSequences(v.Size(), *alpha, inputs, targets)
	if err != nil {
		return err
	}
	modelPath := filepath.Join(*dir, cfg.ModelFile)
	if err = model.Save(modelPath); err != nil {
		return err
	}
	klog.Infof("n-gram model written to %s", modelPath)
	return nil
}
