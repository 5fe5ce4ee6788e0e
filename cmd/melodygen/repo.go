package main

import (
	"strings"

	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/generation"
	"github.com/gomlx/go-melody/hub"
	"github.com/gomlx/go-melody/models/ngram"
	"github.com/gomlx/go-melody/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const hubPrefix = "hf:"

// openRepo returns the repository named by cfg.Repo: "hf:<model id>[@revision]" for the HuggingFace
// Hub, otherwise a local directory.
func openRepo(cfg *config.Config) *hub.Repo {
	if !strings.HasPrefix(cfg.Repo, hubPrefix) {
		return hub.NewLocal(cfg.Repo)
	}
	id, revision, found := strings.Cut(strings.TrimPrefix(cfg.Repo, hubPrefix), "@")
	repo := hub.New(id)
	if found && revision != "" {
		repo = repo.WithRevision(revision)
	}
	return repo
}

// loadGenerator loads the vocabulary and the n-gram model from the configured repository.
func loadGenerator(cfg *config.Config) (*generation.Generator, error) {
	repo := openRepo(cfg)
	v, err := vocab.LoadFromRepo(repo, cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	model, err := ngram.LoadFromRepo(repo, cfg.ModelFile)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded vocabulary of %d symbols and n-gram model from %s", v.Size(), repo)
	g, err := generation.New(model, v, cfg.GenerationOptions())
	if err != nil {
		return nil, errors.WithMessagef(err, "repository %s", repo)
	}
	return g, nil
}
