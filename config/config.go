// Package config holds the settings shared by the melodygen commands and the server.
//
// Values come from MELODY_* environment variables, optionally set in a .env file, and fall back to the
// defaults the models are trained with.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/go-melody/generation"
	"github.com/gomlx/go-melody/timestep"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the application configuration.
type Config struct {
	// Environment is "development" or "production".
	Environment string

	// Addr the server listens on.
	Addr string

	// Repo with the vocabulary and model files: a local directory, or a HuggingFace Hub model id if
	// prefixed with "hf:".
	Repo string

	// MappingFile is the vocabulary file name within Repo.
	MappingFile string

	// ModelFile is the model file name within Repo.
	ModelFile string

	// Corpus encoding.
	SequenceLength int
	TimeStep       float64
	Durations      timestep.Durations

	// Generation defaults.
	NumSteps    int
	Temperature float64
	Policy      generation.Policy

	// MIDI output.
	OutputFile string
	BPM        float64
}

// Default returns the configuration without any environment override.
func Default() *Config {
	return &Config{
		Environment:    "development",
		Addr:           ":8080",
		Repo:           ".",
		MappingFile:    "mapping.json",
		ModelFile:      "model.safetensors",
		SequenceLength: generation.DefaultPaddingLength,
		TimeStep:       timestep.DefaultQuantum,
		Durations:      timestep.DefaultDurations,
		NumSteps:       500,
		Temperature:    0.5,
		Policy:         generation.KeepPartial,
		OutputFile:     "mel.mid",
		BPM:            120,
	}
}

// Load the configuration from the environment, after loading the optional .env files (by default
// ".env" in the current directory). Variables already set take precedence over .env values.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		klog.V(1).Infof("no .env file loaded (%v), using environment variables", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from the given variable lookup function.
func FromEnv(lookup func(key string) (string, bool)) (*Config, error) {
	cfg := Default()
	get := func(key string) (string, bool) {
		value, found := lookup(key)
		value = strings.TrimSpace(value)
		return value, found && value != ""
	}
	if v, ok := get("MELODY_ENV"); ok {
		cfg.Environment = v
	}
	if v, ok := get("MELODY_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := get("MELODY_REPO"); ok {
		cfg.Repo = v
	}
	if v, ok := get("MELODY_MAPPING"); ok {
		cfg.MappingFile = v
	}
	if v, ok := get("MELODY_MODEL"); ok {
		cfg.ModelFile = v
	}
	if v, ok := get("MELODY_OUTPUT"); ok {
		cfg.OutputFile = v
	}

	var err error
	parseInt := func(key string, target *int) {
		if v, ok := get(key); ok && err == nil {
			*target, err = strconv.Atoi(v)
			err = errors.Wrapf(err, "parsing %s=%q", key, v)
		}
	}
	parseFloat := func(key string, target *float64) {
		if v, ok := get(key); ok && err == nil {
			*target, err = strconv.ParseFloat(v, 64)
			err = errors.Wrapf(err, "parsing %s=%q", key, v)
		}
	}
	parseInt("MELODY_SEQUENCE_LENGTH", &cfg.SequenceLength)
	parseFloat("MELODY_TIME_STEP", &cfg.TimeStep)
	parseInt("MELODY_NUM_STEPS", &cfg.NumSteps)
	parseFloat("MELODY_TEMPERATURE", &cfg.Temperature)
	parseFloat("MELODY_BPM", &cfg.BPM)
	if err != nil {
		return nil, err
	}
	if v, ok := get("MELODY_DURATIONS"); ok {
		if cfg.Durations, err = timestep.ParseDurations(v); err != nil {
			return nil, errors.WithMessage(err, "parsing MELODY_DURATIONS")
		}
	}
	if v, ok := get("MELODY_PARTIAL_OUTPUT"); ok {
		if cfg.Policy, err = ParsePolicy(v); err != nil {
			return nil, err
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParsePolicy parses "keep" or "discard".
func ParsePolicy(text string) (generation.Policy, error) {
	switch strings.ToLower(text) {
	case "keep":
		return generation.KeepPartial, nil
	case "discard":
		return generation.DiscardPartial, nil
	}
	return 0, errors.Errorf("invalid partial output policy %q, expected \"keep\" or \"discard\"", text)
}

// Validate checks the values are usable.
func (c *Config) Validate() error {
	if c.SequenceLength <= 0 {
		return errors.Errorf("sequence length must be > 0, got %d", c.SequenceLength)
	}
	if !(c.TimeStep > 0) {
		return errors.Errorf("time step must be > 0, got %g", c.TimeStep)
	}
	if err := c.Durations.Validate(c.TimeStep); err != nil {
		return err
	}
	if c.NumSteps < 0 {
		return errors.Errorf("number of steps must be >= 0, got %d", c.NumSteps)
	}
	if !(c.Temperature > 0) {
		return errors.Errorf("temperature must be > 0, got %g", c.Temperature)
	}
	if !(c.BPM > 0) {
		return errors.Errorf("BPM must be > 0, got %g", c.BPM)
	}
	return nil
}

// IsProduction returns whether running in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// GenerationOptions returns the generator options for this configuration.
func (c *Config) GenerationOptions() generation.Options {
	return generation.Options{PaddingLength: c.SequenceLength, Policy: c.Policy}
}
