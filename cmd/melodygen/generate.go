package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/corpus"
	"github.com/gomlx/go-melody/generation"
	"github.com/gomlx/go-melody/midi"
	"github.com/gomlx/go-melody/timestep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	restStyle  = lipgloss.NewStyle().Faint(true)
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func runGenerate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	seed := fs.String("seed", "67 _ 67 _ 67 _ _ 65 64 _ 64 _ 64 _ _", "seed melody, encoded")
	numSteps := fs.Int("steps", cfg.NumSteps, "maximum number of symbols to generate")
	contextLength := fs.Int("context", cfg.SequenceLength, "number of most recent tokens given to the model")
	temperature := fs.Float64("temperature", cfg.Temperature, "sampling temperature, > 0")
	randomSeed := fs.Int64("random_seed", -1, "if >= 0, seed of the sampling for reproducible melodies")
	output := fs.String("out", cfg.OutputFile, "MIDI file to write, empty to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	g, err := loadGenerator(cfg)
	if err != nil {
		return err
	}
	req := generation.Request{NumSteps: *numSteps, MaxContextLength: *contextLength, Temperature: *temperature}
	if *randomSeed >= 0 {
		s := uint64(*randomSeed)
		req.RandomSeed = &s
	}
	result, err := g.GenerateText(context.Background(), *seed, req)
	if err != nil {
		fmt.Println(errStyle.Render("generation failed: " + err.Error()))
		if len(result.Melody) > 0 {
			fmt.Println(renderMelody(result, nil))
		}
		return err
	}
	events, err := timestep.Decode(result.Melody, cfg.TimeStep)
	if err != nil {
		return err
	}
	fmt.Println(renderMelody(result, events))

	if *output == "" {
		return nil
	}
	options := midi.DefaultOptions()
	options.BPM = cfg.BPM
	options.TrackName = "melody " + result.SessionID
	if err = midi.WriteFile(*output, events, options); err != nil {
		return errors.WithMessage(err, "saving melody")
	}
	klog.Infof("melody saved to %s", *output)
	return nil
}

// renderMelody formats the generation result for the terminal.
func renderMelody(result generation.Result, events []api.Event) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Melody") + " " + labelStyle.Render(result.SessionID) + "\n")
	sb.WriteString(labelStyle.Render(fmt.Sprintf("%d steps, terminated by %s", result.Steps, result.Reason)) + "\n\n")
	sb.WriteString(corpus.FormatStream(result.Melody))
	if len(events) > 0 {
		sb.WriteString("\n\n")
		parts := make([]string, len(events))
		var total float64
		for ii, event := range events {
			style := noteStyle
			if event.IsRest() {
				style = restStyle
			}
			parts[ii] = style.Render(event.String())
			total += event.Duration
		}
		sb.WriteString(strings.Join(parts, " "))
		sb.WriteString("\n" + labelStyle.Render(fmt.Sprintf("%d events, %g quarters", len(events), total)))
	}
	width := 100
	if w, ok := terminalWidth(); ok {
		width = w - 4
	}
	return boxStyle.Width(width).Render(sb.String())
}

func terminalWidth() (int, bool) {
	columns, err := strconv.Atoi(os.Getenv("COLUMNS"))
	if err != nil || columns < 20 {
		return 0, false
	}
	return columns, true
}
