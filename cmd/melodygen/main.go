// melodygen builds melody corpora, fits the reference n-gram model and generates melodies.
//
// Usage:
//
//	melodygen corpus   -songs=<dir> | -parquet=<file> | -midi=<dir>   build the dataset and vocabulary
//	melodygen fit      fit the n-gram model on the dataset
//	melodygen generate -seed="67 _ 67 _ 67 _ _ 65 64 _ 64 _ 64 _ _"   generate and save a MIDI file
//	melodygen inspect  print the model tensors and the most likely successor of each symbol
//	melodygen serve    serve generation over HTTP
//
// Defaults come from the MELODY_* environment variables (or a .env file), see package config.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/go-melody/config"
	"k8s.io/klog/v2"
)

type command struct {
	name, help string
	run        func(cfg *config.Config, args []string) error
}

var commands = []command{
	{"corpus", "combine encoded songs into a dataset and build its vocabulary", runCorpus},
	{"fit", "fit the n-gram model on the dataset", runFit},
	{"generate", "generate a melody from a seed", runGenerate},
	{"inspect", "print the model file tensors", runInspect},
	{"serve", "serve melody generation over HTTP", runServe},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [command flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.help)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("configuration: %+v", err)
	}
	name := flag.Arg(0)
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		if err := cmd.run(cfg, flag.Args()[1:]); err != nil {
			klog.Errorf("%s failed: %+v", name, err)
			klog.Flush()
			os.Exit(1)
		}
		klog.Flush()
		return
	}
	klog.Errorf("unknown command %q", name)
	usage()
	os.Exit(2)
}
