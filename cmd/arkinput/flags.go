package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

var (
	// errHelp means -h was given and usage has been printed.
	errHelp = errors.New("help requested")
	// errUsage means flag parsing failed and the message has been printed.
	errUsage = errors.New("invalid usage")
)

// newFlagSet returns a flag set carrying the -config flag every command takes.
func newFlagSet(name string, output io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	configPath := fs.String("config", "", "Path to config file (.yaml or .toml)")
	return fs, configPath
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return errUsage
	}
	return nil
}
