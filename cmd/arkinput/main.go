package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `Usage: arkinput [command] [flags]

Commands:
  serve     Capture keystrokes and serve the local API (default)
  export    Write stored records as json, ndjson or csv
  stats     Print keystroke totals for a day
  apps      List applications with stored records
  prune     Delete records older than a timestamp
  status    Show whether the daemon is running
  version   Print the version

Run 'arkinput <command> -h' for command flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args, stderr)
	case "export":
		err = exportCmd(args, stdout, stderr)
	case "stats":
		err = statsCmd(args, stdout, stderr)
	case "apps":
		err = appsCmd(args, stdout, stderr)
	case "prune":
		err = pruneCmd(args, stdout, stderr)
	case "status":
		return handleStatusCommand(args, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "arkinput %s (%s)\n", version, commit)
		return 0
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	return reportError(stderr, err)
}

// reportError prints err and returns the exit code for it.
func reportError(w io.Writer, err error) int {
	if err == nil || errors.Is(err, errHelp) {
		return 0
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	var ae *ActionableError
	if errors.As(err, &ae) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ae.Format())
		fmt.Fprintln(w)
		return 1
	}
	fmt.Fprintln(w, "Error:", err)
	return 1
}
