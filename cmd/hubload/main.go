package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	hlerrors "hubload/internal/errors"
)

const usageText = `Usage: hubload <command> [flags] [args]

Commands:
  upload  <source> <owner/repo>   plan and upload a file or directory
  resume  <session-id>            continue a paused, failed or interrupted session
  status  <session-id>            show progress of a session
  list                            list known sessions
  pause   <session-id>            pause a session
  cancel  <session-id>            cancel a session
  analyze <source>                report sizes and upload recommendations
  serve                           run the HTTP control API

Run "hubload <command> -h" for command flags.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands := map[string]func(context.Context, []string) error{
		"upload":  runUpload,
		"resume":  runResume,
		"status":  runStatus,
		"list":    runList,
		"pause":   runPause,
		"cancel":  runCancel,
		"analyze": runAnalyze,
		"serve":   runServe,
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	if err := cmd(ctx, os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes usage errors from upload failures.
func exitCode(err error) int {
	var usageErr *usageError
	switch {
	case errors.As(err, &usageErr), errors.Is(err, hlerrors.ErrInvalidConfiguration):
		return 2
	case errors.Is(err, hlerrors.ErrPaused):
		return 3
	default:
		return 1
	}
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}
