package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Exit codes reported to the shell.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultBuilder))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, build appBuilder) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, build)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	code := exitCode(err)
	switch {
	case err == nil:
	case code == exitInterrupted:
		fmt.Fprintln(stderr, "interrupted: all groups stopped")
	case scraper.IsConfigurationError(err):
		fmt.Fprintf(stderr, "%v\nfix the configuration and retry; nothing was extracted\n", err)
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errInterrupted):
		return exitInterrupted
	default:
		return exitFailure
	}
}
