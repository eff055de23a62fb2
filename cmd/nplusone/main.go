// Package main provides the nplusone command: fingerprinting, offline replay
// of captured query logs and inspection of stored findings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/nplusone/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// exitDetected is returned by replay when N+1 queries were found.
const exitDetected = 2

var errDetected = errors.New("n+1 queries detected")

const usage = `Usage: nplusone [-version] <command> [flags]

Commands:
  fingerprint  print the fingerprint of each query
  replay       replay a JSON-lines query log through the detector
  findings     list stored findings
  migrate      apply findings schema migrations
`

func main() {
	ctx := setupSignalHandler()
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errDetected):
		os.Exit(exitDetected)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

type streams struct {
	in       io.Reader
	out, err io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("nplusone", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = io.WriteString(stderr, usage) }
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		_, _ = fmt.Fprintf(stdout, "nplusone version %s\n", Version)
		return nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	s := streams{in: stdin, out: stdout, err: stderr}
	switch rest[0] {
	case "fingerprint":
		return runFingerprint(rest[1:], s)
	case "replay":
		return runReplay(ctx, rest[1:], s)
	case "findings":
		return runFindings(ctx, rest[1:], s)
	case "migrate":
		return runMigrate(ctx, rest[1:], s)
	case "version":
		_, _ = fmt.Fprintf(stdout, "nplusone version %s\n", Version)
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command: %s", rest[0])
	}
}

// loadConfig loads path, or returns defaults when path is empty.
func loadConfig(path string) (*platform.Config, error) {
	if path == "" {
		return platform.ParseConfig([]byte("{}"))
	}
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newFlagSet(name string, s streams) *flag.FlagSet {
	fs := flag.NewFlagSet("nplusone "+name, flag.ContinueOnError)
	fs.SetOutput(s.err)
	return fs
}
