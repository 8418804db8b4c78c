// picamera runs the nodes of a camera and illumination fleet over MQTT.
//
// Subcommands:
//
//	picamera illuminator [-config file]
//	picamera camera      [-config file]
//	picamera host        [-config file] [-mode timelapse|acquire] [-name prefix]
//	picamera send        [-config file] -target name topic payload
//	picamera captures    [-config file] [-client name] [-limit n]
//	picamera status      [-config file] [-timeout d] [-migrate-down]
//	picamera version
//
// Configuration is read from -config, then $PICAMERA_CONFIG, falling back
// to built-in defaults, and PICAMERA_* environment variables override it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// errUsage is returned for an unknown or missing subcommand.
var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to a subcommand. Returning an error allows main to handle
// exit codes consistently.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	name, rest := args[0], args[1:]
	switch name {
	case "illuminator":
		return runIlluminator(ctx, rest)
	case "camera":
		return runCamera(ctx, rest)
	case "host":
		return runHost(ctx, rest, stdout)
	case "send":
		return runSend(ctx, rest)
	case "captures":
		return runCaptures(ctx, rest, stdout)
	case "status":
		return runStatus(ctx, rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "picamera %s (commit %s, built %s)\n", version, commit, date)
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: picamera <command> [flags]

commands:
  illuminator   run an LED illuminator
  camera        run a camera
  host          acquire images from the configured targets
  send          publish one command to a target
  captures      list saved captures
  status        check broker and storage health
  version       print version information
`)
}
