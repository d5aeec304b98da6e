// Command accord is the operator CLI for an accord verification node.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/Mindburn-Labs/accord/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Exit codes: 0 success, 1 verification
// failed, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	cmd := args[1]
	switch cmd {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "accord %s\n", version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)

	switch cmd {
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(cfg, args[2:], stdout, stderr)
	case "export":
		return runExportCmd(cfg, args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(cfg, args[2:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

// setupLogger installs the default slog handler. Components capture the
// default when they are built, so this runs before anything else.
func setupLogger(cfg *config.Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

var (
	title   = color.New(color.Bold, color.FgBlue)
	section = color.New(color.Bold, color.FgCyan)
	command = color.New(color.FgGreen)
	passed  = color.New(color.Bold, color.FgGreen)
	failed  = color.New(color.Bold, color.FgRed)
	warn    = color.New(color.FgYellow)
	dim     = color.New(color.Faint)
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w)
	_, _ = title.Fprintf(w, "accord %s\n", version)
	_, _ = dim.Fprintln(w, "Verifiable accountability for agent societies.")
	_, _ = fmt.Fprintln(w)
	_, _ = section.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  accord <command> [flags]")
	_, _ = fmt.Fprintln(w)

	_, _ = section.Fprintln(w, "IDENTITY:")
	printCommand(w, "keygen", "Generate an agent key pair (--id, --seed, --out)")

	_, _ = section.Fprintln(w, "AUDIT:")
	printCommand(w, "verify", "Verify a journal or exported audit log (--db | --bundle, --identities)")
	printCommand(w, "export", "Export a self-verifying audit log (--db, --out, --from, --to)")

	_, _ = section.Fprintln(w, "UTILITIES:")
	printCommand(w, "demo", "Run a two-agent scenario through the hybrid verifier (--db, --json)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w)
	_, _ = dim.Fprintln(w, "Configuration: ACCORD_CONFIG (YAML) and ACCORD_* environment variables.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = command.Fprintf(w, "  %-10s", name)
	_, _ = fmt.Fprintf(w, " %s\n", desc)
}
