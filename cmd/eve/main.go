package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "vault":
		return runVaultCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "hash-tree":
		return runHashTreeCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "eve %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "EVE evidence pipeline %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  eve <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "INGESTION")
	printCommand(w, "ingest", "Fetch, canonicalize and seal (--from/--to YYYY-MM or --date YYYY-MM-DD)")
	printCommand(w, "report", "Seal a generated report (report seal --file --dataset --query)")

	printSection(w, "AUDIT & VERIFICATION")
	printCommand(w, "serve", "Run the read-only audit API")
	printCommand(w, "verify", "Recompute a dataset offline (--dataset, --replay, --json)")
	printCommand(w, "vault", "Replay the vault chains (vault verify)")
	printCommand(w, "hash-tree", "Hash every file under a directory (DIR --output DIR)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every command reads EVE_* environment variables and an optional --config YAML file.")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
