package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// runReportCmd implements `eve report seal`.
//
// The document bytes are hashed as-is and sealed with the dataset id and
// root hash they were derived from. The dataset must have a manifest.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "seal" {
		_, _ = fmt.Fprintln(stderr, "Usage: eve report seal --file PATH --dataset ID --query \"...\"")
		return 2
	}
	cmd := flag.NewFlagSet("report seal", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		file       string
		datasetID  string
		query      string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&file, "file", "", "Generated document to seal (REQUIRED)")
	cmd.StringVar(&datasetID, "dataset", "", "Dataset id the document was derived from (REQUIRED)")
	cmd.StringVar(&query, "query", "", "Query or template invocation that produced the document")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the sealed record as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if file == "" || datasetID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file and --dataset are required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()

	sum, _, err := canonicalize.HashFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	m, err := rt.manifests.FindByID(datasetID)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) || errors.Is(err, manifest.ErrInvalidDatasetID) {
			_, _ = fmt.Fprintf(stdout, "❌ dataset %s not found (%s)\n", datasetID, manifest.IDHint)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	rec, err := rt.vaults.Reports.Append(ctx, vault.ReportEntry{
		ReportHash:   sum,
		DatasetID:    m.DatasetID,
		RootHash:     m.RootHash,
		Zone:         m.Scope,
		PeriodStart:  m.PeriodStart,
		PeriodEnd:    m.PeriodEnd,
		QueryCommand: query,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: seal report: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(rec, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ report %s sealed at report vault #%d\n", sum, rec.EventIndex)
	_, _ = fmt.Fprintf(stdout, "Dataset: %s (root %s)\n", m.DatasetID, m.RootHash)
	_, _ = fmt.Fprintf(stdout, "Chain hash: %s\n", rec.ChainHash)
	return 0
}

// runHashTreeCmd implements `eve hash-tree DIR [--output DIR]`. It needs no
// configuration.
func runHashTreeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash-tree", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		output     string
		jsonOutput bool
	)
	cmd.StringVar(&output, "output", "", "Directory for files.sha256, root_hash.txt and hash_tree.json (default: DIR)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the tree as JSON")

	// DIR may come before or after the flags
	var dir string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		dir, args = args[0], args[1:]
	}
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" && cmd.NArg() > 0 {
		dir = cmd.Arg(0)
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: eve hash-tree DIR [--output DIR] [--json]")
		return 2
	}
	if output == "" {
		output = dir
	}

	tree, err := manifest.HashTree(dir, timeNow())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := manifest.WriteTree(tree, output); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(tree, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ %d files hashed\n", tree.FileCount)
	_, _ = fmt.Fprintf(stdout, "Root hash: %s\n", tree.RootHash)
	if _, err := os.Stat(output); err == nil {
		_, _ = fmt.Fprintf(stdout, "Written to %s\n", output)
	}
	return 0
}
