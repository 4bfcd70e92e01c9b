package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/verifier"
)

// runVerifyCmd implements `eve verify`.
//
// Recomputes a sealed dataset from the data root: manifest schema, file
// hashes, row hashes, root hash, vault root match and chain replay. With
// --replay the canonical file is rebuilt from the retained raw payloads.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath  string
		datasetID   string
		replay      bool
		jsonOutput  bool
		jsonOutFile string
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&datasetID, "dataset", "", "Dataset id, e.g. EVE-SE3-2026-02 (REQUIRED)")
	cmd.BoolVar(&replay, "replay", false, "Rebuild the canonical file from retained raw payloads")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the verification report to file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if datasetID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dataset is required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()

	var raw artifacts.Store
	if replay {
		if raw, err = rt.rawStore(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	report, err := verifier.VerifyDataset(ctx, verifier.Options{
		DataRoot:           rt.cfg.DataRoot,
		DatasetID:          datasetID,
		Replay:             replay,
		Manifests:          rt.manifests,
		Datasets:           rt.vaults.Datasets,
		Raw:                raw,
		MethodologyVersion: rt.cfg.MethodologyVersion,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if err := os.WriteFile(jsonOutFile, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write report: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Verification report written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		if report.Verified {
			_, _ = fmt.Fprintf(stdout, "✅ %s verification PASSED\n", datasetID)
			_, _ = fmt.Fprintf(stdout, "Root hash: %s\n", report.RootHash)
			_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
		} else {
			_, _ = fmt.Fprintf(stdout, "❌ %s verification FAILED\n", datasetID)
			for _, c := range report.Failed() {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}

// runVaultCmd implements `eve vault verify`: a full replay of both ledgers.
func runVaultCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: eve vault verify [--config FILE] [--json]")
		return 2
	}
	cmd := flag.NewFlagSet("vault verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()

	result := struct {
		Datasets vault.ChainReport `json:"datasets"`
		Reports  vault.ChainReport `json:"reports"`
	}{
		Datasets: rt.vaults.Datasets.Verify(ctx),
		Reports:  rt.vaults.Reports.Verify(ctx),
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printChain(stdout, "dataset vault", result.Datasets)
		printChain(stdout, "report vault", result.Reports)
	}
	if !result.Datasets.Valid || !result.Reports.Valid {
		return 1
	}
	return 0
}

func printChain(w io.Writer, name string, r vault.ChainReport) {
	if r.Valid {
		_, _ = fmt.Fprintf(w, "✅ %s: %d records, head %s\n", name, r.Records, r.HeadChainHash)
		return
	}
	_, _ = fmt.Fprintf(w, "❌ %s: %v\n", name, r.Err())
}
