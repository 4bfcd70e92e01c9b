package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/ingest/ingesttest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"eve"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// setupEnv points every command at a fresh data root and a fake upstream.
func setupEnv(t *testing.T) (string, *ingesttest.Upstream) {
	t.Helper()
	root := t.TempDir()
	up := ingesttest.NewUpstream(t)
	t.Setenv("EVE_DATA_ROOT", root)
	t.Setenv("EVE_SOURCE_BASE_URL", up.BaseURL())
	t.Setenv("EVE_SOURCE_MAX_RETRIES", "0")
	t.Setenv("EVE_DAY_DELAY", "0s")
	t.Setenv("EVE_MONTH_DELAY", "0s")
	t.Setenv("EVE_LOG_LEVEL", "WARN")
	t.Setenv("EVE_VAULT_BACKEND", "file")
	t.Setenv("EVE_ARTIFACTS_TYPE", "fs")
	t.Setenv("EVE_REDIS_ADDR", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return root, up
}

func TestRun_UsageAndVersion(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "eve ")

	code, stdout, _ = run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "ingest")
}

func TestIngest_FlagErrors(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run("ingest")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--from")

	code, _, stderr = run("ingest", "--date", "2026-02-03", "--from", "2026-02")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "cannot be combined")

	code, _, stderr = run("ingest", "--date", "2026-02-03", "--revision", "2")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--revision")
}

func TestIngest_MissingDataRootFailsFast(t *testing.T) {
	setupEnv(t)
	t.Setenv("EVE_DATA_ROOT", filepath.Join(t.TempDir(), "absent"))

	code, _, stderr := run("ingest", "--from", "2026-02")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "data root")
}

func TestEndToEnd_IngestVerifyAuditTamper(t *testing.T) {
	root, _ := setupEnv(t)

	code, stdout, stderr := run("ingest", "--zone", "SE3", "--from", "2026-02", "--to", "2026-02")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "✅ 2026-02-01 SE3: 24 rows")
	assert.Contains(t, stdout, "EVE-SE3-2026-02")
	assert.Contains(t, stdout, "1 sealed")

	m, err := manifest.NewStore(root).FindByID("EVE-SE3-2026-02")
	require.NoError(t, err)
	assert.Equal(t, 28*24, m.TotalRows)

	code, stdout, stderr = run("verify", "--dataset", "EVE-SE3-2026-02", "--replay")
	require.Equal(t, 0, code, stdout+stderr)
	assert.Contains(t, stdout, "PASSED")
	assert.Contains(t, stdout, m.RootHash)

	code, stdout, _ = run("vault", "verify", "--json")
	require.Equal(t, 0, code)
	var chains struct {
		Datasets vault.ChainReport `json:"datasets"`
		Reports  vault.ChainReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &chains))
	assert.True(t, chains.Datasets.Valid)
	assert.Equal(t, 1, chains.Datasets.Records)
	assert.Equal(t, 0, chains.Reports.Records)

	doc := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF monthly summary"), 0o600))
	code, stdout, stderr = run("report", "seal", "--file", doc, "--dataset", "EVE-SE3-2026-02", "--query", "monthly-summary --zone SE3", "--json")
	require.Equal(t, 0, code, stderr)
	var rec vault.ReportRecord
	require.NoError(t, json.Unmarshal([]byte(stdout), &rec))
	assert.Equal(t, canonicalize.HashBytes([]byte("%PDF monthly summary")), rec.ReportHash)
	assert.Equal(t, m.RootHash, rec.RootHash)
	assert.Nil(t, rec.PrevHash)

	// flip one byte of the canonical file
	path := filepath.Join(root, filepath.FromSlash(m.Files[0].File))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	code, stdout, _ = run("verify", "--dataset", "EVE-SE3-2026-02")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAILED")
	assert.Contains(t, stdout, "root_hash")
}

func TestIngest_SingleDateRejectedExitsOne(t *testing.T) {
	_, up := setupEnv(t)
	up.Set("2026-02-03", ingesttest.Response{Status: 404, Body: "not published"})

	code, stdout, _ := run("ingest", "--zone", "SE3", "--date", "2026-02-03")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "❌ 2026-02-03 SE3")

	code, stdout, stderr := run("ingest", "--zone", "SE3", "--date", "2026-02-04")
	assert.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "✅ 2026-02-04 SE3: 24 rows")
}

func TestReportSeal_UnknownDataset(t *testing.T) {
	setupEnv(t)
	doc := filepath.Join(t.TempDir(), "r.txt")
	require.NoError(t, os.WriteFile(doc, []byte("x"), 0o600))

	code, stdout, _ := run("report", "seal", "--file", doc, "--dataset", "EVE-SE3-2026-02")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "not found")
}

func TestHashTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ndjson"), []byte("a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ndjson"), []byte("b\n"), 0o600))
	out := t.TempDir()

	code, stdout, stderr := run("hash-tree", dir, "--output", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "2 files hashed")

	hashes := []string{canonicalize.HashBytes([]byte("a\n")), canonicalize.HashBytes([]byte("b\n"))}
	sort.Strings(hashes)
	want := canonicalize.HashStrings(hashes...)
	got, err := os.ReadFile(filepath.Join(out, manifest.TreeRootFile))
	require.NoError(t, err)
	assert.Equal(t, want+"\n", string(got))
}
