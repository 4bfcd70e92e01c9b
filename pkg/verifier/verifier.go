// Package verifier recomputes a sealed dataset offline from the data root.
//
// It trusts only SHA-256 and JCS. Stored hashes are never taken at face
// value: every file, row and root is rehashed and compared, and the vault
// chain is replayed from its stored payloads. With Replay the canonical file
// is rebuilt from the retained raw payloads and must match byte for byte.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/dayahead"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// Version of the verifier report format.
const Version = "1.0.0"

// Check names.
const (
	CheckManifestSchema = "manifest_schema"
	CheckMethodology    = "methodology_version"
	CheckRootHash       = "root_hash"
	CheckRowHashes      = "row_hashes"
	CheckRowUniqueness  = "row_uniqueness"
	CheckRowCount       = "row_count"
	CheckVaultRoot      = "vault_root_match"
	CheckVaultChain     = "vault_chain"
	CheckReplay         = "replay"
)

// FileCheckPrefix prefixes the per-file hash checks.
const FileCheckPrefix = "file_sha256:"

// Report is the outcome of verifying one dataset.
type Report struct {
	DatasetID       string        `json:"dataset_eve_id"`
	Verified        bool          `json:"verified"`
	Timestamp       time.Time     `json:"timestamp"`
	RootHash        string        `json:"root_hash,omitempty"`
	Checks          []CheckResult `json:"checks"`
	Summary         string        `json:"summary"`
	IssueCount      int           `json:"issue_count"`
	VerifierVersion string        `json:"verifier_version"`
}

// CheckResult is one named check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Check returns the result named name, if present.
func (r *Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Failed returns the failing checks.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Pass {
			out = append(out, c)
		}
	}
	return out
}

// Options selects the dataset and the stores to verify against.
type Options struct {
	DataRoot  string
	DatasetID string
	// Replay rebuilds the canonical file from Raw.
	Replay    bool
	Manifests *manifest.Store
	Datasets  *vault.DatasetVault
	Raw       artifacts.Store
	// MethodologyVersion, when set, must share a major version with the
	// dataset's.
	MethodologyVersion string
	Now                func() time.Time
}

func pass(name, detail string) CheckResult { return CheckResult{Name: name, Pass: true, Detail: detail} }

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// VerifyDataset runs every check. It returns an error only when the
// verification itself cannot run; failed checks are reported, not returned.
func VerifyDataset(ctx context.Context, opts Options) (*Report, error) {
	id, err := manifest.ParseDatasetID(opts.DatasetID)
	if err != nil {
		return nil, err
	}
	if opts.DataRoot == "" {
		return nil, errors.New("verifier: data root is required")
	}
	if opts.Replay && opts.Raw == nil {
		return nil, errors.New("verifier: replay needs a raw payload store")
	}
	if opts.Manifests == nil {
		opts.Manifests = manifest.NewStore(opts.DataRoot)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rep := &Report{
		DatasetID:       opts.DatasetID,
		Timestamp:       opts.Now().UTC(),
		Checks:          []CheckResult{},
		VerifierVersion: Version,
	}
	defer rep.summarize()

	m, res := checkManifest(opts.Manifests.Path(id.Zone, opts.DatasetID))
	rep.add(res)
	if m == nil {
		return rep, nil
	}
	rep.RootHash = m.RootHash
	if m.DatasetID != opts.DatasetID {
		rep.add(fail(CheckManifestSchema, "manifest carries id %s", m.DatasetID))
		return rep, nil
	}
	if opts.MethodologyVersion != "" {
		if err := manifest.CompatibleMethodology(m.MethodologyVersion, opts.MethodologyVersion); err != nil {
			rep.add(fail(CheckMethodology, "%v", err))
		} else {
			rep.add(pass(CheckMethodology, m.MethodologyVersion))
		}
	}

	hashes, fileChecks := checkFiles(opts.DataRoot, m)
	rep.add(fileChecks...)
	rep.add(checkRoot(m, hashes))

	rows, rowChecks := checkRows(opts.DataRoot, m)
	rep.add(rowChecks...)

	if opts.Datasets != nil {
		rep.add(checkVaultRoot(ctx, opts.Datasets, m))
		rep.add(checkChain(ctx, opts.Datasets))
	}
	if opts.Replay {
		rep.add(checkReplay(ctx, opts.Raw, id, m, rows))
	}
	return rep, nil
}

func (r *Report) add(cs ...CheckResult) { r.Checks = append(r.Checks, cs...) }

func (r *Report) summarize() {
	failed := len(r.Failed())
	r.IssueCount = failed
	r.Verified = failed == 0
	if failed > 0 {
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
}

func checkManifest(path string) (*manifest.Manifest, CheckResult) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the data root
	if err != nil {
		return nil, fail(CheckManifestSchema, "cannot read manifest: %v", err)
	}
	if err := manifest.ValidateJSON(data); err != nil {
		return nil, fail(CheckManifestSchema, "%v", err)
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return nil, fail(CheckManifestSchema, "%v", err)
	}
	return m, pass(CheckManifestSchema, filepath.Base(path))
}

// checkFiles rehashes every listed file. The returned entries carry the
// recomputed hashes.
func checkFiles(root string, m *manifest.Manifest) ([]manifest.FileEntry, []CheckResult) {
	files := make([]manifest.FileEntry, len(m.Files))
	results := make([]CheckResult, 0, len(m.Files))
	for i, f := range m.Files {
		files[i] = f
		name := FileCheckPrefix + f.File
		sum, size, err := canonicalize.HashFile(filepath.Join(root, filepath.FromSlash(f.File)))
		if err != nil {
			files[i].SHA256 = ""
			results = append(results, fail(name, "cannot hash: %v", err))
			continue
		}
		files[i].SHA256 = sum
		switch {
		case sum != f.SHA256:
			results = append(results, fail(name, "expected %s, got %s", f.SHA256, sum))
		case size != f.SizeBytes:
			results = append(results, fail(name, "expected %d bytes, got %d", f.SizeBytes, size))
		default:
			results = append(results, pass(name, sum))
		}
	}
	return files, results
}

func checkRoot(m *manifest.Manifest, files []manifest.FileEntry) CheckResult {
	root, err := manifest.RootHash(files, m.MethodologyVersion, m.Scope, m.PeriodStart, m.PeriodEnd)
	if err != nil {
		return fail(CheckRootHash, "%v", err)
	}
	if root != m.RootHash {
		return fail(CheckRootHash, "manifest says %s, recomputed %s", m.RootHash, root)
	}
	return pass(CheckRootHash, root)
}

func checkRows(root string, m *manifest.Manifest) ([]canonical.Row, []CheckResult) {
	var rows []canonical.Row
	for _, f := range m.Files {
		if f.Stage != manifest.StageCanonical {
			continue
		}
		got, err := canonical.ReadFile(filepath.Join(root, filepath.FromSlash(f.File)))
		if err != nil {
			return nil, []CheckResult{fail(CheckRowHashes, "%v", err)}
		}
		rows = append(rows, got...)
	}

	var out []CheckResult
	bad := 0
	var first string
	for _, r := range rows {
		if err := canonical.VerifyRow(r); err != nil {
			if bad == 0 {
				first = err.Error()
			}
			bad++
			continue
		}
		if r.DatasetID != m.DatasetID || r.Area != m.Scope {
			if bad == 0 {
				first = fmt.Sprintf("row %s belongs to %s/%s", r.Timestamp, r.DatasetID, r.Area)
			}
			bad++
		}
	}
	if bad > 0 {
		out = append(out, fail(CheckRowHashes, "%d of %d rows fail: %s", bad, len(rows), first))
	} else {
		out = append(out, pass(CheckRowHashes, fmt.Sprintf("%d rows", len(rows))))
	}

	if err := canonical.CheckUnique(rows); err != nil {
		out = append(out, fail(CheckRowUniqueness, "%v", err))
	} else {
		out = append(out, pass(CheckRowUniqueness, "(dataset, date, hour) unique"))
	}

	if len(rows) != m.TotalRows {
		out = append(out, fail(CheckRowCount, "manifest says %d rows, files hold %d", m.TotalRows, len(rows)))
	} else {
		out = append(out, pass(CheckRowCount, fmt.Sprintf("%d", len(rows))))
	}
	return rows, out
}

func checkVaultRoot(ctx context.Context, v *vault.DatasetVault, m *manifest.Manifest) CheckResult {
	rec, err := v.Latest(ctx, m.DatasetID)
	if errors.Is(err, vault.ErrNotFound) {
		return fail(CheckVaultRoot, "no vault record seals %s", m.DatasetID)
	}
	if err != nil {
		return fail(CheckVaultRoot, "%v", err)
	}
	if rec.Event.DatasetID != m.DatasetID {
		return fail(CheckVaultRoot, "superseded by %s at event %d", rec.Event.DatasetID, rec.EventIndex)
	}
	if rec.Event.RootHash != m.RootHash {
		return fail(CheckVaultRoot, "event %d sealed %s, manifest has %s", rec.EventIndex, rec.Event.RootHash, m.RootHash)
	}
	return pass(CheckVaultRoot, fmt.Sprintf("event %d", rec.EventIndex))
}

func checkChain(ctx context.Context, v *vault.DatasetVault) CheckResult {
	cr := v.Verify(ctx)
	if err := cr.Err(); err != nil {
		return fail(CheckVaultChain, "%v", err)
	}
	return pass(CheckVaultChain, fmt.Sprintf("%d records, head %s", cr.Records, cr.HeadChainHash))
}

// checkReplay rebuilds the canonical file from the raw payloads named by the
// source refs, with the recorded retrieval times, and compares hashes.
func checkReplay(ctx context.Context, raw artifacts.Store, id manifest.DatasetID, m *manifest.Manifest, stored []canonical.Row) CheckResult {
	var rebuilt []canonical.Row
	for _, ref := range m.SourceRefs {
		body, err := raw.Get(ctx, ref.RawSHA256)
		if err != nil {
			return fail(CheckReplay, "%s: raw payload %s: %v", ref.DeliveryDate, ref.RawSHA256, err)
		}
		entries, err := dayahead.Decode(body)
		if err != nil {
			return fail(CheckReplay, "%s: decode: %v", ref.DeliveryDate, err)
		}
		retrieved, err := time.Parse(canonical.RetrievedAtLayout, ref.RetrievedAt)
		if err != nil {
			return fail(CheckReplay, "%s: retrieved_at_utc: %v", ref.DeliveryDate, err)
		}
		rows, err := canonical.Canonicalize(canonical.DayInput{
			Date:        ref.DeliveryDate,
			Area:        id.Zone,
			Market:      dayahead.Market,
			Currency:    dayahead.Currency,
			Unit:        dayahead.Unit,
			Source:      ref.Source,
			DatasetID:   m.DatasetID,
			RetrievedAt: retrieved,
			RawSHA256:   ref.RawSHA256,
			Entries:     entries,
		})
		if err != nil {
			return fail(CheckReplay, "%s: %v", ref.DeliveryDate, err)
		}
		if err := canonical.SealAll(rows); err != nil {
			return fail(CheckReplay, "%s: %v", ref.DeliveryDate, err)
		}
		rebuilt = append(rebuilt, rows...)
	}
	canonical.SortRows(rebuilt)
	data, err := canonical.Encode(rebuilt)
	if err != nil {
		return fail(CheckReplay, "%v", err)
	}
	got := canonicalize.HashBytes(data)

	var want string
	for _, f := range m.Files {
		if f.File == manifest.CanonicalRelPath(id) {
			want = f.SHA256
		}
	}
	if got != want {
		return fail(CheckReplay, "rebuilt %d rows hash to %s, file sealed as %s (stored file holds %d rows)", len(rebuilt), got, want, len(stored))
	}
	return pass(CheckReplay, fmt.Sprintf("%d days rebuilt to %s", len(m.SourceRefs), got))
}
