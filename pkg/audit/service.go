// Package audit resolves dataset ids and report hashes to their stored
// manifests and vault records. It only reads and compares stored hashes; the
// explicit chain check is the one operation that recomputes them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/cache"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// VaultStatus is the vault side of a dataset lookup.
type VaultStatus struct {
	EventIndex     int64   `json:"event_index"`
	ChainHash      string  `json:"chain_hash"`
	PrevHash       *string `json:"prev_hash"`
	TimestampUTC   string  `json:"timestamp_utc"`
	SealedRootHash string  `json:"sealed_root_hash"`
	RootHashMatch  bool    `json:"root_hash_match"`
	Supersedes     *string `json:"supersedes"`
	// SupersededBy is set when the latest record is a later revision.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Recipe tells a third party how to reproduce a dataset.
type Recipe struct {
	RebuildCommand   string `json:"rebuild_command"`
	ReplayCommand    string `json:"replay_command"`
	ExpectedRootHash string `json:"expected_root_hash"`
}

// DatasetReport is the result of a dataset lookup. Vault is nil when no
// record seals the dataset.
type DatasetReport struct {
	DatasetID          string               `json:"dataset_eve_id"`
	MethodologyVersion string               `json:"methodology_version"`
	Scope              string               `json:"scope"`
	PeriodStart        string               `json:"period_start"`
	PeriodEnd          string               `json:"period_end"`
	RootHash           string               `json:"root_hash"`
	TotalRows          int                  `json:"total_rows"`
	TotalFiles         int                  `json:"total_files"`
	SourceRefs         []manifest.SourceRef `json:"source_refs"`
	Vault              *VaultStatus         `json:"vault"`
	Files              []manifest.FileEntry `json:"files"`
	Validation         manifest.Validation  `json:"validation"`
	Verify             Recipe               `json:"verify"`
}

// Err returns an *IntegrityError when the dataset is unsealed or its sealed
// root differs from the manifest.
func (r *DatasetReport) Err() error {
	switch {
	case r.Vault == nil:
		return &IntegrityError{Code: CodeNotSealed, Detail: "no vault record seals " + r.DatasetID}
	case !r.Vault.RootHashMatch:
		return &IntegrityError{
			Code:     CodeRootHashMismatch,
			Detail:   fmt.Sprintf("vault record %d does not seal the manifest root of %s", r.Vault.EventIndex, r.DatasetID),
			Expected: r.Vault.SealedRootHash,
			Actual:   r.RootHash,
		}
	}
	return nil
}

// ReportLookup is the result of a report lookup.
type ReportLookup struct {
	Status  string            `json:"status"`
	Report  vault.ReportEntry `json:"report"`
	Dataset ReportDataset     `json:"dataset"`
	Chain   ReportChain       `json:"chain"`
	Rebuild ReportRebuild     `json:"rebuild"`
}

// ReportDataset links a report back to its dataset lookup.
type ReportDataset struct {
	DatasetID string `json:"dataset_eve_id"`
	RootHash  string `json:"root_hash"`
	AuditURL  string `json:"audit_url"`
}

// ReportChain is the ledger position of a report.
type ReportChain struct {
	EventIndex int64   `json:"event_index"`
	EventHash  string  `json:"event_hash"`
	ChainHash  string  `json:"chain_hash"`
	PrevHash   *string `json:"prev_hash"`
}

// ReportRebuild reproduces the dataset a report was derived from.
type ReportRebuild struct {
	Command string `json:"command"`
}

// ChainStatus is the replay outcome of both ledgers.
type ChainStatus struct {
	vault.ChainReport
	Reports vault.ChainReport `json:"reports"`
}

// Err returns an *IntegrityError naming the first broken ledger.
func (c ChainStatus) Err() error {
	if err := c.ChainReport.Err(); err != nil {
		return &IntegrityError{Code: CodeChainBroken, Detail: "dataset vault: " + err.Error()}
	}
	if err := c.Reports.Err(); err != nil {
		return &IntegrityError{Code: CodeChainBroken, Detail: "report vault: " + err.Error()}
	}
	return nil
}

// Options configures a Service.
type Options struct {
	// AuditPath prefixes audit_url links; default /audit/dataset/.
	AuditPath string
	// IndexTTL caches the dataset ledger between lookups; 0 disables.
	IndexTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service answers audit queries.
type Service struct {
	manifests *manifest.Store
	datasets  *vault.DatasetVault
	reports   *vault.ReportVault
	index     *cache.TTL[[]vault.Record]
	cached    bool
	auditPath string
	logger    *slog.Logger
}

// NewService returns a service over the given stores.
func NewService(manifests *manifest.Store, datasets *vault.DatasetVault, reports *vault.ReportVault, opts Options) *Service {
	if opts.AuditPath == "" {
		opts.AuditPath = "/audit/dataset/"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		manifests: manifests,
		datasets:  datasets,
		reports:   reports,
		auditPath: opts.AuditPath,
		logger:    opts.Logger,
	}
	s.index = cache.New[[]vault.Record](opts.IndexTTL, datasets.Records, opts.Now)
	s.cached = opts.IndexTTL > 0
	return s
}

// RebuildCommand is the ingestion invocation that rebuilds id.
func RebuildCommand(id manifest.DatasetID) string {
	cmd := fmt.Sprintf("eve ingest --zone %s --from %s --to %s", id.Zone, id.Period, id.Period)
	if id.Revision > 1 {
		cmd += fmt.Sprintf(" --revision %d", id.Revision)
	}
	return cmd
}

// ReplayCommand re-derives id offline from its retained raw payloads.
func ReplayCommand(id string) string {
	return "eve verify --dataset " + id + " --replay"
}

// Dataset looks up id: its manifest, then the latest vault record sealing it
// or superseding it.
func (s *Service) Dataset(ctx context.Context, id string) (*DatasetReport, error) {
	parsed, err := manifest.ParseDatasetID(id)
	if err != nil {
		return nil, datasetNotFound(id)
	}
	m, err := s.manifests.FindByID(id)
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, datasetNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: manifests: %w", err)
	}

	rec, err := s.latest(ctx, id, m.RootHash)
	if err != nil {
		return nil, err
	}

	rep := &DatasetReport{
		DatasetID:          m.DatasetID,
		MethodologyVersion: m.MethodologyVersion,
		Scope:              m.Scope,
		PeriodStart:        m.PeriodStart,
		PeriodEnd:          m.PeriodEnd,
		RootHash:           m.RootHash,
		TotalRows:          m.TotalRows,
		TotalFiles:         m.TotalFiles,
		SourceRefs:         m.SourceRefs,
		Files:              m.Files,
		Validation:         m.Validation,
		Verify: Recipe{
			RebuildCommand:   RebuildCommand(parsed),
			ReplayCommand:    ReplayCommand(id),
			ExpectedRootHash: m.RootHash,
		},
	}
	if rec != nil {
		vs := &VaultStatus{
			EventIndex:     rec.EventIndex,
			ChainHash:      rec.ChainHash,
			PrevHash:       rec.PrevHash,
			TimestampUTC:   rec.Timestamp,
			SealedRootHash: rec.Event.RootHash,
			RootHashMatch:  rec.Event.RootHash == m.RootHash,
		}
		if rec.Event.Supersedes != "" {
			sup := rec.Event.Supersedes
			vs.Supersedes = &sup
		}
		if rec.Event.DatasetID != id {
			vs.SupersededBy = rec.Event.DatasetID
		}
		rep.Vault = vs
		if !vs.RootHashMatch {
			s.logger.WarnContext(ctx, "sealed root hash differs from manifest",
				"dataset_eve_id", id, "event_index", rec.EventIndex,
				"sealed_root_hash", rec.Event.RootHash, "manifest_root_hash", m.RootHash)
		}
	}
	return rep, nil
}

// latest finds the newest record for id. A cached ledger that misses id or
// disagrees with the manifest is reloaded once before answering.
func (s *Service) latest(ctx context.Context, id, rootHash string) (*vault.Record, error) {
	find := func(recs []vault.Record) *vault.Record {
		for i := len(recs) - 1; i >= 0; i-- {
			ev := recs[i].Event
			if ev.DatasetID == id || ev.Supersedes == id {
				r := recs[i]
				return &r
			}
		}
		return nil
	}
	recs, err := s.index.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: dataset vault: %w", err)
	}
	rec := find(recs)
	if !s.cached || (rec != nil && rec.Event.RootHash == rootHash) {
		return rec, nil
	}
	s.index.Invalidate()
	if recs, err = s.index.Get(ctx); err != nil {
		return nil, fmt.Errorf("audit: dataset vault: %w", err)
	}
	return find(recs), nil
}

// Report looks up a sealed document by its content hash.
func (s *Service) Report(ctx context.Context, hash string) (*ReportLookup, error) {
	if !canonicalize.IsHexDigest(hash) {
		return nil, reportNotFound(hash)
	}
	rec, err := s.reports.Find(ctx, hash)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, reportNotFound(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: report vault: %w", err)
	}

	out := &ReportLookup{
		Status: "verified",
		Report: rec.ReportEntry,
		Dataset: ReportDataset{
			DatasetID: rec.DatasetID,
			RootHash:  rec.RootHash,
			AuditURL:  s.auditPath + url.PathEscape(rec.DatasetID),
		},
		Chain: ReportChain{
			EventIndex: rec.EventIndex,
			EventHash:  rec.EventHash,
			ChainHash:  rec.ChainHash,
			PrevHash:   rec.PrevHash,
		},
	}
	if id, err := manifest.ParseDatasetID(rec.DatasetID); err == nil {
		out.Rebuild.Command = RebuildCommand(id)
	}
	return out, nil
}

// Chain replays both ledgers.
func (s *Service) Chain(ctx context.Context) ChainStatus {
	return ChainStatus{
		ChainReport: s.datasets.Verify(ctx),
		Reports:     s.reports.Verify(ctx),
	}
}
