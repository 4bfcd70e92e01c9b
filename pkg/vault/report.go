package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// ReportEntry describes a generated document and the dataset snapshot it was
// derived from. All eight fields enter the event hash.
type ReportEntry struct {
	ReportHash   string `json:"report_hash"`
	DatasetID    string `json:"dataset_eve_id"`
	RootHash     string `json:"root_hash"`
	Zone         string `json:"zone"`
	PeriodStart  string `json:"period_start"`
	PeriodEnd    string `json:"period_end"`
	QueryCommand string `json:"query_command"`
	CreatedAt    string `json:"created_at_utc"`
}

// ReportRecord is one line of the report vault.
type ReportRecord struct {
	EventIndex int64 `json:"event_index"`
	ReportEntry
	PrevHash  *string `json:"prev_hash"`
	EventHash string  `json:"event_hash"`
	ChainHash string  `json:"chain_hash"`
}

var chainFields = []string{"event_index", "prev_hash", "event_hash", "chain_hash"}

// ReportVault seals generated documents.
type ReportVault struct {
	backend Backend
	opts    options
}

// NewReportVault returns a vault over backend.
func NewReportVault(b Backend, opts ...Option) *ReportVault {
	return &ReportVault{backend: b, opts: buildOptions(opts)}
}

// Append seals e. CreatedAt defaults to now.
func (v *ReportVault) Append(ctx context.Context, e ReportEntry) (ReportRecord, error) {
	if !canonicalize.IsHexDigest(e.ReportHash) {
		return ReportRecord{}, fmt.Errorf("vault: report hash %q is not a sha256 hex digest", e.ReportHash)
	}
	if e.DatasetID == "" || !canonicalize.IsHexDigest(e.RootHash) {
		return ReportRecord{}, errors.New("vault: report needs a dataset id and its root hash")
	}
	if e.CreatedAt == "" {
		e.CreatedAt = v.opts.now().UTC().Format(TimestampLayout)
	}
	eventHash, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return ReportRecord{}, err
	}

	var rec ReportRecord
	err = v.backend.Append(ctx, func(head *Line) (Line, error) {
		rec = ReportRecord{ReportEntry: e, EventHash: eventHash}
		if head != nil {
			prev := head.ChainHash
			rec.EventIndex = head.Index + 1
			rec.PrevHash = &prev
		}
		rec.ChainHash = ChainHash(eventHash, rec.PrevHash)
		data, err := json.Marshal(rec)
		if err != nil {
			return Line{}, err
		}
		return Line{Index: rec.EventIndex, ChainHash: rec.ChainHash, Data: data}, nil
	})
	if err != nil {
		return ReportRecord{}, err
	}
	v.opts.logger.Info("report sealed",
		"report_hash", e.ReportHash,
		"dataset_eve_id", e.DatasetID,
		"event_index", rec.EventIndex,
		"chain_hash", rec.ChainHash,
	)
	return rec, nil
}

// Records returns every record in index order.
func (v *ReportVault) Records(ctx context.Context) ([]ReportRecord, error) {
	lines, err := v.backend.Lines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReportRecord, 0, len(lines))
	for i, l := range lines {
		var r ReportRecord
		if err := json.Unmarshal(l.Data, &r); err != nil {
			return nil, fmt.Errorf("report vault line %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Find returns the most recent record for reportHash.
func (v *ReportVault) Find(ctx context.Context, reportHash string) (*ReportRecord, error) {
	recs, err := v.Records(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].ReportHash == reportHash {
			r := recs[i]
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportHash)
}

// Verify replays the chain. The event hash is recomputed from every stored
// field other than the chain fields, so an injected field breaks the chain.
func (v *ReportVault) Verify(ctx context.Context) ChainReport {
	lines, err := v.backend.Lines(ctx)
	if err != nil {
		return ChainReport{Detail: fmt.Sprintf("read report vault: %v", err)}
	}
	links := make([]link, len(lines))
	for i, l := range lines {
		links[i] = reportLink(l.Data)
	}
	return verifyLinks(links)
}

func reportLink(data []byte) link {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return link{err: err}
	}
	var hdr struct {
		EventIndex *int64  `json:"event_index"`
		PrevHash   *string `json:"prev_hash"`
		EventHash  string  `json:"event_hash"`
		ChainHash  string  `json:"chain_hash"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return link{err: err}
	}
	if hdr.EventIndex == nil {
		return link{err: errors.New("missing event_index")}
	}
	for _, k := range chainFields {
		delete(fields, k)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return link{err: err}
	}
	computed, err := hashRaw(payload)
	return link{
		index:     *hdr.EventIndex,
		prevHash:  hdr.PrevHash,
		eventHash: hdr.EventHash,
		chainHash: hdr.ChainHash,
		computed:  computed,
		err:       err,
	}
}

// Close releases the backend.
func (v *ReportVault) Close() error { return v.backend.Close() }
