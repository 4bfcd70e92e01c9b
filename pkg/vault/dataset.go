package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("vault record not found")

// Event is the sealed payload of a dataset record.
type Event struct {
	DatasetID          string               `json:"dataset_eve_id"`
	RootHash           string               `json:"root_hash"`
	MethodologyVersion string               `json:"methodology_version"`
	Scope              string               `json:"scope"`
	PeriodStart        string               `json:"period_start"`
	PeriodEnd          string               `json:"period_end"`
	SourceRefs         []manifest.SourceRef `json:"source_refs"`
	Supersedes         string               `json:"supersedes,omitempty"`
}

// EventFromManifest builds the sealing event for m.
func EventFromManifest(m *manifest.Manifest) Event {
	refs := m.SourceRefs
	if refs == nil {
		refs = []manifest.SourceRef{}
	}
	return Event{
		DatasetID:          m.DatasetID,
		RootHash:           m.RootHash,
		MethodologyVersion: m.MethodologyVersion,
		Scope:              m.Scope,
		PeriodStart:        m.PeriodStart,
		PeriodEnd:          m.PeriodEnd,
		SourceRefs:         refs,
		Supersedes:         m.Supersedes,
	}
}

// Record is one line of the dataset vault.
type Record struct {
	EventIndex int64   `json:"event_index"`
	PrevHash   *string `json:"prev_hash"`
	EventHash  string  `json:"event_hash"`
	ChainHash  string  `json:"chain_hash"`
	Timestamp  string  `json:"timestamp_utc"`
	Event      Event   `json:"event"`
}

type storedRecord struct {
	EventIndex *int64          `json:"event_index"`
	PrevHash   *string         `json:"prev_hash"`
	EventHash  string          `json:"event_hash"`
	ChainHash  string          `json:"chain_hash"`
	Timestamp  string          `json:"timestamp_utc"`
	Event      json.RawMessage `json:"event"`
}

// Option configures a vault.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// DatasetVault seals manifest events.
type DatasetVault struct {
	backend Backend
	opts    options
}

// NewDatasetVault returns a vault over backend.
func NewDatasetVault(b Backend, opts ...Option) *DatasetVault {
	return &DatasetVault{backend: b, opts: buildOptions(opts)}
}

// Append seals ev as the next record.
func (v *DatasetVault) Append(ctx context.Context, ev Event) (Record, error) {
	if ev.DatasetID == "" || !canonicalize.IsHexDigest(ev.RootHash) {
		return Record{}, fmt.Errorf("vault: event needs a dataset id and a sha256 root hash")
	}
	if ev.SourceRefs == nil {
		ev.SourceRefs = []manifest.SourceRef{}
	}
	eventHash, err := canonicalize.CanonicalHash(ev)
	if err != nil {
		return Record{}, err
	}

	var rec Record
	err = v.backend.Append(ctx, func(head *Line) (Line, error) {
		rec = Record{
			EventHash: eventHash,
			Timestamp: v.opts.now().UTC().Format(TimestampLayout),
			Event:     ev,
		}
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
		return Record{}, err
	}
	v.opts.logger.Info("dataset sealed",
		"dataset_eve_id", ev.DatasetID,
		"event_index", rec.EventIndex,
		"root_hash", ev.RootHash,
		"chain_hash", rec.ChainHash,
	)
	return rec, nil
}

func decodeRecord(data []byte) (Record, storedRecord, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return Record{}, s, err
	}
	if s.EventIndex == nil {
		return Record{}, s, errors.New("missing event_index")
	}
	var ev Event
	if err := json.Unmarshal(s.Event, &ev); err != nil {
		return Record{}, s, fmt.Errorf("event: %w", err)
	}
	return Record{
		EventIndex: *s.EventIndex,
		PrevHash:   s.PrevHash,
		EventHash:  s.EventHash,
		ChainHash:  s.ChainHash,
		Timestamp:  s.Timestamp,
		Event:      ev,
	}, s, nil
}

// Records returns every record in index order.
func (v *DatasetVault) Records(ctx context.Context) ([]Record, error) {
	lines, err := v.backend.Lines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(lines))
	for i, l := range lines {
		r, _, err := decodeRecord(l.Data)
		if err != nil {
			return nil, fmt.Errorf("vault line %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Latest returns the most recent record whose event seals datasetID or
// declares that it supersedes datasetID.
func (v *DatasetVault) Latest(ctx context.Context, datasetID string) (*Record, error) {
	recs, err := v.Records(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		ev := recs[i].Event
		if ev.DatasetID == datasetID || ev.Supersedes == datasetID {
			r := recs[i]
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, datasetID)
}

// Verify replays the chain over the stored payloads.
func (v *DatasetVault) Verify(ctx context.Context) ChainReport {
	lines, err := v.backend.Lines(ctx)
	if err != nil {
		return ChainReport{Detail: fmt.Sprintf("read vault: %v", err)}
	}
	links := make([]link, len(lines))
	for i, l := range lines {
		_, s, err := decodeRecord(l.Data)
		if err != nil {
			links[i] = link{err: err}
			continue
		}
		computed, err := hashRaw(s.Event)
		links[i] = link{
			index:     *s.EventIndex,
			prevHash:  s.PrevHash,
			eventHash: s.EventHash,
			chainHash: s.ChainHash,
			computed:  computed,
			err:       err,
		}
	}
	return verifyLinks(links)
}

// Close releases the backend.
func (v *DatasetVault) Close() error { return v.backend.Close() }
