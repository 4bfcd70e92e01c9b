// Package ingest runs the evidence pipeline: fetch each delivery day,
// canonicalize, validate, write the period file, build the manifest and seal
// it in the dataset vault. Runs are sequential; one day is the unit of
// acceptance and one period the unit of writing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/dayahead"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/observability"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// ErrNothingWritten is returned when a run produced no dataset at all.
var ErrNothingWritten = errors.New("ingest: no period produced a dataset")

// Fetcher retrieves one delivery day. *dayahead.Client satisfies it.
type Fetcher interface {
	FetchDay(ctx context.Context, date, area string) (*dayahead.Fetch, error)
	Source() dayahead.Source
}

// Options configures a Pipeline.
type Options struct {
	DataRoot           string
	MethodologyVersion string
	DayDelay           time.Duration
	MonthDelay         time.Duration
	// Force re-fetches periods that already have a clean manifest.
	Force bool
	// Revision numbers the datasets built by month runs; 0 means 1.
	Revision int

	Out       io.Writer
	Logger    *slog.Logger
	Telemetry *observability.Provider
	Now       func() time.Time
	// Sleep waits between requests; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	fetcher   Fetcher
	raw       artifacts.Store
	manifests *manifest.Store
	vault     *vault.DatasetVault
	writer    *canonical.FileWriter

	opts   Options
	out    io.Writer
	logger *slog.Logger
	tel    *observability.Provider
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a pipeline. raw retains upstream payloads, including ones that
// fail to parse.
func New(f Fetcher, raw artifacts.Store, manifests *manifest.Store, v *vault.DatasetVault, opts Options) (*Pipeline, error) {
	if f == nil || raw == nil || manifests == nil || v == nil {
		return nil, errors.New("ingest: fetcher, artifact store, manifest store and vault are required")
	}
	if opts.DataRoot == "" {
		return nil, errors.New("ingest: data root is required")
	}
	if opts.Revision == 0 {
		opts.Revision = 1
	}
	if opts.Revision < 1 {
		return nil, fmt.Errorf("ingest: revision %d", opts.Revision)
	}
	p := &Pipeline{
		fetcher:   f,
		raw:       raw,
		manifests: manifests,
		vault:     v,
		writer:    canonical.NewFileWriter(),
		opts:      opts,
		out:       opts.Out,
		logger:    opts.Logger,
		tel:       opts.Telemetry,
		now:       opts.Now,
		sleep:     opts.Sleep,
	}
	if p.out == nil {
		p.out = io.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tel == nil {
		p.tel = observability.Noop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunMonths ingests every month from..to (YYYY-MM, inclusive). A failed month
// is reported and the run continues; the error is non-nil only when no month
// succeeded or ctx was cancelled.
func (p *Pipeline) RunMonths(ctx context.Context, zone, from, to string) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", sum.RunID, "zone", zone)

	months, err := monthRange(from, to)
	if err != nil {
		return sum, err
	}
	if !manifest.ValidZone(zone) {
		return sum, fmt.Errorf("%w: zone %q", manifest.ErrInvalidDatasetID, zone)
	}
	logger.Info("ingest run started", "from", from, "to", to, "months", len(months), "force", p.opts.Force, "revision", p.opts.Revision)

	for i, month := range months {
		if i > 0 {
			if err := p.sleep(ctx, p.opts.MonthDelay); err != nil {
				return sum, err
			}
		}
		res := p.runMonth(ctx, logger, zone, month)
		sum.Periods = append(sum.Periods, res)
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
	}

	logger.Info("ingest run finished", "sealed", sum.Count(StatusSealed), "skipped", sum.Count(StatusSkipped),
		"empty", sum.Count(StatusEmpty), "failed", sum.Count(StatusFailed))
	if !sum.AnySucceeded() {
		return sum, ErrNothingWritten
	}
	return sum, nil
}

func (p *Pipeline) runMonth(ctx context.Context, logger *slog.Logger, zone, month string) (res PeriodResult) {
	ctx, end := p.tel.TrackOperation(ctx, "ingest.month")
	defer func() { end(res.Err) }()

	res = PeriodResult{Period: month}
	idStr, err := manifest.FormatDatasetID(zone, month, p.opts.Revision)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	id, _ := manifest.ParseDatasetID(idStr)
	res.DatasetID = idStr
	logger = logger.With("dataset_eve_id", idStr)

	dates := p.deliveryDates(month)
	if len(dates) == 0 {
		res.Status = StatusEmpty
		fmt.Fprintf(p.out, "❌ %s: no published delivery days yet\n", idStr)
		return res
	}

	if !p.opts.Force {
		if existing, err := p.manifests.FindByID(idStr); err == nil && complete(existing, dates) && p.vaultSeals(ctx, logger, existing) {
			res.Status = StatusSkipped
			res.RootHash = existing.RootHash
			res.Rows = existing.TotalRows
			res.DaysValid = existing.Validation.DaysValid
			logger.Info("period already sealed with a clean manifest, skipping", "root_hash", existing.RootHash)
			fmt.Fprintf(p.out, "✅ %s: already sealed (%d rows), skipping\n", idStr, existing.TotalRows)
			return res
		}
	}

	var (
		rows       []canonical.Row
		validation manifest.Validation
	)
	for i, date := range dates {
		if i > 0 {
			if err := p.sleep(ctx, p.opts.DayDelay); err != nil {
				res.Status, res.Err = StatusFailed, err
				return res
			}
		}
		day := p.processDay(ctx, logger, zone, date, idStr)
		p.printDay(zone, day)
		if day.Issue != nil {
			validation.DaysRejected++
			validation.Issues = append(validation.Issues, *day.Issue)
			continue
		}
		validation.DaysValid++
		validation.Warnings = append(validation.Warnings, day.Warnings...)
		rows = append(rows, day.Rows...)
	}
	res.DaysValid, res.DaysRejected = validation.DaysValid, validation.DaysRejected

	if len(rows) == 0 {
		res.Status = StatusEmpty
		logger.Warn("no valid delivery days; nothing written", "days_rejected", validation.DaysRejected)
		fmt.Fprintf(p.out, "❌ %s: 0 valid days of %d, nothing written\n", idStr, len(dates))
		return res
	}

	rel := manifest.CanonicalRelPath(id)
	staged, err := p.writer.Stage(p.abs(rel), rows)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("write %s: %w", rel, err)
		fmt.Fprintf(p.out, "❌ %s: %v\n", idStr, res.Err)
		return res
	}
	return p.seal(ctx, logger, res, id, rel, staged, validation)
}

// RunDate re-ingests one delivery date and merges it into the canonical file
// of its month, replacing that date's rows. A rejected day writes nothing and
// is returned as an error.
func (p *Pipeline) RunDate(ctx context.Context, zone, date string) (res PeriodResult, err error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "zone", zone, "delivery_date", date)
	ctx, end := p.tel.TrackOperation(ctx, "ingest.date")
	defer func() { end(err) }()

	if _, perr := time.Parse("2006-01-02", date); perr != nil {
		return res, fmt.Errorf("ingest: date %q: %w", date, perr)
	}
	month := date[:7]
	res.Period = month

	var prior *manifest.Manifest
	idStr, err := manifest.FormatDatasetID(zone, month, p.opts.Revision)
	if err != nil {
		return res, err
	}
	if latest, lerr := p.manifests.Latest(zone, month); lerr == nil {
		prior, idStr = latest, latest.DatasetID
	} else if !errors.Is(lerr, manifest.ErrNotFound) {
		return res, lerr
	}
	id, _ := manifest.ParseDatasetID(idStr)
	res.DatasetID = idStr
	logger = logger.With("dataset_eve_id", idStr)

	day := p.processDay(ctx, logger, zone, date, idStr)
	p.printDay(zone, day)
	if day.Issue != nil {
		res.Status, res.DaysRejected = StatusFailed, 1
		res.Err = day.Err
		return res, day.Err
	}

	rel := manifest.CanonicalRelPath(id)
	staged, err := p.writer.StageDate(p.abs(rel), date, day.Rows)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res, fmt.Errorf("merge %s into %s: %w", date, rel, err)
	}

	validation := mergeValidation(prior, date, staged.Rows, day.Warnings)
	res.DaysValid, res.DaysRejected = validation.DaysValid, validation.DaysRejected
	res = p.seal(ctx, logger, res, id, rel, staged, validation)
	return res, res.Err
}

// seal builds the manifest of a staged file and appends it to the vault. The
// file and the manifest replace the current ones only after the append
// succeeds; on failure the staged bytes are discarded.
func (p *Pipeline) seal(ctx context.Context, logger *slog.Logger, res PeriodResult, id manifest.DatasetID, rel string, staged *canonical.Staged, validation manifest.Validation) PeriodResult {
	defer staged.Discard()
	fail := func(err error) PeriodResult {
		res.Status, res.Err = StatusFailed, err
		logger.Error("sealing failed", "error", err)
		fmt.Fprintf(p.out, "❌ %s: %v\n", res.DatasetID, err)
		return res
	}

	rows := staged.Rows
	start, endDate := id.PeriodBounds()
	m, err := manifest.Build(manifest.Input{
		DatasetID:          id.String(),
		MethodologyVersion: p.opts.MethodologyVersion,
		Scope:              id.Zone,
		PeriodStart:        start,
		PeriodEnd:          endDate,
		BuildTime:          p.now(),
		Supersedes:         id.Supersedes(),
		Files:              []manifest.FileEntry{{File: rel, SHA256: staged.SHA256, SizeBytes: staged.Size, Stage: manifest.StageCanonical}},
		TotalRows:          len(rows),
		SourceRefs:         manifest.SourceRefsFromRows(rows, p.lookupSource),
		Validation:         validation,
	})
	if err != nil {
		return fail(err)
	}
	if err := m.Validate(); err != nil {
		return fail(fmt.Errorf("manifest: %w", err))
	}
	rec, err := p.vault.Append(ctx, vault.EventFromManifest(m))
	if err != nil {
		return fail(fmt.Errorf("seal %s: %w", m.DatasetID, err))
	}
	p.tel.RecordSeal(ctx, "dataset")
	// a failure from here on leaves a manifest that the vault head does not
	// seal, so the next run re-ingests the period
	if err := staged.Commit(); err != nil {
		return fail(err)
	}
	if _, err := p.manifests.Write(m); err != nil {
		return fail(fmt.Errorf("write manifest: %w", err))
	}

	res.Status = StatusSealed
	res.Rows = m.TotalRows
	res.RootHash = m.RootHash
	res.Record = &rec
	logger.Info("dataset sealed", "root_hash", m.RootHash, "rows", m.TotalRows,
		"event_index", rec.EventIndex, "chain_hash", rec.ChainHash)
	marker := "✅"
	if !validation.Clean() {
		marker = "⚠"
	}
	fmt.Fprintf(p.out, "%s %s: %d valid days, %d rejected, %d rows, root_hash %s, vault #%d\n",
		marker, m.DatasetID, validation.DaysValid, validation.DaysRejected, m.TotalRows, m.RootHash, rec.EventIndex)
	return res
}

func (p *Pipeline) lookupSource(name string) (string, string) {
	if s, err := dayahead.LookupSource(name); err == nil {
		return s.URL, s.License
	}
	s := p.fetcher.Source()
	if s.Name == name {
		return s.URL, s.License
	}
	return "", ""
}

func (p *Pipeline) abs(rel string) string {
	return filepath.Join(p.opts.DataRoot, filepath.FromSlash(rel))
}

// deliveryDates lists the dates of month up to the market's local today.
func (p *Pipeline) deliveryDates(month string) []string {
	start, end := manifest.MonthBounds(month)
	if start == "" {
		return nil
	}
	today, _ := canonical.Bucket(p.now())
	var out []string
	d, _ := time.Parse("2006-01-02", start)
	for s := start; s <= end && s <= today; s = d.Format("2006-01-02") {
		out = append(out, s)
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// vaultSeals reports whether the latest vault record for m's dataset id seals
// m's root hash.
func (p *Pipeline) vaultSeals(ctx context.Context, logger *slog.Logger, m *manifest.Manifest) bool {
	recs, err := p.vault.Records(ctx)
	if err != nil {
		logger.Warn("cannot read dataset vault; period will be re-ingested", "error", err)
		return false
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Event.DatasetID == m.DatasetID {
			if recs[i].Event.RootHash == m.RootHash {
				return true
			}
			break
		}
	}
	logger.Warn("manifest root is not sealed in the vault; period will be re-ingested", "root_hash", m.RootHash)
	return false
}

// complete reports whether m is clean and covers every date in dates.
func complete(m *manifest.Manifest, dates []string) bool {
	if !m.Validation.Clean() || m.TotalRows <= 0 {
		return false
	}
	have := make(map[string]bool, len(m.SourceRefs))
	for _, r := range m.SourceRefs {
		have[r.DeliveryDate] = true
	}
	for _, d := range dates {
		if !have[d] {
			return false
		}
	}
	return true
}

func monthRange(from, to string) ([]string, error) {
	f, err := time.Parse("2006-01", from)
	if err != nil {
		return nil, fmt.Errorf("ingest: --from %q: want YYYY-MM", from)
	}
	t, err := time.Parse("2006-01", to)
	if err != nil {
		return nil, fmt.Errorf("ingest: --to %q: want YYYY-MM", to)
	}
	if t.Before(f) {
		return nil, fmt.Errorf("ingest: --to %s is before --from %s", to, from)
	}
	var out []string
	for m := f; !m.After(t); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format("2006-01"))
	}
	return out, nil
}
