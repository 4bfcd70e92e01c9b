package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/dayahead"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/observability"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/validate"
)

// dayOutcome is the result of one delivery day. Exactly one of Rows or
// Issue is set.
type dayOutcome struct {
	Date      string
	Rows      []canonical.Row
	Warnings  []string
	warnRules []string
	Issue     *manifest.DayIssue
	Err       error
}

func (o *dayOutcome) reject(kind string, rules []string, err error, rawSHA string) {
	o.Rows = nil
	o.Err = err
	o.Issue = &manifest.DayIssue{
		Date:      o.Date,
		Kind:      kind,
		Rules:     rules,
		Detail:    err.Error(),
		RawSHA256: rawSHA,
	}
}

func (p *Pipeline) processDay(ctx context.Context, logger *slog.Logger, zone, date, datasetID string) (out dayOutcome) {
	out.Date = date
	defer func() {
		outcome := observability.OutcomeAccepted
		if out.Issue != nil {
			switch out.Issue.Kind {
			case manifest.IssueFetch:
				outcome = observability.OutcomeFetchFailed
			case manifest.IssueParse:
				outcome = observability.OutcomeParseFailed
			default:
				outcome = observability.OutcomeRejected
			}
		}
		p.tel.RecordDay(ctx, zone, outcome, len(out.Rows))
	}()

	f, err := p.fetcher.FetchDay(ctx, date, zone)
	if f != nil && len(f.Raw) > 0 {
		if _, perr := p.raw.Put(ctx, f.Raw); perr != nil {
			logger.Error("raw payload not retained", "delivery_date", date, "raw_sha256", f.RawSHA256, "error", perr)
			out.reject(manifest.IssueFetch, nil, fmt.Errorf("retain raw payload: %w", perr), f.RawSHA256)
			return out
		}
	}

	var pe *dayahead.ParseError
	switch {
	case errors.As(err, &pe):
		logger.Warn("day skipped: unparsable payload", "delivery_date", date, "raw_sha256", pe.RawSHA256, "error", err)
		out.reject(manifest.IssueParse, nil, err, pe.RawSHA256)
		return out
	case err != nil:
		logger.Warn("day skipped: fetch failed", "delivery_date", date, "error", err)
		out.reject(manifest.IssueFetch, nil, err, "")
		return out
	}

	rows, err := canonical.Canonicalize(f.DayInput(datasetID))
	if err != nil {
		logger.Warn("day skipped: canonicalization failed", "delivery_date", date, "error", err)
		out.reject(manifest.IssueParse, nil, err, f.RawSHA256)
		return out
	}

	res := validate.Day(date, rows)
	if !res.OK() {
		logger.Warn("day rejected", "delivery_date", date, "rules", res.Rules(), "raw_sha256", f.RawSHA256)
		out.reject(manifest.IssueValidation, res.Rules(), res.Err(), f.RawSHA256)
		return out
	}
	if err := canonical.SealAll(rows); err != nil {
		out.reject(manifest.IssueValidation, nil, err, f.RawSHA256)
		return out
	}

	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, date+": "+w.String())
		out.warnRules = append(out.warnRules, string(w.Rule))
	}
	out.Rows = rows
	logger.Debug("day accepted", "delivery_date", date, "rows", len(rows), "raw_sha256", f.RawSHA256)
	return out
}

func (p *Pipeline) printDay(zone string, d dayOutcome) {
	switch {
	case d.Issue == nil && len(d.warnRules) > 0:
		fmt.Fprintf(p.out, "⚠ %s %s: %d rows (%s)\n", d.Date, zone, len(d.Rows), strings.Join(d.warnRules, ", "))
	case d.Issue == nil:
		fmt.Fprintf(p.out, "✅ %s %s: %d rows\n", d.Date, zone, len(d.Rows))
	case d.Issue.Kind == manifest.IssueValidation && len(d.Issue.Rules) > 0:
		fmt.Fprintf(p.out, "❌ %s %s: rejected (%s)\n", d.Date, zone, strings.Join(d.Issue.Rules, ", "))
	default:
		fmt.Fprintf(p.out, "❌ %s %s: %s failed: %v\n", d.Date, zone, d.Issue.Kind, d.Err)
	}
}

// mergeValidation recomputes the validation block after date was replaced
// in a file whose previous manifest was prior.
func mergeValidation(prior *manifest.Manifest, date string, rows []canonical.Row, warnings []string) manifest.Validation {
	v := manifest.Validation{Issues: []manifest.DayIssue{}, Warnings: []string{}}
	if prior != nil {
		for _, is := range prior.Validation.Issues {
			if is.Date != date {
				v.Issues = append(v.Issues, is)
			}
		}
		for _, w := range prior.Validation.Warnings {
			if !strings.HasPrefix(w, date+":") {
				v.Warnings = append(v.Warnings, w)
			}
		}
	}
	v.Warnings = append(v.Warnings, warnings...)
	sort.Strings(v.Warnings)
	sort.Slice(v.Issues, func(i, j int) bool { return v.Issues[i].Date < v.Issues[j].Date })

	dates := map[string]bool{}
	for _, r := range rows {
		dates[r.DeliveryDate] = true
	}
	v.DaysValid = len(dates)
	v.DaysRejected = len(v.Issues)
	return v
}
