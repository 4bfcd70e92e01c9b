package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/dayahead"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/ingest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/observability"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/util/resiliency"
)

// runIngestCmd implements `eve ingest`.
//
// Month-range mode (--from/--to) keeps going past failed months and exits 0
// when at least one month is sealed or already sealed. Single-date mode
// (--date) merges one day into the latest revision of its month and exits 1
// when that day is rejected.
//
// Exit codes:
//
//	0 = dataset sealed (or already sealed)
//	1 = nothing sealed: every month empty, or the date rejected
//	2 = usage or runtime error
func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		zone       string
		from, to   string
		date       string
		force      bool
		revision   int
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&zone, "zone", "SE3", "Delivery area / bidding zone")
	cmd.StringVar(&from, "from", "", "First month, YYYY-MM")
	cmd.StringVar(&to, "to", "", "Last month, YYYY-MM (default: --from)")
	cmd.StringVar(&date, "date", "", "Single delivery date, YYYY-MM-DD")
	cmd.BoolVar(&force, "force", false, "Re-fetch months that already have a clean manifest")
	cmd.IntVar(&revision, "revision", 1, "Dataset revision; 2 and above supersede the previous revision")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	revisionSet := false
	cmd.Visit(func(f *flag.Flag) {
		if f.Name == "revision" {
			revisionSet = true
		}
	})
	switch {
	case date != "" && (from != "" || to != ""):
		_, _ = fmt.Fprintln(stderr, "Error: --date cannot be combined with --from/--to")
		return 2
	case date != "" && revisionSet:
		_, _ = fmt.Fprintln(stderr, "Error: --date merges into the latest revision of its month and cannot be combined with --revision")
		return 2
	case date == "" && from == "":
		_, _ = fmt.Fprintln(stderr, "Error: --from YYYY-MM or --date YYYY-MM-DD is required")
		return 2
	}
	if to == "" {
		to = from
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()
	cfg := rt.cfg

	raw, err := rt.rawStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	src, err := dayahead.LookupSource(cfg.Source.Name)
	if err != nil {
		// unregistered publishers are allowed; refs then carry the name only
		src = dayahead.Source{Name: cfg.Source.Name, URL: cfg.Source.BaseURL}
	}
	httpClient := resiliency.NewEnhancedClient(resiliency.NewHTTPClient(cfg.Source.Timeout), resiliency.Options{
		Timeout:    cfg.Source.Timeout,
		MaxRetries: cfg.Source.MaxRetries,
	})
	client := dayahead.NewClient(httpClient, dayahead.Config{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Source:    src,
		Logger:    rt.logger,
	})

	tel, err := observability.New(ctx, observability.Config{
		ServiceName:    "eve-ingest",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	}, rt.logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	p, err := ingest.New(client, raw, rt.manifests, rt.vaults.Datasets, ingest.Options{
		DataRoot:           cfg.DataRoot,
		MethodologyVersion: cfg.MethodologyVersion,
		DayDelay:           cfg.Pacing.DayDelay,
		MonthDelay:         cfg.Pacing.MonthDelay,
		Force:              force,
		Revision:           revision,
		Out:                stdout,
		Logger:             rt.logger,
		Telemetry:          tel,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if date != "" {
		res, err := p.RunDate(ctx, zone, date)
		if err == nil {
			return 0
		}
		if res.Status == ingest.StatusFailed {
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	sum, err := p.RunMonths(ctx, zone, from, to)
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(stdout, "run %s: %d sealed, %d skipped, %d empty, %d failed\n",
			sum.RunID, sum.Count(ingest.StatusSealed), sum.Count(ingest.StatusSkipped),
			sum.Count(ingest.StatusEmpty), sum.Count(ingest.StatusFailed))
		return 0
	case errors.Is(err, ingest.ErrNothingWritten):
		_, _ = fmt.Fprintf(stdout, "❌ run %s: no month produced a dataset\n", sum.RunID)
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
}
