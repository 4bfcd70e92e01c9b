package canonical

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Thresholds on the number of raw entries a day yields.
const (
	// MaxHourlyEntries is the largest count still treated as hourly data
	// (25 on the October transition day).
	MaxHourlyEntries = 25
)

// RawEntry is one source price for one delivery interval. Price is nil when the
// source published no value.
type RawEntry struct {
	Start time.Time
	Price *float64
}

// DayInput is everything the canonicalizer needs for one delivery day.
type DayInput struct {
	Date        string // requested delivery date, YYYY-MM-DD
	Area        string
	Market      string
	Currency    string
	Unit        string
	Source      string
	DatasetID   string
	RetrievedAt time.Time
	RawSHA256   string
	Entries     []RawEntry
}

// ErrNoEntries is returned when a day has nothing to canonicalize.
var ErrNoEntries = errors.New("canonical: no raw entries")

// Round2 rounds to two decimals with half-up semantics (JavaScript Math.round),
// matching the rounding of datasets already sealed in the store.
func Round2(x float64) float64 {
	return math.Floor(x*100+0.5) / 100
}

// InferResolution infers the source resolution from the number of entries.
func InferResolution(n int) Resolution {
	if n > MaxHourlyEntries {
		return PT15M
	}
	return PT60M
}

// Canonicalize maps a day of raw entries to canonical rows sorted by
// timestamp. Rows are returned unsealed: hashing happens after validation.
// Entries whose local bucket date differs from in.Date are discarded.
func Canonicalize(in DayInput) ([]Row, error) {
	if len(in.Entries) == 0 {
		return nil, fmt.Errorf("%s: %w", in.Date, ErrNoEntries)
	}
	if _, err := time.Parse("2006-01-02", in.Date); err != nil {
		return nil, fmt.Errorf("canonical: invalid delivery date %q: %w", in.Date, err)
	}

	// Arrival order must not influence the output, including float summation order.
	entries := make([]RawEntry, len(in.Entries))
	copy(entries, in.Entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Start.Before(entries[j].Start) })

	res := InferResolution(len(entries))
	var rows []Row
	if res == PT15M {
		rows = aggregate(in, entries)
	} else {
		rows = passThrough(in, entries)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return rows, nil
}

func passThrough(in DayInput, entries []RawEntry) []Row {
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		date, hour := Bucket(e.Start)
		if date != in.Date {
			continue
		}
		rows = append(rows, newRow(in, date, hour, e.Price, PT60M, AggregationNone))
	}
	return rows
}

type bucketKey struct {
	date string
	hour int
}

type bucketAcc struct {
	sum   float64
	n     int
	valid bool
}

func aggregate(in DayInput, entries []RawEntry) []Row {
	order := make([]bucketKey, 0, 25)
	acc := make(map[bucketKey]*bucketAcc)
	for _, e := range entries {
		date, hour := Bucket(e.Start)
		if date != in.Date {
			continue
		}
		k := bucketKey{date, hour}
		a, ok := acc[k]
		if !ok {
			a = &bucketAcc{valid: true}
			acc[k] = a
			order = append(order, k)
		}
		a.n++
		if e.Price == nil || math.IsNaN(*e.Price) {
			// One missing quarter poisons the hour; the validator rejects it.
			a.valid = false
			continue
		}
		a.sum += *e.Price
	}

	rows := make([]Row, 0, len(order))
	for _, k := range order {
		a := acc[k]
		var price *float64
		if a.valid {
			p := Round2(a.sum / float64(a.n))
			price = &p
		}
		rows = append(rows, newRow(in, k.date, k.hour, price, PT15M, AggregationMean))
	}
	return rows
}

func newRow(in DayInput, date string, hour int, price *float64, res Resolution, agg Aggregation) Row {
	if price != nil {
		p := *price
		price = &p
	}
	return Row{
		Timestamp:           PseudoUTC(date, hour),
		DeliveryDate:        date,
		DeliveryHour:        hour,
		Price:               price,
		Currency:            in.Currency,
		Unit:                in.Unit,
		Market:              in.Market,
		Area:                in.Area,
		Source:              in.Source,
		SourceResolution:    res,
		CanonicalResolution: PT60M,
		Aggregation:         agg,
		RetrievedAt:         in.RetrievedAt.UTC().Format(RetrievedAtLayout),
		DatasetID:           in.DatasetID,
		RawSHA256:           in.RawSHA256,
	}
}
