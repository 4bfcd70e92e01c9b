// Package canonical turns one delivery day of raw day-ahead prices into
// canonical, hour-aligned rows and persists them as deterministic NDJSON.
//
// A canonical file holds one period (a calendar month) for one scope. It is
// always deduplicated on (dataset, delivery date, delivery hour), sorted by
// timestamp, and every line is the JCS form of a sealed Row, so byte equality
// of two files means equality of the data.
package canonical

import (
	"fmt"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// Resolution is an ISO 8601 duration code for a price series.
type Resolution string

const (
	PT15M Resolution = "PT15M"
	PT60M Resolution = "PT60M"
)

// Aggregation names how a canonical hour was derived from source entries.
type Aggregation string

const (
	AggregationNone Aggregation = "none"
	AggregationMean Aggregation = "mean_4x15"
)

// RetrievedAtLayout is the wire format of retrieved_at_utc.
const RetrievedAtLayout = "2006-01-02T15:04:05Z"

// Row is one delivery-hour observation. Rows are created once during ingestion
// and never mutated; a day is superseded only by replacing all of its rows.
type Row struct {
	Timestamp           string      `json:"timestamp"`
	DeliveryDate        string      `json:"delivery_date"`
	DeliveryHour        int         `json:"delivery_hour"`
	Price               *float64    `json:"price"`
	Currency            string      `json:"currency"`
	Unit                string      `json:"unit"`
	Market              string      `json:"market"`
	Area                string      `json:"area"`
	Source              string      `json:"source"`
	SourceResolution    Resolution  `json:"source_resolution"`
	CanonicalResolution Resolution  `json:"canonical_resolution"`
	Aggregation         Aggregation `json:"aggregation"`
	RetrievedAt         string      `json:"retrieved_at_utc"`
	DatasetID           string      `json:"dataset_eve_id"`
	RawSHA256           string      `json:"raw_sha256"`
	RowSHA256           string      `json:"row_sha256,omitempty"`
}

// RowHash returns the content hash of r: SHA-256 over the JCS form of every
// field except row_sha256 itself.
func RowHash(r Row) (string, error) {
	r.RowSHA256 = ""
	h, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return "", fmt.Errorf("row %s: %w", r.Timestamp, err)
	}
	return h, nil
}

// Seal stores the content hash in r.
func Seal(r *Row) error {
	h, err := RowHash(*r)
	if err != nil {
		return err
	}
	r.RowSHA256 = h
	return nil
}

// SealAll seals every row in place.
func SealAll(rows []Row) error {
	for i := range rows {
		if err := Seal(&rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// VerifyRow recomputes the row hash and compares it with the stored value.
func VerifyRow(r Row) error {
	h, err := RowHash(r)
	if err != nil {
		return err
	}
	if h != r.RowSHA256 {
		return fmt.Errorf("row %s: stored hash %s, recomputed %s", r.Timestamp, r.RowSHA256, h)
	}
	return nil
}

// Key is the uniqueness key of a row inside a canonical file.
type Key struct {
	DatasetID string
	Date      string
	Hour      int
}

// KeyOf returns the uniqueness key of r.
func KeyOf(r Row) Key {
	return Key{DatasetID: r.DatasetID, Date: r.DeliveryDate, Hour: r.DeliveryHour}
}
