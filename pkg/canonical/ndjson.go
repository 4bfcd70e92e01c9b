package canonical

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// maxLineBytes bounds a single NDJSON line when decoding.
const maxLineBytes = 1 << 20

// SortRows orders rows by timestamp, then delivery date and hour, then dataset.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.DatasetID != b.DatasetID {
			return a.DatasetID < b.DatasetID
		}
		return a.RowSHA256 < b.RowSHA256
	})
}

// CheckUnique returns an error naming the first key that occurs twice.
func CheckUnique(rows []Row) error {
	seen := make(map[Key]struct{}, len(rows))
	for _, r := range rows {
		k := KeyOf(r)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("canonical: duplicate row %s %s hour %d", k.DatasetID, k.Date, k.Hour)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Encode serializes sealed rows to NDJSON: one JCS object per line, each line
// newline-terminated. Rows must already be sorted and sealed.
func Encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range rows {
		if r.RowSHA256 == "" {
			return nil, fmt.Errorf("canonical: row %s is not sealed", r.Timestamp)
		}
		line, err := canonicalize.JCS(r)
		if err != nil {
			return nil, fmt.Errorf("canonical: encode row %s: %w", r.Timestamp, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func hashOf(data []byte) string { return canonicalize.HashBytes(data) }

// Decode reads NDJSON rows. Unknown fields are rejected so that an injected
// field surfaces as a decode error instead of being silently dropped.
func Decode(r io.Reader) ([]Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var rows []Row
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		var row Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("canonical: line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("canonical: scan: %w", err)
	}
	return rows, nil
}
