// Package vault is the append-only, hash-chained ledger that seals dataset
// and report events.
//
// Each record carries event_hash = H(JCS(event)) and
// chain_hash = H(event_hash || previous chain_hash), with the previous chain
// hash taken as the empty string for the genesis record. Verification replays
// this formula over every record in index order.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// ErrChainBroken is wrapped by ChainReport.Err when verification fails.
var ErrChainBroken = errors.New("vault chain broken")

// TimestampLayout is the format of timestamp_utc and created_at_utc.
const TimestampLayout = "2006-01-02T15:04:05Z"

// ChainHash links an event hash to the previous record's chain hash.
func ChainHash(eventHash string, prev *string) string {
	p := ""
	if prev != nil {
		p = *prev
	}
	return canonicalize.HashStrings(eventHash, p)
}

// hashRaw returns the event hash of an event as stored, so fields a decoder
// would drop still count.
func hashRaw(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing event payload")
	}
	b, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("jcs: %w", err)
	}
	return canonicalize.HashBytes(b), nil
}

// ChainReport is the outcome of replaying a ledger.
type ChainReport struct {
	Valid             bool   `json:"valid"`
	Records           int    `json:"records"`
	FirstInvalidIndex *int64 `json:"first_invalid_index,omitempty"`
	Detail            string `json:"detail,omitempty"`
	HeadChainHash     string `json:"head_chain_hash,omitempty"`
}

// Err returns nil for a valid chain.
func (r ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	if r.FirstInvalidIndex != nil {
		return fmt.Errorf("%w at index %d: %s", ErrChainBroken, *r.FirstInvalidIndex, r.Detail)
	}
	return fmt.Errorf("%w: %s", ErrChainBroken, r.Detail)
}

// link is the chain-relevant projection of one stored record.
type link struct {
	index     int64
	prevHash  *string
	eventHash string
	chainHash string
	computed  string // event hash recomputed from the stored payload
	err       error
}

func verifyLinks(links []link) ChainReport {
	rep := ChainReport{Valid: true, Records: len(links)}
	fail := func(idx int64, format string, args ...any) ChainReport {
		rep.Valid = false
		rep.FirstInvalidIndex = &idx
		rep.Detail = fmt.Sprintf(format, args...)
		rep.HeadChainHash = ""
		return rep
	}

	var prev *string
	for i, l := range links {
		want := int64(i)
		if l.err != nil {
			return fail(want, "cannot read record: %v", l.err)
		}
		if l.index != want {
			return fail(want, "event_index %d, expected %d", l.index, want)
		}
		switch {
		case prev == nil && l.prevHash != nil:
			return fail(want, "genesis record has prev_hash %s", *l.prevHash)
		case prev != nil && (l.prevHash == nil || *l.prevHash != *prev):
			return fail(want, "prev_hash does not match chain_hash of index %d", want-1)
		}
		if l.computed != l.eventHash {
			return fail(want, "event_hash mismatch: stored %s, recomputed %s", l.eventHash, l.computed)
		}
		if c := ChainHash(l.eventHash, prev); c != l.chainHash {
			return fail(want, "chain_hash mismatch: stored %s, recomputed %s", l.chainHash, c)
		}
		ch := l.chainHash
		prev = &ch
	}
	if prev != nil {
		rep.HeadChainHash = *prev
	}
	return rep
}
