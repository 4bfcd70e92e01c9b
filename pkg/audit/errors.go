package audit

import (
	"fmt"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
)

// ReportHashHint describes the report key shape for error responses.
const ReportHashHint = "report hashes are the 64-character lowercase hex SHA-256 of the sealed document bytes"

// Integrity error codes.
const (
	CodeRootHashMismatch = "root_hash_mismatch"
	CodeNotSealed        = "not_sealed"
	CodeChainBroken      = "chain_broken"
)

// IntegrityError reports a stored hash that does not match. It is never
// recovered from; callers surface it as is.
type IntegrityError struct {
	Code     string
	Detail   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("integrity: %s: %s (expected %s, got %s)", e.Code, e.Detail, e.Expected, e.Actual)
	}
	return fmt.Sprintf("integrity: %s: %s", e.Code, e.Detail)
}

// NotFoundError reports an unknown dataset id or report hash.
type NotFoundError struct {
	Kind string // "dataset" or "report"
	Key  string
	Hint string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found: %s", e.Kind, e.Key, e.Hint)
}

func datasetNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "dataset", Key: id, Hint: manifest.IDHint}
}

func reportNotFound(hash string) *NotFoundError {
	return &NotFoundError{Kind: "report", Key: hash, Hint: ReportHashHint}
}
