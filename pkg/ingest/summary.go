package ingest

import "github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"

// Status of one period in a run. StatusEmpty means no valid day existed and
// nothing was written.
type Status string

const (
	StatusSealed  Status = "sealed"
	StatusSkipped Status = "skipped"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// PeriodResult reports one period (month) of a run.
type PeriodResult struct {
	Period       string
	DatasetID    string
	Status       Status
	DaysValid    int
	DaysRejected int
	Rows         int
	RootHash     string
	Record       *vault.Record
	Err          error
}

// Summary reports a RunMonths call.
type Summary struct {
	RunID   string
	Periods []PeriodResult
}

// Count returns the number of periods with status s.
func (s Summary) Count(st Status) int {
	n := 0
	for _, p := range s.Periods {
		if p.Status == st {
			n++
		}
	}
	return n
}

// AnySucceeded reports whether at least one period was sealed or skipped as
// already sealed.
func (s Summary) AnySucceeded() bool {
	return s.Count(StatusSealed)+s.Count(StatusSkipped) > 0
}
