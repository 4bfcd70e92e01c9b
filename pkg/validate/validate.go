// Package validate applies the fail-closed acceptance gate to one delivery
// day of canonical rows. Any error rejects the whole day; warnings are kept
// for the manifest but do not block it.
package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
)

// Accepted price band, in the currency per energy unit of the rows.
const (
	MinPrice = -500.0
	MaxPrice = 5000.0
)

// Expected row counts.
const (
	MinRows      = 23
	ExpectedRows = 24
	MaxRows      = 25
)

// Rule identifies a validation rule.
type Rule string

const (
	RuleRowCount     Rule = "row_count"
	RuleDSTRowCount  Rule = "dst_row_count"
	RuleMissingPrice Rule = "missing_price"
	RuleDuplicateHr  Rule = "duplicate_hour"
	RulePriceRange   Rule = "price_range"
	RuleWrongDate    Rule = "wrong_date"
)

// Issue is one finding.
type Issue struct {
	Rule   Rule   `json:"rule"`
	Hour   *int   `json:"hour,omitempty"`
	Detail string `json:"detail"`
}

func (i Issue) String() string {
	if i.Hour != nil {
		return fmt.Sprintf("%s (hour %d): %s", i.Rule, *i.Hour, i.Detail)
	}
	return fmt.Sprintf("%s: %s", i.Rule, i.Detail)
}

// Result is the verdict for one day.
type Result struct {
	Date     string  `json:"date"`
	Rows     int     `json:"rows"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// OK reports whether the day passed.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Rules returns the distinct names of the violated rules, sorted.
func (r Result) Rules() []string {
	seen := map[Rule]bool{}
	var out []string
	for _, is := range r.Errors {
		if !seen[is.Rule] {
			seen[is.Rule] = true
			out = append(out, string(is.Rule))
		}
	}
	sort.Strings(out)
	return out
}

// Err returns a *ValidationError when the day failed, nil otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Date: r.Date, Issues: r.Errors}
}

// ValidationError rejects a whole delivery day.
type ValidationError struct {
	Date   string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Date, strings.Join(parts, "; "))
}

// Day checks the rows of one delivery date.
func Day(date string, rows []canonical.Row) Result {
	res := Result{Date: date, Rows: len(rows)}
	transition := canonical.IsTransitionDay(date)

	switch n := len(rows); {
	case n == ExpectedRows:
	case n == MinRows || n == MaxRows:
		if transition {
			res.Warnings = append(res.Warnings, Issue{Rule: RuleDSTRowCount,
				Detail: fmt.Sprintf("%d rows on daylight-saving transition day", n)})
		} else {
			res.Errors = append(res.Errors, Issue{Rule: RuleRowCount,
				Detail: fmt.Sprintf("%d rows, want %d outside daylight-saving transitions", n, ExpectedRows)})
		}
	default:
		res.Errors = append(res.Errors, Issue{Rule: RuleRowCount,
			Detail: fmt.Sprintf("%d rows, want %d..%d", n, MinRows, MaxRows)})
	}

	hours := make(map[int]int, len(rows))
	for _, r := range rows {
		hour := r.DeliveryHour
		if r.DeliveryDate != date {
			res.Errors = append(res.Errors, Issue{Rule: RuleWrongDate, Hour: &hour,
				Detail: fmt.Sprintf("row dated %s", r.DeliveryDate)})
		}
		hours[hour]++
		if hours[hour] == 2 {
			res.Errors = append(res.Errors, Issue{Rule: RuleDuplicateHr, Hour: &hour,
				Detail: "more than one row for this hour"})
		}
		switch {
		case r.Price == nil || math.IsNaN(*r.Price):
			res.Errors = append(res.Errors, Issue{Rule: RuleMissingPrice, Hour: &hour,
				Detail: "price is null or NaN"})
		case *r.Price < MinPrice || *r.Price > MaxPrice:
			res.Errors = append(res.Errors, Issue{Rule: RulePriceRange, Hour: &hour,
				Detail: fmt.Sprintf("price %g outside [%g, %g]", *r.Price, MinPrice, MaxPrice)})
		}
	}
	return res
}
