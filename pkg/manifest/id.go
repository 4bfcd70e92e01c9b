package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDHint describes the dataset id shape for error responses.
const IDHint = "dataset ids look like EVE-{ZONE}-{YYYY-MM} or EVE-{ZONE}-{YYYY-MM}-R{n} for revisions, e.g. EVE-SE3-2026-02"

// ErrInvalidDatasetID is returned by ParseDatasetID for malformed ids.
var ErrInvalidDatasetID = errors.New("invalid dataset id")

var idPattern = regexp.MustCompile(`^EVE-([A-Z]{2}[A-Z0-9_]{0,6})-(\d{4})-(0[1-9]|1[0-2])(?:-R([1-9]\d*))?$`)

var zonePattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9_]{0,6}$`)

// DatasetID is the parsed form of a dataset id. The zone is the scope of the
// dataset and selects the directory its manifest lives in.
type DatasetID struct {
	Zone     string
	Period   string // YYYY-MM
	Revision int    // 1 for the first build
}

// ParseDatasetID parses s. Revision suffixes below 2 are rejected so every
// dataset has exactly one spelling.
func ParseDatasetID(s string) (DatasetID, error) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return DatasetID{}, fmt.Errorf("%w %q: %s", ErrInvalidDatasetID, s, IDHint)
	}
	id := DatasetID{Zone: m[1], Period: m[2] + "-" + m[3], Revision: 1}
	if m[4] != "" {
		n, err := strconv.Atoi(m[4])
		if err != nil || n < 2 {
			return DatasetID{}, fmt.Errorf("%w %q: revision suffix must be R2 or higher", ErrInvalidDatasetID, s)
		}
		id.Revision = n
	}
	return id, nil
}

// FormatDatasetID builds the id for zone, period and revision.
func FormatDatasetID(zone, period string, revision int) (string, error) {
	if !ValidZone(zone) {
		return "", fmt.Errorf("%w: zone %q", ErrInvalidDatasetID, zone)
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		return "", fmt.Errorf("%w: period %q", ErrInvalidDatasetID, period)
	}
	if revision < 1 {
		return "", fmt.Errorf("%w: revision %d", ErrInvalidDatasetID, revision)
	}
	return DatasetID{Zone: zone, Period: period, Revision: revision}.String(), nil
}

// ValidZone reports whether zone can appear in a dataset id.
func ValidZone(zone string) bool { return zonePattern.MatchString(zone) }

func (d DatasetID) String() string {
	if d.Revision > 1 {
		return fmt.Sprintf("EVE-%s-%s-R%d", d.Zone, d.Period, d.Revision)
	}
	return fmt.Sprintf("EVE-%s-%s", d.Zone, d.Period)
}

// Supersedes returns the id of the previous revision, or "" for revision 1.
func (d DatasetID) Supersedes() string {
	if d.Revision <= 1 {
		return ""
	}
	prev := d
	prev.Revision--
	return prev.String()
}

// PeriodBounds returns the first and last delivery date of the period.
func (d DatasetID) PeriodBounds() (start, end string) {
	return MonthBounds(d.Period)
}

// MonthBounds returns the first and last date of month (YYYY-MM). The result
// is empty for a malformed month.
func MonthBounds(month string) (start, end string) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return "", ""
	}
	last := t.AddDate(0, 1, -1)
	return t.Format("2006-01-02"), last.Format("2006-01-02")
}
