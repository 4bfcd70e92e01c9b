// Package manifest builds, validates and stores the identity record of a
// sealed dataset period.
//
// The root hash binds the sorted (file, sha256) pairs of the period's files to
// the methodology version, scope and period bounds. Everything else in the
// manifest is descriptive and does not enter the hash.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// TimestampLayout is the format of build_timestamp_utc.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Stage of a file in the pipeline.
type Stage string

const (
	StageRaw       Stage = "raw"
	StageCanonical Stage = "canonical"
	StageDerived   Stage = "derived"
)

// FileEntry is one constituent file. File is relative to the data root and
// uses forward slashes.
type FileEntry struct {
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Stage     Stage  `json:"stage"`
}

// SourceRef records where one delivery day came from.
type SourceRef struct {
	Source       string `json:"source"`
	URL          string `json:"url"`
	License      string `json:"license"`
	DeliveryDate string `json:"delivery_date"`
	RawSHA256    string `json:"raw_sha256"`
	RetrievedAt  string `json:"retrieved_at_utc"`
}

// Issue kinds for rejected days.
const (
	IssueFetch      = "fetch"
	IssueParse      = "parse"
	IssueValidation = "validation"
)

// DayIssue is one rejected delivery day.
type DayIssue struct {
	Date      string   `json:"date"`
	Kind      string   `json:"kind"`
	Rules     []string `json:"rules,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	RawSHA256 string   `json:"raw_sha256,omitempty"`
}

// Validation summarizes the acceptance gate for the period.
type Validation struct {
	DaysValid    int        `json:"days_valid"`
	DaysRejected int        `json:"days_rejected"`
	Issues       []DayIssue `json:"issues"`
	Warnings     []string   `json:"warnings"`
}

// Clean reports whether no day of the period was rejected.
func (v Validation) Clean() bool { return v.DaysRejected == 0 && len(v.Issues) == 0 }

// Manifest is the identity record of one dataset period.
type Manifest struct {
	DatasetID          string      `json:"dataset_eve_id"`
	MethodologyVersion string      `json:"methodology_version"`
	Scope              string      `json:"scope"`
	Zone               string      `json:"zone"`
	PeriodStart        string      `json:"period_start"`
	PeriodEnd          string      `json:"period_end"`
	BuildTimestamp     string      `json:"build_timestamp_utc"`
	RootHash           string      `json:"root_hash"`
	TotalRows          int         `json:"total_rows"`
	TotalFiles         int         `json:"total_files"`
	Supersedes         string      `json:"supersedes,omitempty"`
	SourceRefs         []SourceRef `json:"source_refs"`
	Files              []FileEntry `json:"files"`
	Validation         Validation  `json:"validation"`
}

// Input is everything Build needs.
type Input struct {
	DatasetID          string
	MethodologyVersion string
	Scope              string
	PeriodStart        string
	PeriodEnd          string
	BuildTime          time.Time
	Supersedes         string
	Files              []FileEntry
	TotalRows          int
	SourceRefs         []SourceRef
	Validation         Validation
}

// Build assembles a manifest and computes its root hash.
func Build(in Input) (*Manifest, error) {
	id, err := ParseDatasetID(in.DatasetID)
	if err != nil {
		return nil, err
	}
	if in.Scope != id.Zone {
		return nil, fmt.Errorf("manifest: scope %q does not match dataset id %s", in.Scope, in.DatasetID)
	}
	if _, err := semver.StrictNewVersion(trimV(in.MethodologyVersion)); err != nil {
		return nil, fmt.Errorf("manifest: methodology version %q: %w", in.MethodologyVersion, err)
	}
	if len(in.Files) == 0 {
		return nil, errors.New("manifest: no files")
	}
	if in.TotalRows <= 0 {
		return nil, errors.New("manifest: no rows")
	}

	files := make([]FileEntry, len(in.Files))
	copy(files, in.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].File < files[j].File })
	for i := 1; i < len(files); i++ {
		if files[i].File == files[i-1].File {
			return nil, fmt.Errorf("manifest: file %s listed twice", files[i].File)
		}
	}

	refs := make([]SourceRef, len(in.SourceRefs))
	copy(refs, in.SourceRefs)
	SortSourceRefs(refs)

	v := in.Validation
	if v.Issues == nil {
		v.Issues = []DayIssue{}
	}
	if v.Warnings == nil {
		v.Warnings = []string{}
	}

	m := &Manifest{
		DatasetID:          in.DatasetID,
		MethodologyVersion: in.MethodologyVersion,
		Scope:              in.Scope,
		Zone:               id.Zone,
		PeriodStart:        in.PeriodStart,
		PeriodEnd:          in.PeriodEnd,
		BuildTimestamp:     in.BuildTime.UTC().Format(TimestampLayout),
		TotalRows:          in.TotalRows,
		TotalFiles:         len(files),
		Supersedes:         in.Supersedes,
		SourceRefs:         refs,
		Files:              files,
		Validation:         v,
	}
	root, err := m.ComputeRootHash()
	if err != nil {
		return nil, err
	}
	m.RootHash = root
	return m, nil
}

// ComputeRootHash recomputes the root hash from the manifest's own fields.
func (m *Manifest) ComputeRootHash() (string, error) {
	return RootHash(m.Files, m.MethodologyVersion, m.Scope, m.PeriodStart, m.PeriodEnd)
}

type rootFile struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

type rootDoc struct {
	Files              []rootFile `json:"files"`
	MethodologyVersion string     `json:"methodology_version"`
	Scope              string     `json:"scope"`
	PeriodStart        string     `json:"period_start"`
	PeriodEnd          string     `json:"period_end"`
}

// RootHash hashes the JCS form of the sorted (file, sha256) pairs plus the
// methodology version, scope and period bounds.
func RootHash(files []FileEntry, methodologyVersion, scope, periodStart, periodEnd string) (string, error) {
	pairs := make([]rootFile, len(files))
	for i, f := range files {
		pairs[i] = rootFile{File: f.File, SHA256: f.SHA256}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].File < pairs[j].File })
	return canonicalize.CanonicalHash(rootDoc{
		Files:              pairs,
		MethodologyVersion: methodologyVersion,
		Scope:              scope,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
	})
}

// SourceLookup resolves a source name to its url and license.
type SourceLookup func(name string) (url, license string)

// SourceRefsFromRows derives one reference per (source, delivery date, raw
// payload) from stored rows, so refs always describe what the file contains.
func SourceRefsFromRows(rows []canonical.Row, lookup SourceLookup) []SourceRef {
	type key struct{ source, date, raw string }
	seen := make(map[key]bool)
	var refs []SourceRef
	for _, r := range rows {
		k := key{r.Source, r.DeliveryDate, r.RawSHA256}
		if seen[k] {
			continue
		}
		seen[k] = true
		ref := SourceRef{
			Source:       r.Source,
			DeliveryDate: r.DeliveryDate,
			RawSHA256:    r.RawSHA256,
			RetrievedAt:  r.RetrievedAt,
		}
		if lookup != nil {
			ref.URL, ref.License = lookup(r.Source)
		}
		refs = append(refs, ref)
	}
	SortSourceRefs(refs)
	return refs
}

// SortSourceRefs orders refs by delivery date, then source, then raw hash.
func SortSourceRefs(refs []SourceRef) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.DeliveryDate != b.DeliveryDate {
			return a.DeliveryDate < b.DeliveryDate
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.RawSHA256 < b.RawSHA256
	})
}

// CompatibleMethodology reports whether version can be read by a build
// running methodology current: same major version.
func CompatibleMethodology(version, current string) error {
	v, err := semver.StrictNewVersion(trimV(version))
	if err != nil {
		return fmt.Errorf("methodology version %q: %w", version, err)
	}
	c, err := semver.StrictNewVersion(trimV(current))
	if err != nil {
		return fmt.Errorf("methodology version %q: %w", current, err)
	}
	if v.Major() != c.Major() {
		return fmt.Errorf("methodology %s is not compatible with %s", version, current)
	}
	return nil
}

func trimV(s string) string {
	if len(s) > 0 && s[0] == 'v' {
		return s[1:]
	}
	return s
}
