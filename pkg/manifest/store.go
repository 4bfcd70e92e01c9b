package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when no manifest carries the requested id.
var ErrNotFound = errors.New("manifest not found")

// Store keeps manifests under {root}/manifests/{ZONE}/manifest_{id}.json.
type Store struct {
	root string
}

// NewStore returns a store rooted at the data root.
func NewStore(dataRoot string) *Store {
	return &Store{root: dataRoot}
}

// RelPath returns the data-root-relative path of the manifest for id.
func RelPath(zone, datasetID string) string {
	return path.Join("manifests", zone, "manifest_"+datasetID+".json")
}

// CanonicalRelPath returns the data-root-relative canonical file of id.
// Revisions after the first get their own file so superseded datasets stay
// verifiable.
func CanonicalRelPath(id DatasetID) string {
	name := id.Period
	if id.Revision > 1 {
		name += fmt.Sprintf("-R%d", id.Revision)
	}
	return path.Join("canonical", id.Zone, name+".ndjson")
}

// Path returns the absolute path of the manifest for id.
func (s *Store) Path(zone, datasetID string) string {
	return filepath.Join(s.root, filepath.FromSlash(RelPath(zone, datasetID)))
}

// Write validates m against the schema and writes it atomically, replacing
// any manifest stored for the same id. Every root an id was sealed with stays
// in the vault.
func (s *Store) Write(m *Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	p := s.Path(m.Zone, m.DatasetID)
	if err := writeFileAtomic(p, data); err != nil {
		return "", err
	}
	return p, nil
}

// Load reads and validates the manifest at p.
func (s *Store) Load(p string) (*Manifest, error) {
	data, err := os.ReadFile(p) //nolint:gosec // p is under the data root
	if err != nil {
		return nil, err
	}
	if err := ValidateJSON(data); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	return m, nil
}

// Unmarshal decodes a manifest document without schema validation.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByID parses the zone from id and scans that zone's manifests for a
// matching dataset_eve_id.
func (s *Store) FindByID(id string) (*Manifest, error) {
	parsed, err := ParseDatasetID(id)
	if err != nil {
		return nil, err
	}
	all, err := s.List(parsed.Zone)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.DatasetID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every readable manifest of zone sorted by dataset id. Files
// that fail to load are skipped; ListErrors reports them.
func (s *Store) List(zone string) ([]*Manifest, error) {
	out, _, err := s.scan(zone)
	return out, err
}

// ListErrors returns the manifest files of zone that failed to load.
func (s *Store) ListErrors(zone string) (map[string]error, error) {
	_, bad, err := s.scan(zone)
	return bad, err
}

func (s *Store) scan(zone string) ([]*Manifest, map[string]error, error) {
	if !ValidZone(zone) {
		return nil, nil, fmt.Errorf("%w: zone %q", ErrInvalidDatasetID, zone)
	}
	dir := filepath.Join(s.root, "manifests", zone)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var out []*Manifest
	bad := map[string]error{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "manifest_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		m, err := s.Load(filepath.Join(dir, name))
		if err != nil {
			bad[name] = err
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, bad, nil
}

// Latest returns the highest revision stored for zone and period (YYYY-MM).
func (s *Store) Latest(zone, period string) (*Manifest, error) {
	all, err := s.List(zone)
	if err != nil {
		return nil, err
	}
	var best *Manifest
	bestRev := 0
	for _, m := range all {
		id, err := ParseDatasetID(m.DatasetID)
		if err != nil || id.Period != period {
			continue
		}
		if id.Revision > bestRev {
			best, bestRev = m, id.Revision
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, zone, period)
	}
	return best, nil
}

func writeFileAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".manifest.*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, p); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
