package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonical"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	hashR = strings.Repeat("c", 64)
)

func testInput() Input {
	return Input{
		DatasetID:          "EVE-SE3-2026-02",
		MethodologyVersion: "v1.0.0",
		Scope:              "SE3",
		PeriodStart:        "2026-02-01",
		PeriodEnd:          "2026-02-28",
		BuildTime:          time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
		Files: []FileEntry{
			{File: "canonical/SE3/2026-02.ndjson", SHA256: hashA, SizeBytes: 1234, Stage: StageCanonical},
		},
		TotalRows: 24,
		SourceRefs: []SourceRef{{
			Source: "elprisetjustnu", URL: "https://www.elprisetjustnu.se/", License: "x",
			DeliveryDate: "2026-02-10", RawSHA256: hashR, RetrievedAt: "2026-02-11T06:00:00Z",
		}},
		Validation: Validation{DaysValid: 1},
	}
}

func TestBuild(t *testing.T) {
	m, err := Build(testInput())
	require.NoError(t, err)
	assert.Equal(t, "SE3", m.Zone)
	assert.Equal(t, 1, m.TotalFiles)
	assert.Equal(t, "2026-03-01T04:00:00Z", m.BuildTimestamp)
	assert.True(t, canonicalize.IsHexDigest(m.RootHash))
	assert.NotNil(t, m.Validation.Issues)
	assert.NotNil(t, m.Validation.Warnings)
	require.NoError(t, m.Validate())

	again, err := m.ComputeRootHash()
	require.NoError(t, err)
	assert.Equal(t, m.RootHash, again)
}

func TestRootHash_Sensitivity(t *testing.T) {
	base, err := Build(testInput())
	require.NoError(t, err)

	mutations := map[string]func(*Input){
		"file hash":   func(in *Input) { in.Files[0].SHA256 = hashB },
		"file path":   func(in *Input) { in.Files[0].File = "canonical/SE3/2026-03.ndjson" },
		"added file":  func(in *Input) { in.Files = append(in.Files, FileEntry{File: "canonical/SE3/x.ndjson", SHA256: hashB, Stage: StageCanonical}) },
		"methodology": func(in *Input) { in.MethodologyVersion = "v1.0.1" },
		"period end":  func(in *Input) { in.PeriodEnd = "2026-02-27" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			in := testInput()
			mutate(&in)
			m, err := Build(in)
			require.NoError(t, err)
			assert.NotEqual(t, base.RootHash, m.RootHash)
		})
	}

	// Descriptive fields do not enter the hash.
	in := testInput()
	in.BuildTime = in.BuildTime.Add(time.Hour)
	in.TotalRows = 48
	m, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, base.RootHash, m.RootHash)
}

func TestRootHash_OrderIndependent(t *testing.T) {
	a := []FileEntry{{File: "a", SHA256: hashA}, {File: "b", SHA256: hashB}}
	b := []FileEntry{{File: "b", SHA256: hashB}, {File: "a", SHA256: hashA}}
	h1, err := RootHash(a, "v1.0.0", "SE3", "2026-02-01", "2026-02-28")
	require.NoError(t, err)
	h2, err := RootHash(b, "v1.0.0", "SE3", "2026-02-01", "2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRootHash_Document(t *testing.T) {
	files := []FileEntry{{File: "canonical/SE3/2026-02.ndjson", SHA256: hashA, SizeBytes: 9, Stage: StageCanonical}}
	got, err := RootHash(files, "v1.0.0", "SE3", "2026-02-01", "2026-02-28")
	require.NoError(t, err)

	doc := `{"files":[{"file":"canonical/SE3/2026-02.ndjson","sha256":"` + hashA + `"}],` +
		`"methodology_version":"v1.0.0","period_end":"2026-02-28","period_start":"2026-02-01","scope":"SE3"}`
	assert.Equal(t, canonicalize.HashBytes([]byte(doc)), got)
}

func TestBuild_Rejects(t *testing.T) {
	cases := map[string]func(*Input){
		"bad id":          func(in *Input) { in.DatasetID = "SE3-2026-02" },
		"scope mismatch":  func(in *Input) { in.Scope = "SE4" },
		"bad methodology": func(in *Input) { in.MethodologyVersion = "one" },
		"no files":        func(in *Input) { in.Files = nil },
		"no rows":         func(in *Input) { in.TotalRows = 0 },
		"duplicate file":  func(in *Input) { in.Files = append(in.Files, in.Files[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := testInput()
			mutate(&in)
			_, err := Build(in)
			assert.Error(t, err)
		})
	}
}

func TestValidateJSON_RejectsUnknownAndMalformed(t *testing.T) {
	m, err := Build(testInput())
	require.NoError(t, err)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, ValidateJSON(data))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["injected"] = true
	bad, _ := json.Marshal(doc)
	assert.Error(t, ValidateJSON(bad))

	delete(doc, "injected")
	doc["root_hash"] = "ABC"
	bad, _ = json.Marshal(doc)
	assert.Error(t, ValidateJSON(bad))

	assert.Error(t, ValidateJSON([]byte("{")))
}

func TestSourceRefsFromRows(t *testing.T) {
	rows := []canonical.Row{
		{Source: "elprisetjustnu", DeliveryDate: "2026-02-11", RawSHA256: hashB, RetrievedAt: "t2", DeliveryHour: 0},
		{Source: "elprisetjustnu", DeliveryDate: "2026-02-10", RawSHA256: hashA, RetrievedAt: "t1", DeliveryHour: 0},
		{Source: "elprisetjustnu", DeliveryDate: "2026-02-10", RawSHA256: hashA, RetrievedAt: "t1", DeliveryHour: 1},
	}
	refs := SourceRefsFromRows(rows, func(string) (string, string) { return "https://x", "CC" })
	require.Len(t, refs, 2)
	assert.Equal(t, "2026-02-10", refs[0].DeliveryDate)
	assert.Equal(t, "https://x", refs[0].URL)
	assert.Equal(t, "CC", refs[1].License)
}

func TestCompatibleMethodology(t *testing.T) {
	assert.NoError(t, CompatibleMethodology("v1.0.0", "v1.4.2"))
	assert.Error(t, CompatibleMethodology("v2.0.0", "v1.4.2"))
	assert.Error(t, CompatibleMethodology("1.x", "v1.4.2"))
}

func TestStore_WriteFindList(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	m1, err := Build(testInput())
	require.NoError(t, err)
	p, err := s.Write(m1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "manifests", "SE3", "manifest_EVE-SE3-2026-02.json"), p)

	in := testInput()
	in.DatasetID = "EVE-SE3-2026-02-R2"
	in.Supersedes = "EVE-SE3-2026-02"
	m2, err := Build(in)
	require.NoError(t, err)
	_, err = s.Write(m2)
	require.NoError(t, err)

	got, err := s.FindByID("EVE-SE3-2026-02-R2")
	require.NoError(t, err)
	assert.Equal(t, "EVE-SE3-2026-02", got.Supersedes)
	assert.Equal(t, m2.RootHash, got.RootHash)

	_, err = s.FindByID("EVE-SE3-2026-03")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByID("EVE-SE4-2026-02")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByID("garbage")
	assert.ErrorIs(t, err, ErrInvalidDatasetID)

	all, err := s.List("SE3")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "EVE-SE3-2026-02", all[0].DatasetID)

	latest, err := s.Latest("SE3", "2026-02")
	require.NoError(t, err)
	assert.Equal(t, "EVE-SE3-2026-02-R2", latest.DatasetID)
}

func TestStore_SkipsCorruptFiles(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	m, err := Build(testInput())
	require.NoError(t, err)
	_, err = s.Write(m)
	require.NoError(t, err)

	junk := filepath.Join(root, "manifests", "SE3", "manifest_EVE-SE3-2026-01.json")
	require.NoError(t, os.WriteFile(junk, []byte(`{"dataset_eve_id":"EVE-SE3-2026-01"}`), 0o644))

	all, err := s.List("SE3")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	bad, err := s.ListErrors("SE3")
	require.NoError(t, err)
	assert.Contains(t, bad, "manifest_EVE-SE3-2026-01.json")
}
