package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/lock"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
)

var fixedClock = WithClock(func() time.Time { return time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC) })

func testEvent(id string, n int) Event {
	return Event{
		DatasetID:          id,
		RootHash:           canonicalize.HashStrings(id, string(rune('a'+n))),
		MethodologyVersion: "v1.0.0",
		Scope:              "SE3",
		PeriodStart:        "2026-02-01",
		PeriodEnd:          "2026-02-28",
		SourceRefs: []manifest.SourceRef{{
			Source: "elprisetjustnu", DeliveryDate: "2026-02-10",
			RawSHA256: canonicalize.HashStrings("raw"), RetrievedAt: "2026-02-11T06:00:00Z",
		}},
	}
}

func newFileVault(t *testing.T) (*DatasetVault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault", DatasetLogName)
	return NewDatasetVault(NewFileBackend(path, lock.Nop{}), fixedClock), path
}

func TestDatasetVault_AppendChains(t *testing.T) {
	v, path := newFileVault(t)
	ctx := context.Background()

	r0, err := v.Append(ctx, testEvent("EVE-SE3-2026-01", 0))
	require.NoError(t, err)
	r1, err := v.Append(ctx, testEvent("EVE-SE3-2026-02", 1))
	require.NoError(t, err)

	assert.EqualValues(t, 0, r0.EventIndex)
	assert.Nil(t, r0.PrevHash)
	assert.Equal(t, canonicalize.HashStrings(r0.EventHash), r0.ChainHash)

	assert.EqualValues(t, 1, r1.EventIndex)
	require.NotNil(t, r1.PrevHash)
	assert.Equal(t, r0.ChainHash, *r1.PrevHash)
	assert.Equal(t, canonicalize.HashStrings(r1.EventHash, r0.ChainHash), r1.ChainHash)
	assert.Equal(t, "2026-03-01T05:00:00Z", r1.Timestamp)

	eh, err := canonicalize.CanonicalHash(r1.Event)
	require.NoError(t, err)
	assert.Equal(t, eh, r1.EventHash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"event_index":0,"prev_hash":null,"event_hash":`))

	rep := v.Verify(ctx)
	assert.True(t, rep.Valid, rep.Detail)
	assert.Equal(t, 2, rep.Records)
	assert.Equal(t, r1.ChainHash, rep.HeadChainHash)
	assert.NoError(t, rep.Err())
}

func TestDatasetVault_EmptyVerifies(t *testing.T) {
	v, _ := newFileVault(t)
	rep := v.Verify(context.Background())
	assert.True(t, rep.Valid)
	assert.Zero(t, rep.Records)

	recs, err := v.Records(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDatasetVault_RejectsBadEvent(t *testing.T) {
	v, _ := newFileVault(t)
	ev := testEvent("EVE-SE3-2026-01", 0)
	ev.RootHash = "nope"
	_, err := v.Append(context.Background(), ev)
	assert.Error(t, err)
}

func sealThree(t *testing.T) (*DatasetVault, string) {
	t.Helper()
	v, path := newFileVault(t)
	for i, id := range []string{"EVE-SE3-2026-01", "EVE-SE3-2026-02", "EVE-SE3-2026-03"} {
		_, err := v.Append(context.Background(), testEvent(id, i))
		require.NoError(t, err)
	}
	return v, path
}

func TestDatasetVault_TamperDetection(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, lines []string) []string
		wantIndex int64
	}{
		{"root hash edited", func(t *testing.T, l []string) []string {
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(l[1]), &m))
			m["event"].(map[string]any)["root_hash"] = strings.Repeat("0", 64)
			b, _ := json.Marshal(m)
			l[1] = string(b)
			return l
		}, 1},
		{"field injected into event", func(t *testing.T, l []string) []string {
			l[2] = strings.Replace(l[2], `"event":{`, `"event":{"note":"x",`, 1)
			return l
		}, 2},
		{"record deleted", func(t *testing.T, l []string) []string {
			return append(l[:1], l[2:]...)
		}, 1},
		{"records swapped", func(t *testing.T, l []string) []string {
			l[0], l[1] = l[1], l[0]
			return l
		}, 0},
		{"garbage line", func(t *testing.T, l []string) []string {
			l[1] = "{not json"
			return l
		}, 1},
		{"chain hash rewritten", func(t *testing.T, l []string) []string {
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(l[0]), &m))
			m["chain_hash"] = strings.Repeat("f", 64)
			b, _ := json.Marshal(m)
			l[0] = string(b)
			return l
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, path := sealThree(t)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
			lines = tt.mutate(t, lines)
			require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

			rep := v.Verify(context.Background())
			require.False(t, rep.Valid)
			require.NotNil(t, rep.FirstInvalidIndex)
			assert.Equal(t, tt.wantIndex, *rep.FirstInvalidIndex, rep.Detail)
			assert.True(t, errors.Is(rep.Err(), ErrChainBroken))
		})
	}
}

func TestDatasetVault_FlippedByteBreaksChain(t *testing.T) {
	v, path := sealThree(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip one hex digit inside the second record's event hash.
	i := bytes.Index(data, []byte(`"event_index":1`))
	require.Positive(t, i)
	j := i + bytes.Index(data[i:], []byte(`"event_hash":"`)) + len(`"event_hash":"`)
	if data[j] == 'a' {
		data[j] = 'b'
	} else {
		data[j] = 'a'
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	rep := v.Verify(context.Background())
	require.False(t, rep.Valid)
	assert.EqualValues(t, 1, *rep.FirstInvalidIndex)
}

func TestDatasetVault_RefusesToExtendCorruptTail(t *testing.T) {
	v, path := sealThree(t)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"partial":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = v.Append(context.Background(), testEvent("EVE-SE3-2026-04", 4))
	assert.ErrorContains(t, err, "truncated")
}

func TestDatasetVault_LatestFollowsSupersedes(t *testing.T) {
	v, _ := newFileVault(t)
	ctx := context.Background()

	_, err := v.Append(ctx, testEvent("EVE-SE3-2026-02", 0))
	require.NoError(t, err)
	_, err = v.Append(ctx, testEvent("EVE-SE3-2026-03", 1))
	require.NoError(t, err)
	resealed, err := v.Append(ctx, testEvent("EVE-SE3-2026-02", 2))
	require.NoError(t, err)

	got, err := v.Latest(ctx, "EVE-SE3-2026-02")
	require.NoError(t, err)
	assert.Equal(t, resealed.EventIndex, got.EventIndex)

	rev := testEvent("EVE-SE3-2026-02-R2", 3)
	rev.Supersedes = "EVE-SE3-2026-02"
	sup, err := v.Append(ctx, rev)
	require.NoError(t, err)

	got, err = v.Latest(ctx, "EVE-SE3-2026-02")
	require.NoError(t, err)
	assert.Equal(t, sup.EventIndex, got.EventIndex)
	assert.Equal(t, "EVE-SE3-2026-02", got.Event.Supersedes)

	_, err = v.Latest(ctx, "EVE-SE3-2025-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetVault_ConcurrentAppendsStayLinear(t *testing.T) {
	path := filepath.Join(t.TempDir(), DatasetLogName)
	lockPath := filepath.Join(filepath.Dir(path), ".vault.lock")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate vault values model separate processes sharing the lock file.
			fl := lock.NewFileLock(lockPath)
			fl.Poll = time.Millisecond
			v := NewDatasetVault(NewFileBackend(path, fl))
			_, err := v.Append(ctx, testEvent("EVE-SE3-2026-02", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	v := NewDatasetVault(NewFileBackend(path, lock.Nop{}))
	rep := v.Verify(ctx)
	assert.True(t, rep.Valid, rep.Detail)
	assert.Equal(t, writers, rep.Records)
}

func TestReportVault_AppendFindVerify(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ReportLogName)
	rv := NewReportVault(NewFileBackend(path, lock.Nop{}), fixedClock)

	entry := ReportEntry{
		ReportHash:   canonicalize.HashBytes([]byte("%PDF-1.7 report")),
		DatasetID:    "EVE-SE3-2026-02",
		RootHash:     canonicalize.HashStrings("root"),
		Zone:         "SE3",
		PeriodStart:  "2026-02-01",
		PeriodEnd:    "2026-02-28",
		QueryCommand: "eve query --zone SE3 --from 2026-02-01 --to 2026-02-28",
	}
	r0, err := rv.Append(ctx, entry)
	require.NoError(t, err)
	assert.EqualValues(t, 0, r0.EventIndex)
	assert.Nil(t, r0.PrevHash)
	assert.Equal(t, "2026-03-01T05:00:00Z", r0.CreatedAt)

	eh, err := canonicalize.CanonicalHash(r0.ReportEntry)
	require.NoError(t, err)
	assert.Equal(t, eh, r0.EventHash)

	entry2 := entry
	entry2.ReportHash = canonicalize.HashBytes([]byte("other"))
	r1, err := rv.Append(ctx, entry2)
	require.NoError(t, err)
	assert.Equal(t, r0.ChainHash, *r1.PrevHash)

	got, err := rv.Find(ctx, entry.ReportHash)
	require.NoError(t, err)
	assert.Equal(t, r0.ChainHash, got.ChainHash)
	assert.Equal(t, entry.QueryCommand, got.QueryCommand)

	_, err = rv.Find(ctx, canonicalize.HashBytes(nil))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, rv.Verify(ctx).Valid)

	// Record lines are flat: report fields sit beside the chain fields.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.True(t, strings.HasPrefix(first, `{"event_index":0,"report_hash":"`))

	tampered := strings.Replace(string(data), "2026-02-28", "2026-02-27", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))
	rep := rv.Verify(ctx)
	require.False(t, rep.Valid)
	assert.EqualValues(t, 0, *rep.FirstInvalidIndex)
}

func TestReportVault_RejectsBadHash(t *testing.T) {
	rv := NewReportVault(NewFileBackend(filepath.Join(t.TempDir(), ReportLogName), lock.Nop{}))
	_, err := rv.Append(context.Background(), ReportEntry{ReportHash: "x", DatasetID: "EVE-SE3-2026-02", RootHash: canonicalize.HashStrings("r")})
	assert.Error(t, err)
}

func TestOpen_File(t *testing.T) {
	dir := t.TempDir()
	vs, err := Open(context.Background(), StoreConfig{Kind: KindFile, Dir: dir}, fixedClock)
	require.NoError(t, err)
	defer func() { _ = vs.Close() }()

	_, err = vs.Datasets.Append(context.Background(), testEvent("EVE-SE3-2026-02", 0))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, DatasetLogName))
	assert.NoError(t, err)

	_, err = Open(context.Background(), StoreConfig{Kind: "etcd"})
	assert.Error(t, err)
}
