package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/lock"
)

// Property: for every record i > 0, chain_hash[i] == H(event_hash[i] || chain_hash[i-1]),
// and prev_hash is null exactly at index 0.
func TestChainReplayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains replay", prop.ForAll(
		func(ids []string) bool {
			dir := t.TempDir()
			v := NewDatasetVault(NewFileBackend(filepath.Join(dir, DatasetLogName), lock.Nop{}), fixedClock)
			ctx := context.Background()
			for i, id := range ids {
				ev := testEvent("EVE-SE3-2026-02", i)
				ev.RootHash = canonicalize.HashStrings(id)
				if _, err := v.Append(ctx, ev); err != nil {
					return false
				}
			}
			recs, err := v.Records(ctx)
			if err != nil || len(recs) != len(ids) {
				return false
			}
			for i, r := range recs {
				if i == 0 {
					if r.PrevHash != nil || r.ChainHash != ChainHash(r.EventHash, nil) {
						return false
					}
					continue
				}
				if r.PrevHash == nil || *r.PrevHash != recs[i-1].ChainHash {
					return false
				}
				if r.ChainHash != canonicalize.HashStrings(r.EventHash, recs[i-1].ChainHash) {
					return false
				}
			}
			return v.Verify(ctx).Valid
		},
		gen.SliceOfN(6, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
