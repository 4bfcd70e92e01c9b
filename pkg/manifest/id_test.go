package manifest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatasetID(t *testing.T) {
	id, err := ParseDatasetID("EVE-SE3-2026-02")
	require.NoError(t, err)
	assert.Equal(t, DatasetID{Zone: "SE3", Period: "2026-02", Revision: 1}, id)
	assert.Equal(t, "", id.Supersedes())

	id, err = ParseDatasetID("EVE-DE_LU-2025-12-R3")
	require.NoError(t, err)
	assert.Equal(t, "DE_LU", id.Zone)
	assert.Equal(t, 3, id.Revision)
	assert.Equal(t, "EVE-DE_LU-2025-12-R2", id.Supersedes())
	assert.Equal(t, "EVE-DE_LU-2025-12-R3", id.String())

	for _, bad := range []string{
		"", "EVE-se3-2026-02", "EVE-SE3-2026-13", "EVE-SE3-26-02", "eve-SE3-2026-02",
		"EVE-SE3-2026-02-R1", "EVE-SE3-2026-02-R0", "EVE-SE3-2026-02-extra", "../EVE-SE3-2026-02",
	} {
		_, err := ParseDatasetID(bad)
		assert.True(t, errors.Is(err, ErrInvalidDatasetID), "%q", bad)
	}
}

func TestFormatDatasetID(t *testing.T) {
	s, err := FormatDatasetID("SE3", "2026-02", 1)
	require.NoError(t, err)
	assert.Equal(t, "EVE-SE3-2026-02", s)

	s, err = FormatDatasetID("SE3", "2026-02", 2)
	require.NoError(t, err)
	assert.Equal(t, "EVE-SE3-2026-02-R2", s)

	_, err = FormatDatasetID("se3", "2026-02", 1)
	assert.ErrorIs(t, err, ErrInvalidDatasetID)
	_, err = FormatDatasetID("SE3", "2026-2", 1)
	assert.ErrorIs(t, err, ErrInvalidDatasetID)
	_, err = FormatDatasetID("SE3", "2026-02", 0)
	assert.ErrorIs(t, err, ErrInvalidDatasetID)
}

func TestMonthBounds(t *testing.T) {
	s, e := MonthBounds("2026-02")
	assert.Equal(t, "2026-02-01", s)
	assert.Equal(t, "2026-02-28", e)

	s, e = MonthBounds("2024-02")
	assert.Equal(t, "2024-02-29", e)
	assert.Equal(t, "2024-02-01", s)

	_, e = MonthBounds("2026-12")
	assert.Equal(t, "2026-12-31", e)

	s, e = MonthBounds("bad")
	assert.Empty(t, s)
	assert.Empty(t, e)
}

func TestCanonicalRelPath(t *testing.T) {
	id, err := ParseDatasetID("EVE-SE3-2026-02")
	require.NoError(t, err)
	assert.Equal(t, "canonical/SE3/2026-02.ndjson", CanonicalRelPath(id))

	id, err = ParseDatasetID("EVE-SE3-2026-02-R2")
	require.NoError(t, err)
	assert.Equal(t, "canonical/SE3/2026-02-R2.ndjson", CanonicalRelPath(id))
}
