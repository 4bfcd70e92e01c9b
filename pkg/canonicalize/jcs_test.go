package canonicalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": []interface{}{map[string]interface{}{"k": 1, "j": 2}},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"j":2,"k":1}],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	input := map[string]interface{}{
		"mean":     10.50,
		"integral": 24.0,
		"negative": -0.25,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"integral":24,"mean":10.5,"negative":-0.25}`, string(b))
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(S{A: 1, B: 2})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, IsHexDigest(h1))
}

func TestHashStrings_IsConcatenation(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("abcdef")), HashStrings("abc", "def"))
	assert.Equal(t, HashBytes(nil), HashStrings())
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o600))

	sum, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("hello\n")), sum)
	assert.EqualValues(t, 6, size)

	_, _, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIsHexDigest(t *testing.T) {
	assert.False(t, IsHexDigest(""))
	assert.False(t, IsHexDigest("sha256:abc"))
	assert.False(t, IsHexDigest(HashBytes(nil)[:63]+"Z"))
	assert.True(t, IsHexDigest(HashBytes([]byte("x"))))
}
