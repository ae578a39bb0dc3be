package hashengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestDeterministic(t *testing.T) {
	build := func() string {
		e := New()
		require.NoError(t, e.Add("command", map[string]interface{}{"command": "go", "args_resolved": []string{"build", "./..."}}))
		require.NoError(t, e.Add("inputs", map[string]string{"b.go": "hash2", "a.go": "hash1"}))
		return e.Digest()
	}
	assert.Equal(t, build(), build())
}

func TestDigestChangesWithAnyByte(t *testing.T) {
	e1 := New()
	require.NoError(t, e1.Add("command", map[string]string{"command": "go"}))
	e2 := New()
	require.NoError(t, e2.Add("command", map[string]string{"command": "go "}))
	assert.NotEqual(t, e1.Digest(), e2.Digest())
}

func TestDigestRecordOrderMatters(t *testing.T) {
	e1 := New()
	require.NoError(t, e1.Add("a", "x"))
	require.NoError(t, e1.Add("b", "y"))

	e2 := New()
	require.NoError(t, e2.Add("b", "y"))
	require.NoError(t, e2.Add("a", "x"))

	assert.NotEqual(t, e1.Digest(), e2.Digest())
}

func TestMapKeysAreSortedByEncodingJSON(t *testing.T) {
	e1 := New()
	require.NoError(t, e1.Add("m", map[string]string{"z": "1", "a": "2"}))

	e2 := New()
	require.NoError(t, e2.Add("m", map[string]string{"a": "2", "z": "1"}))

	assert.Equal(t, e1.Digest(), e2.Digest())
}

func TestManifestPreservesRawJSON(t *testing.T) {
	e := New()
	require.NoError(t, e.Add("deps_state", []string{"pkg:build"}))
	manifest, err := e.Manifest()
	require.NoError(t, err)
	require.Contains(t, manifest, "deps_state")
	assert.JSONEq(t, `["pkg:build"]`, string(manifest["deps_state"]))
}

func TestNoEscapeHTML(t *testing.T) {
	e := New()
	require.NoError(t, e.Add("args", []string{"a<b&c>d"}))
	manifest, err := e.Manifest()
	require.NoError(t, err)
	assert.Contains(t, string(manifest["args"]), "<b&c>")
}
