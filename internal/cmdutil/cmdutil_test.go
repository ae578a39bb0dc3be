package cmdutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `{
  "projects": [
    {"id": "app", "source": "apps/app", "tasks": {"build": {"command": "echo", "args": ["hi"]}}}
  ]
}`

func newFlagsAndHelper(t *testing.T, cwd string) (*pflag.FlagSet, *Helper) {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	h := NewHelper("test-version")
	h.AddFlags(flags)
	require.NoError(t, flags.Set("cwd", cwd))
	return flags, h
}

func TestGetCmdBaseLoadsManifestFromCwd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, _defaultManifest), []byte(testManifest), 0o644))

	flags, h := newFlagsAndHelper(t, root)
	base, err := h.GetCmdBase(flags)
	require.NoError(t, err)
	assert.Equal(t, root, base.RepoRoot.String())
	assert.Contains(t, base.Workspace.Tasks, "app:build")
}

func TestGetCmdBaseHonorsManifestFlag(t *testing.T) {
	root := t.TempDir()
	customPath := filepath.Join(root, "custom.json")
	require.NoError(t, os.WriteFile(customPath, []byte(testManifest), 0o644))

	flags, h := newFlagsAndHelper(t, root)
	require.NoError(t, flags.Set("manifest", customPath))
	base, err := h.GetCmdBase(flags)
	require.NoError(t, err)
	assert.Contains(t, base.Workspace.Tasks, "app:build")
}

func TestSelfProjectIDMatchesContainingDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "apps", "app", "src"), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(root, _defaultManifest), []byte(testManifest), 0o644))

	flags, h := newFlagsAndHelper(t, root)
	base, err := h.GetCmdBase(flags)
	require.NoError(t, err)

	cwd, err := base.RepoRoot.Join("apps", "app", "src").RelativeTo(base.RepoRoot)
	require.NoError(t, err)
	id, ok := base.SelfProjectID(base.RepoRoot.Join(cwd.String()))
	require.True(t, ok)
	assert.Equal(t, "app", id)
}

func TestSelfProjectIDAtRepoRootFindsNothing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, _defaultManifest), []byte(testManifest), 0o644))

	flags, h := newFlagsAndHelper(t, root)
	base, err := h.GetCmdBase(flags)
	require.NoError(t, err)

	_, ok := base.SelfProjectID(base.RepoRoot)
	assert.False(t, ok)
}
