package query

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/cmdutil"
)

const sampleManifest = `{
  "projects": [
    {"id": "lib", "source": "packages/lib", "tags": ["js"], "tasks": {"build": {"command": "tsc"}}},
    {"id": "app", "source": "apps/app", "dependencies": ["lib"], "tasks": {"build": {"command": "next", "deps": ["^:build"]}}}
  ]
}`

func newHelper(t *testing.T) *cmdutil.Helper {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages", "lib"), 0o775))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "apps", "app"), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(root, "moonrun.json"), []byte(sampleManifest), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	helper := cmdutil.NewHelper("test")
	helper.AddFlags(flags)
	require.NoError(t, flags.Set("cwd", root))
	return helper
}

func TestProjectsCmdListsAllProjectsByDefault(t *testing.T) {
	helper := newHelper(t)
	cmd := projectsCmd(helper)

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, cmd.RunE(cmd, nil))

	out := buf.String()
	assert.Contains(t, out, "app")
	assert.Contains(t, out, "lib")
}

func TestProjectsCmdHonorsTagFlag(t *testing.T) {
	helper := newHelper(t)
	cmd := projectsCmd(helper)
	require.NoError(t, cmd.Flags().Set("tag", "js"))

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, cmd.RunE(cmd, nil))

	out := buf.String()
	assert.Contains(t, out, "lib")
	assert.NotContains(t, out, "app")
}

func TestTasksCmdListsDeclaredTasks(t *testing.T) {
	helper := newHelper(t)
	cmd := tasksCmd(helper)

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	require.NoError(t, cmd.RunE(cmd, nil))

	out := buf.String()
	assert.Contains(t, out, "app:build")
	assert.Contains(t, out, "lib:build")
}

func TestSplitTaskID(t *testing.T) {
	project, task := splitTaskID("app:build")
	assert.Equal(t, "app", project)
	assert.Equal(t, "build", task)
}
