package run

import (
	"context"
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
    {
      "id": "app",
      "source": "apps/app",
      "tasks": {
        "build": {"command": "touch", "args": ["out.txt"], "outputs": ["out.txt"]}
      }
    }
  ]
}`

func newBase(t *testing.T) *cmdutil.CmdBase {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "apps", "app"), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(root, "moonrun.json"), []byte(sampleManifest), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	helper := cmdutil.NewHelper("test")
	helper.AddFlags(flags)
	require.NoError(t, flags.Set("cwd", root))
	base, err := helper.GetCmdBase(flags)
	require.NoError(t, err)
	return base
}

func TestRunRunsMatchingTask(t *testing.T) {
	base := newBase(t)
	opts := &runOpts{concurrency: 2}
	err := runRun(context.Background(), base, opts, []string{"app:build"})
	require.NoError(t, err)
}

func TestRunReportsNoMatches(t *testing.T) {
	base := newBase(t)
	opts := &runOpts{concurrency: 2}
	err := runRun(context.Background(), base, opts, []string{"app:does-not-exist"})
	assert.NoError(t, err)
}

func TestDistinctToolchainsAlwaysIncludesSystem(t *testing.T) {
	base := newBase(t)
	toolchains := distinctToolchains(base.Workspace)
	assert.Contains(t, toolchains, "system")
}

func TestSplitTaskID(t *testing.T) {
	project, task := splitTaskID("app:build")
	assert.Equal(t, "app", project)
	assert.Equal(t, "build", task)
}
