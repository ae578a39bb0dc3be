package graph

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
    {"id": "lib", "source": "packages/lib", "tasks": {"build": {"command": "tsc"}}},
    {"id": "app", "source": "apps/app", "dependencies": ["lib"], "tasks": {"build": {"command": "next", "deps": ["^:build"]}}}
  ]
}`

func newBase(t *testing.T) *cmdutil.CmdBase {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages", "lib"), 0o775))
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

func TestRunGraphListsDependencyEdges(t *testing.T) {
	base := newBase(t)
	opts := &graphOpts{}

	var buf bytes.Buffer
	base.UI = testUI{&buf}
	err := runGraph(base, opts, []string{"app:build"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "RunTask(app:build)")
	assert.Contains(t, out, "RunTask(lib:build)")
}

func TestRunGraphDot(t *testing.T) {
	base := newBase(t)
	opts := &graphOpts{dot: true}

	var buf bytes.Buffer
	base.UI = testUI{&buf}
	err := runGraph(base, opts, []string{"app:build"})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "digraph")
}

// testUI is a minimal cli.Ui stub that records Output calls.
type testUI struct{ buf *bytes.Buffer }

func (u testUI) Ask(string) (string, error)      { return "", nil }
func (u testUI) AskSecret(string) (string, error) { return "", nil }
func (u testUI) Output(s string)                  { u.buf.WriteString(s + "\n") }
func (u testUI) Info(s string)                    { u.buf.WriteString(s + "\n") }
func (u testUI) Error(s string)                   { u.buf.WriteString(s + "\n") }
func (u testUI) Warn(s string)                    { u.buf.WriteString(s + "\n") }
