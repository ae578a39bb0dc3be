package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/wpath"
)

const sampleManifest = `{
  "projects": [
    {
      "id": "lib",
      "source": "packages/lib",
      "tags": ["js"],
      "tasks": {
        "build": {
          "command": "tsc",
          "outputs": ["dist/**"]
        }
      }
    },
    {
      "id": "app",
      "source": "apps/app",
      "dependencies": ["lib"],
      "tasks": {
        "build": {
          "command": "next",
          "args": ["build"],
          "deps": ["^:build"],
          "inputs": ["src/**/*.ts"],
          "outputs": [".next/**"]
        }
      }
    }
  ]
}`

func writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))
	return path
}

func TestLoadParsesProjectsAndTasks(t *testing.T) {
	path := writeManifest(t)
	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Projects, 2)
	assert.Equal(t, "app", f.Projects[1].ID)
	assert.Equal(t, []string{"lib"}, f.Projects[1].Dependencies)
}

func TestBuildResolvesDepsAndClassifiesInputsOutputs(t *testing.T) {
	path := writeManifest(t)
	f, err := Load(path)
	require.NoError(t, err)

	root, err := wpath.NewAbsolutePath(t.TempDir())
	require.NoError(t, err)

	ws, err := Build(f, root, nil, func(wpath.WorkspaceRelative) bool { return false })
	require.NoError(t, err)

	appBuild := ws.Tasks["app:build"]
	require.NotNil(t, appBuild)
	require.Len(t, appBuild.ResolvedDeps, 1)
	assert.Equal(t, "lib", appBuild.ResolvedDeps[0].ProjectID)
	assert.Equal(t, "build", appBuild.ResolvedDeps[0].TaskID)

	assert.Contains(t, appBuild.InputGlobs, "apps/app/src/**/*.ts")
	assert.Contains(t, appBuild.OutputGlobs, "apps/app/.next/**")

	deps, err := ws.Graph.AllDependencies("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"lib"}, deps)
}

func TestBuildInheritsTemplateTaskAndResolvesToolchainsAndShell(t *testing.T) {
	raw := `{
	  "templates": {
	    "node": {
	      "lint": {
	        "command": "eslint",
	        "args": ["."],
	        "env": {"CI": "1"}
	      }
	    }
	  },
	  "projects": [
	    {
	      "id": "app",
	      "source": "apps/app",
	      "toolchains": ["node"],
	      "tasks": {
	        "lint": {
	          "args": ["--fix"],
	          "mergeArgs": "append"
	        }
	      }
	    }
	  ]
	}`
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	root, err := wpath.NewAbsolutePath(t.TempDir())
	require.NoError(t, err)

	ws, err := Build(f, root, nil, func(wpath.WorkspaceRelative) bool { return false })
	require.NoError(t, err)

	lint := ws.Tasks["app:lint"]
	require.NotNil(t, lint)
	assert.Equal(t, "eslint", lint.Command)
	assert.Equal(t, []string{".", "--fix"}, lint.Args)
	assert.Equal(t, "1", lint.Env["CI"])
	assert.Equal(t, []string{"node"}, lint.Toolchains)
	require.NotNil(t, lint.Options.Shell)
	assert.False(t, *lint.Options.Shell)
}

func TestBuildInheritsTemplateOnlyTaskWithNoLocalOverride(t *testing.T) {
	raw := `{
	  "templates": {
	    "*": {
	      "format": {"command": "prettier", "args": ["--check", "."]}
	    }
	  },
	  "projects": [
	    {"id": "app", "source": "apps/app", "tasks": {}}
	  ]
	}`
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	root, err := wpath.NewAbsolutePath(t.TempDir())
	require.NoError(t, err)

	ws, err := Build(f, root, nil, func(wpath.WorkspaceRelative) bool { return false })
	require.NoError(t, err)

	format := ws.Tasks["app:format"]
	require.NotNil(t, format)
	assert.Equal(t, "prettier", format.Command)
	assert.Equal(t, []string{"system"}, format.Toolchains)
}

func TestBuildRejectsEnvVarOutput(t *testing.T) {
	raw := `{"projects":[{"id":"a","source":"a","tasks":{"build":{"command":"x","outputs":["$HOME"]}}}]}`
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	root, err := wpath.NewAbsolutePath(t.TempDir())
	require.NoError(t, err)

	_, err = Build(f, root, nil, nil)
	require.Error(t, err)
	var target *ErrOutputIsEnvVar
	assert.ErrorAs(t, err, &target)
}
