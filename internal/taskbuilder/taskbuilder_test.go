package taskbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/inherit"
	"github.com/moonrun/moonrun/internal/model"
)

type fakeSource struct {
	local  map[string]inherit.RawTask
	global map[string]inherit.RawTask
}

func (s fakeSource) LocalTask(id string) (inherit.RawTask, bool) {
	t, ok := s.local[id]
	return t, ok
}

func (s fakeSource) GlobalTask(id string) (inherit.RawTask, bool) {
	t, ok := s.global[id]
	return t, ok
}

func boolPtr(b bool) *bool { return &b }

func TestBuildBasicCommandAndToolchainFallback(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {
			ID:      "build",
			Command: &inherit.StringOrList{Single: "tsc"},
			Args:    &inherit.StringOrList{IsList: true, List: []string{"--build"}},
			Outputs: []string{"dist/**"},
		},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)

	assert.Equal(t, "tsc", task.Command)
	assert.Equal(t, []string{"--build"}, task.Args)
	assert.Equal(t, []string{"system"}, task.Toolchains)
	assert.Equal(t, model.TaskBuild, task.Type)
}

func TestBuildLegacyCommandPrefixDetectsToolchain(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "cargo"}},
	}}
	task, err := Build("build", source, Context{ProjectID: "svc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rust"}, task.Toolchains)
}

func TestBuildFallsBackToProjectToolchains(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "make"}},
	}}
	task, err := Build("build", source, Context{ProjectID: "svc", EnabledToolchains: []string{"go", "node"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "node"}, task.Toolchains)
}

func TestBuildDevNamePreset(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"dev": {ID: "dev", Command: &inherit.StringOrList{Single: "next"}},
	}}
	task, err := Build("dev", source, Context{ProjectID: "app"})
	require.NoError(t, err)
	assert.Equal(t, model.PresetServer, task.Preset)
	assert.False(t, task.Options.Cache)
	assert.True(t, task.Options.Persistent)
	assert.Equal(t, model.OutputStream, task.Options.OutputStyle)
}

func TestBuildLocalTrueImpliesServerPreset(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"watch": {ID: "watch", Command: &inherit.StringOrList{Single: "tsc"}, Local: true},
	}}
	task, err := Build("watch", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	assert.Equal(t, model.PresetServer, task.Preset)
}

func TestBuildScriptTaskClearsArgsAndForcesSystemToolchain(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {
			ID:     "build",
			Args:   &inherit.StringOrList{IsList: true, List: []string{"--old"}},
			Script: "./scripts/build.sh --flag",
		},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	assert.Equal(t, "./scripts/build.sh", task.Command)
	assert.Empty(t, task.Args)
	assert.Equal(t, []string{"system"}, task.Toolchains)
}

func TestBuildExtendsChainMergesLinksInOrder(t *testing.T) {
	source := fakeSource{
		local: map[string]inherit.RawTask{
			"build": {ID: "build", Extends: "base", Command: &inherit.StringOrList{Single: "tsc"}},
		},
		global: map[string]inherit.RawTask{
			"base": {ID: "base", Deps: []string{"^:build"}, Outputs: []string{"dist/**"}},
		},
	}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	assert.Equal(t, "tsc", task.Command)
	require.Len(t, task.Deps, 1)
	assert.Equal(t, "^:build", task.Deps[0].Target.String())
	require.Len(t, task.Outputs, 1)
	assert.Equal(t, "dist/**", task.Outputs[0].Value)
}

func TestBuildUnknownExtendsSourceFails(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Extends: "ghost"},
	}}
	_, err := Build("build", source, Context{ProjectID: "lib"})
	require.Error(t, err)
}

func TestBuildMergeDepsAppendDedupes(t *testing.T) {
	source := fakeSource{
		local: map[string]inherit.RawTask{
			"build": {ID: "build", Extends: "base", Deps: []string{"^:build"}},
		},
		global: map[string]inherit.RawTask{
			"base": {ID: "base", Deps: []string{"^:build", ":lint"}},
		},
	}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	require.Len(t, task.Deps, 2)
	assert.Equal(t, "^:build", task.Deps[0].Target.String())
	assert.Equal(t, ":lint", task.Deps[1].Target.String())
}

func TestBuildMergeDepsReplace(t *testing.T) {
	source := fakeSource{
		local: map[string]inherit.RawTask{
			"build": {ID: "build", Extends: "base", Deps: []string{":lint"}, MergeDeps: "replace"},
		},
		global: map[string]inherit.RawTask{
			"base": {ID: "base", Deps: []string{"^:build"}},
		},
	}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	require.Len(t, task.Deps, 1)
	assert.Equal(t, ":lint", task.Deps[0].Target.String())
}

func TestBuildMergeDepsPreserveKeepsFirstSetLayer(t *testing.T) {
	source := fakeSource{
		local: map[string]inherit.RawTask{
			"build": {ID: "build", Extends: "base", Deps: []string{":lint"}, MergeDeps: "preserve"},
		},
		global: map[string]inherit.RawTask{
			"base": {ID: "base", Deps: []string{"^:build"}},
		},
	}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	require.Len(t, task.Deps, 1)
	assert.Equal(t, "^:build", task.Deps[0].Target.String())
}

func TestBuildGlobalImplicitDepsAndInputsAlwaysAppend(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "tsc"}, Inputs: []string{"src/**"}},
	}}
	task, err := Build("build", source, Context{
		ProjectID:            "lib",
		GlobalImplicitDeps:   []string{":lint"},
		GlobalImplicitInputs: []string{"$CI"},
	})
	require.NoError(t, err)
	require.Len(t, task.Deps, 1)
	assert.Equal(t, ":lint", task.Deps[0].Target.String())

	values := make([]string, len(task.Inputs))
	for i, in := range task.Inputs {
		values[i] = in.Value
	}
	assert.Contains(t, values, "src/**")
	assert.Contains(t, values, "CI")
	assert.Contains(t, values, WorkspaceGlobInput)
}

func TestBuildProjectEnvIsLowerPrecedenceThanChainEnv(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "tsc"}, Env: map[string]string{"NODE_ENV": "production"}, EnvKeys: []string{"NODE_ENV"}},
	}}
	task, err := Build("build", source, Context{
		ProjectID:  "lib",
		ProjectEnv: map[string]string{"NODE_ENV": "development", "REGION": "us-east-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "production", task.Env["NODE_ENV"])
	assert.Equal(t, "us-east-1", task.Env["REGION"])
}

func TestBuildDefaultInputsGlobForNonRootProject(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "tsc"}},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib", RootLevel: false})
	require.NoError(t, err)
	require.Len(t, task.Inputs, 2) // default glob + workspace meta-glob
	assert.Equal(t, model.InputProjectGlob, task.Inputs[0].Kind)
	assert.Equal(t, "**/*", task.Inputs[0].Value)
}

func TestBuildRootLevelProjectDefaultsToEmptyInputs(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "tsc"}},
	}}
	task, err := Build("build", source, Context{ProjectID: "//", RootLevel: true})
	require.NoError(t, err)
	// Only the always-inherited workspace meta-glob input remains.
	require.Len(t, task.Inputs, 1)
	assert.Equal(t, WorkspaceGlobInput, task.Inputs[0].Value)
}

func TestBuildShellDefaultsTrueForGlobArgs(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {
			ID:      "build",
			Command: &inherit.StringOrList{Single: "rm"},
			Args:    &inherit.StringOrList{IsList: true, List: []string{"dist/*"}},
		},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib", EnabledToolchains: []string{"node"}})
	require.NoError(t, err)
	require.NotNil(t, task.Options.Shell)
	assert.True(t, *task.Options.Shell)
}

func TestBuildOSMismatchRewritesToNoOp(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {
			ID:      "build",
			Command: &inherit.StringOrList{Single: "make"},
			OS:      []string{"linux", "darwin"},
		},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib", CurrentOS: "windows"})
	require.NoError(t, err)
	assert.Empty(t, task.Command)
	assert.True(t, task.Options.Internal)
	assert.False(t, task.Options.Cache)
}

func TestBuildOSMatchLeavesTaskIntact(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {
			ID:      "build",
			Command: &inherit.StringOrList{Single: "make"},
			OS:      []string{"linux", "darwin"},
		},
	}}
	task, err := Build("build", source, Context{ProjectID: "lib", CurrentOS: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "make", task.Command)
	assert.False(t, task.Options.Internal)
}

func TestBuildRejectsEnvVarOutput(t *testing.T) {
	source := fakeSource{local: map[string]inherit.RawTask{
		"build": {ID: "build", Command: &inherit.StringOrList{Single: "x"}, Outputs: []string{"$HOME"}},
	}}
	_, err := Build("build", source, Context{ProjectID: "lib"})
	require.Error(t, err)
}

func TestBuildOptionsFoldAcrossChainLatestWins(t *testing.T) {
	source := fakeSource{
		local: map[string]inherit.RawTask{
			"build": {
				ID:      "build",
				Extends: "base",
				Options: inherit.RawOptions{Persistent: boolPtr(false), RetryCount: intPtr(2)},
			},
		},
		global: map[string]inherit.RawTask{
			"base": {
				ID:      "base",
				Command: &inherit.StringOrList{Single: "tsc"},
				Options: inherit.RawOptions{Persistent: boolPtr(true), RetryCount: intPtr(0)},
			},
		},
	}
	task, err := Build("build", source, Context{ProjectID: "lib"})
	require.NoError(t, err)
	assert.False(t, task.Options.Persistent)
	assert.Equal(t, 2, task.Options.RetryCount)
}

func intPtr(i int) *int { return &i }
