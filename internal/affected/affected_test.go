package affected

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/projectgraph"
	"github.com/moonrun/moonrun/internal/vcsport"
	"github.com/moonrun/moonrun/internal/wpath"
)

func buildGraph(t *testing.T) *projectgraph.Graph {
	t.Helper()
	g := projectgraph.New(nil, false)

	app := &model.Project{
		ID:     "app",
		Source: "apps/app",
		Tags:   map[string]struct{}{},
		Tasks: map[string]*model.Task{
			"build": {
				InputFiles: []wpath.WorkspaceRelative{"apps/app/src/index.ts"},
				InputEnv:   []string{"API_URL"},
			},
		},
		Dependencies: []model.ProjectDependency{{ID: "lib", Scope: model.DepProduction, Source: model.DepExplicit}},
	}
	lib := &model.Project{
		ID:     "lib",
		Source: "libs/lib",
		Tags:   map[string]struct{}{},
		Tasks: map[string]*model.Task{
			"build": {
				InputGlobs: []string{"libs/lib/src/**/*.ts"},
			},
		},
	}
	require.NoError(t, g.AddProject(app))
	require.NoError(t, g.AddProject(lib))
	require.NoError(t, g.BuildFromDependencies())
	return g
}

func TestTrackProjectsDirectSourceMatch(t *testing.T) {
	g := buildGraph(t)
	tr := NewTracker(g)
	touched := vcsport.TouchedFiles{Modified: []wpath.WorkspaceRelative{"libs/lib/src/thing.ts"}}
	require.NoError(t, tr.TrackProjects(touched, UpstreamNone, DownstreamNone))
	assert.True(t, tr.Project("lib").DirectlyMarked)
	assert.False(t, tr.Project("app").Affected())
}

func TestTrackProjectsDownstreamDirect(t *testing.T) {
	g := buildGraph(t)
	tr := NewTracker(g)
	touched := vcsport.TouchedFiles{Modified: []wpath.WorkspaceRelative{"libs/lib/src/thing.ts"}}
	require.NoError(t, tr.TrackProjects(touched, UpstreamNone, DownstreamDirect))
	assert.True(t, tr.Project("app").DownstreamMarked)
}

func TestTrackProjectsTaskInputMatch(t *testing.T) {
	g := buildGraph(t)
	tr := NewTracker(g)
	touched := vcsport.TouchedFiles{Modified: []wpath.WorkspaceRelative{"apps/app/src/index.ts"}}
	require.NoError(t, tr.TrackProjects(touched, UpstreamNone, DownstreamNone))
	assert.True(t, tr.Project("app").DirectlyMarked)
}

func TestTrackTasksInputFileAndGlob(t *testing.T) {
	g := buildGraph(t)
	tr := NewTracker(g)
	touched := vcsport.TouchedFiles{
		Modified: []wpath.WorkspaceRelative{"apps/app/src/index.ts", "libs/lib/src/deep/file.ts"},
	}
	require.NoError(t, tr.TrackTasks(touched, nil, func(string) (string, bool) { return "", false }))
	assert.True(t, tr.Task("app", "build").Touched)
	assert.True(t, tr.Task("lib", "build").Touched)
}

func TestTrackTasksEnvChanged(t *testing.T) {
	g := buildGraph(t)
	tr := NewTracker(g)
	prior := map[string]string{"API_URL": "https://old"}
	current := func(name string) (string, bool) {
		if name == "API_URL" {
			return "https://new", true
		}
		return "", false
	}
	require.NoError(t, tr.TrackTasks(vcsport.TouchedFiles{}, prior, current))
	assert.True(t, tr.Task("app", "build").EnvChanged)
}

func TestTrackTasksDepsAffectedPropagates(t *testing.T) {
	g := projectgraph.New(nil, false)
	downstream := &model.Project{
		ID:   "downstream",
		Tags: map[string]struct{}{},
		Tasks: map[string]*model.Task{
			"build": {
				ResolvedDeps: []model.ResolvedDep{{ProjectID: "upstream", TaskID: "build"}},
			},
		},
	}
	upstream := &model.Project{
		ID:   "upstream",
		Tags: map[string]struct{}{},
		Tasks: map[string]*model.Task{
			"build": {InputFiles: []wpath.WorkspaceRelative{"upstream/a.ts"}},
		},
	}
	require.NoError(t, g.AddProject(downstream))
	require.NoError(t, g.AddProject(upstream))

	tr := NewTracker(g)
	touched := vcsport.TouchedFiles{Modified: []wpath.WorkspaceRelative{"upstream/a.ts"}}
	require.NoError(t, tr.TrackTasks(touched, nil, func(string) (string, bool) { return "", false }))

	assert.True(t, tr.Task("upstream", "build").Touched)
	assert.True(t, tr.Task("downstream", "build").DepsAffected)
}
