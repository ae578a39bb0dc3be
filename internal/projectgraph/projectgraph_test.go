package projectgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/model"
)

func project(id, alias string, deps ...string) *model.Project {
	p := &model.Project{
		ID:    id,
		Alias: alias,
		Tags:  map[string]struct{}{},
		Tasks: map[string]*model.Task{},
	}
	for _, d := range deps {
		p.Dependencies = append(p.Dependencies, model.ProjectDependency{ID: d, Scope: model.DepProduction, Source: model.DepExplicit})
	}
	return p
}

func TestDuplicateProjectIDRejected(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("a", "")))
	err := g.AddProject(project("a", ""))
	require.Error(t, err)
	var dup *ErrDuplicateProjectID
	assert.ErrorAs(t, err, &dup)
}

func TestAliasCollisionRejected(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("a", "alpha")))
	err := g.AddProject(project("b", "alpha"))
	require.Error(t, err)
	var collision *ErrAliasCollision
	assert.ErrorAs(t, err, &collision)
}

func TestAliasNeverShadowsProjectID(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("a", "")))
	err := g.AddProject(project("b", "a"))
	require.Error(t, err)
}

func TestCycleRejectedNamesBothEndpoints(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("a", "")))
	require.NoError(t, g.AddProject(project("b", "")))
	require.NoError(t, g.AddDependencyEdge("a", "b"))
	err := g.AddDependencyEdge("b", "a")
	require.Error(t, err)
	var cyc *ErrCycle
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, "b", cyc.From)
	assert.Equal(t, "a", cyc.To)
}

func TestBuildFromDependenciesAndTransitiveQueries(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("app", "")))
	require.NoError(t, g.AddProject(project("lib-a", "")))
	require.NoError(t, g.AddProject(project("lib-b", "")))
	app := g.projects["app"]
	app.Dependencies = []model.ProjectDependency{{ID: "lib-a", Scope: model.DepProduction, Source: model.DepExplicit}}
	libA := g.projects["lib-a"]
	libA.Dependencies = []model.ProjectDependency{{ID: "lib-b", Scope: model.DepProduction, Source: model.DepExplicit}}

	require.NoError(t, g.BuildFromDependencies())

	assert.Equal(t, []string{"lib-a"}, g.DirectDependencies("app"))
	all, err := g.AllDependencies("app")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lib-a", "lib-b"}, all)

	dependents, err := g.AllDependents("lib-b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app", "lib-a"}, dependents)
}

func TestResolveByIDOrAlias(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("app", "main-app")))

	id, ok := g.Resolve("main-app")
	require.True(t, ok)
	assert.Equal(t, "app", id)

	id, ok = g.Resolve("app")
	require.True(t, ok)
	assert.Equal(t, "app", id)

	_, ok = g.Resolve("missing")
	assert.False(t, ok)
}

func TestSubsetKeepsOnlySeedsAndTheirDeps(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("app", "", "lib-a")))
	require.NoError(t, g.AddProject(project("lib-a", "", "lib-b")))
	require.NoError(t, g.AddProject(project("lib-b", "")))
	require.NoError(t, g.AddProject(project("unrelated", "")))

	sub, err := g.Subset([]string{"app"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app", "lib-a", "lib-b"}, sub.ProjectIDs())
}

func TestFrozenGraphRejectsMutation(t *testing.T) {
	g := New(nil, false)
	require.NoError(t, g.AddProject(project("a", "")))
	g.Freeze()
	err := g.AddProject(project("b", ""))
	assert.Error(t, err)
}
