package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/affected"
	"github.com/moonrun/moonrun/internal/model"
)

type fakeGraph struct {
	projects map[string]*model.Project
	deps     map[string][]string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{projects: map[string]*model.Project{}, deps: map[string][]string{}}
}

func (g *fakeGraph) add(id string, tags []string, tasks []string) {
	tagSet := map[string]struct{}{}
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	taskMap := map[string]*model.Task{}
	for _, t := range tasks {
		taskMap[t] = &model.Task{}
	}
	g.projects[id] = &model.Project{ID: id, Tags: tagSet, Tasks: taskMap}
}

func (g *fakeGraph) ProjectIDs() []string {
	ids := make([]string, 0, len(g.projects))
	for id := range g.projects {
		ids = append(ids, id)
	}
	return ids
}

func (g *fakeGraph) Project(id string) (*model.Project, bool) {
	p, ok := g.projects[id]
	return p, ok
}

func (g *fakeGraph) ProjectsWithTag(tag string) []string {
	var out []string
	for id, p := range g.projects {
		if p.HasTag(tag) {
			out = append(out, id)
		}
	}
	return out
}

func (g *fakeGraph) DirectDependencies(projectID string) []string {
	return g.deps[projectID]
}

func (g *fakeGraph) HasTask(projectID, taskID string) bool {
	p, ok := g.projects[projectID]
	if !ok {
		return false
	}
	_, ok = p.Tasks[taskID]
	return ok
}

func buildGraph() *fakeGraph {
	g := newFakeGraph()
	g.add("web", []string{"frontend"}, []string{"build", "test"})
	g.add("api", []string{"backend"}, []string{"build", "lint"})
	g.add("docs", []string{"frontend", "docs"}, []string{"build"})
	g.deps["web"] = []string{"api"}
	return g
}

func TestParseDefaultProjectForm(t *testing.T) {
	loc, err := Parse("build")
	require.NoError(t, err)
	assert.Equal(t, Locator{Kind: KindDefaultProject, TaskPattern: "build"}, loc)
}

func TestParseAllScope(t *testing.T) {
	loc, err := Parse(":build")
	require.NoError(t, err)
	assert.Equal(t, KindAll, loc.Kind)
	assert.Equal(t, "build", loc.TaskPattern)
}

func TestParseDepsScope(t *testing.T) {
	loc, err := Parse("^:build")
	require.NoError(t, err)
	assert.Equal(t, KindDeps, loc.Kind)
}

func TestParseSelfScope(t *testing.T) {
	loc, err := Parse("~:build")
	require.NoError(t, err)
	assert.Equal(t, KindSelf, loc.Kind)
}

func TestParseExactProject(t *testing.T) {
	loc, err := Parse("api:build")
	require.NoError(t, err)
	assert.Equal(t, Locator{Kind: KindProject, ScopePattern: "api", TaskPattern: "build"}, loc)
}

func TestParseProjectGlob(t *testing.T) {
	loc, err := Parse("ap*:build")
	require.NoError(t, err)
	assert.Equal(t, KindProjectGlob, loc.Kind)
}

func TestParseTaskGlob(t *testing.T) {
	loc, err := Parse("api:{build,lint}")
	require.NoError(t, err)
	assert.Equal(t, KindProject, loc.Kind)
	assert.Equal(t, "{build,lint}", loc.TaskPattern)
}

func TestParseTagExact(t *testing.T) {
	loc, err := Parse("#frontend:build")
	require.NoError(t, err)
	assert.Equal(t, Locator{Kind: KindTag, ScopePattern: "frontend", TaskPattern: "build"}, loc)
}

func TestParseTagGlob(t *testing.T) {
	loc, err := Parse("#front*:build")
	require.NoError(t, err)
	assert.Equal(t, KindTagGlob, loc.Kind)
}

func TestParseEmptyLocatorErrors(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func TestParseEmptyTaskHalfErrors(t *testing.T) {
	_, err := Parse("api:")
	require.Error(t, err)
}

func TestParseEmptyTagHalfErrors(t *testing.T) {
	_, err := Parse("#:build")
	require.Error(t, err)
}

func TestResolveAllScope(t *testing.T) {
	g := buildGraph()
	loc, err := Parse(":build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	assert.Len(t, targets, 3) // web, api, docs all have "build"
}

func TestResolveExactProject(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("api:build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "api", targets[0].ID)
	assert.Equal(t, "build", targets[0].TaskID)
}

func TestResolveProjectGlob(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("a*:build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "api", targets[0].ID)
}

func TestResolveTagExact(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("#frontend:build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	ids := []string{targets[0].ID, targets[1].ID}
	assert.ElementsMatch(t, []string{"web", "docs"}, ids)
}

func TestResolveTagGlob(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("#fr*:build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestResolveDepsScope(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("^:build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "web")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "api", targets[0].ID)
}

func TestResolveDepsScopeWithoutSelfErrors(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("^:build")
	require.NoError(t, err)

	_, err = Resolve(g, loc, "")
	require.Error(t, err)
	assert.IsType(t, &ErrNoDepsInContext{}, err)
}

func TestResolveSelfScopeWithoutSelfErrors(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("~:build")
	require.NoError(t, err)

	_, err = Resolve(g, loc, "")
	require.Error(t, err)
	assert.IsType(t, &ErrNoSelfInContext{}, err)
}

func TestResolveDefaultProjectScope(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("build")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "web")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "web", targets[0].ID)
}

func TestResolveMissingTaskYieldsNoTargets(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("docs:test")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestResolveTaskGlobExpandsWithinProject(t *testing.T) {
	g := buildGraph()
	loc, err := Parse("api:*")
	require.NoError(t, err)

	targets, err := Resolve(g, loc, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	var taskIDs []string
	for _, tg := range targets {
		taskIDs = append(taskIDs, tg.TaskID)
	}
	assert.ElementsMatch(t, []string{"build", "lint"}, taskIDs)
}

func TestRunRequestValidateRejectsAllScopeWithUpstream(t *testing.T) {
	loc, err := Parse(":build")
	require.NoError(t, err)

	req := RunRequest{Locators: []Locator{loc}, Upstream: affected.UpstreamDirect}
	err = req.Validate()
	require.Error(t, err)
	assert.IsType(t, &ErrNoAllScopeInDeps{}, err)
}

func TestRunRequestValidateAllowsProjectScopeWithUpstream(t *testing.T) {
	loc, err := Parse("api:build")
	require.NoError(t, err)

	req := RunRequest{Locators: []Locator{loc}, Upstream: affected.UpstreamDirect}
	assert.NoError(t, req.Validate())
}

func TestResolveAllDeduplicatesAcrossLocators(t *testing.T) {
	g := buildGraph()
	loc1, err := Parse("api:build")
	require.NoError(t, err)
	loc2, err := Parse("#backend:build")
	require.NoError(t, err)

	req := RunRequest{Locators: []Locator{loc1, loc2}}
	targets, err := ResolveAll(g, req, "")
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}
