// Package projectgraph builds the Project Graph: a DAG of projects linked
// by explicit and implicit dependency edges, with a global alias index and
// partial-load support. Grounded on internal/graph.CompleteGraph
// (dag.AcyclicGraph as the backing structure) and internal/context/context.go
// (the alias index and workspace-wide uniqueness checks).
package projectgraph

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/moonrun/moonrun/internal/model"
)

// ErrDuplicateProjectID fires when two projects declare the same ID.
type ErrDuplicateProjectID struct{ ID string }

func (e *ErrDuplicateProjectID) Error() string {
	return fmt.Sprintf("duplicate project id %q", e.ID)
}

// ErrAliasCollision fires when an alias collides with another project's
// alias, or shadows an existing project ID.
type ErrAliasCollision struct{ Alias, WithProjectID string }

func (e *ErrAliasCollision) Error() string {
	return fmt.Sprintf("alias %q collides with project %q", e.Alias, e.WithProjectID)
}

// ErrUnknownDependency names a project that references a dependency ID
// no loaded project declares.
type ErrUnknownDependency struct{ From, To string }

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("project %q depends on unknown project %q", e.From, e.To)
}

// ErrCycle names both endpoints of an edge that would have introduced a
// dependency cycle.
type ErrCycle struct{ From, To string }

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency edge %q -> %q would introduce a cycle", e.From, e.To)
}

// Graph is the Project Graph: a frozen-after-build DAG of *model.Project,
// keyed by project ID, with a secondary alias index.
type Graph struct {
	logger   hclog.Logger
	dag      dag.AcyclicGraph
	projects map[string]*model.Project
	aliases  map[string]string // alias -> project ID
	frozen   bool

	disableAliases bool
}

// New returns an empty Graph. disableAliases mirrors the workspace config
// flag that turns off alias uniqueness enforcement entirely.
func New(logger hclog.Logger, disableAliases bool) *Graph {
	return &Graph{
		logger:         logger,
		projects:       map[string]*model.Project{},
		aliases:        map[string]string{},
		disableAliases: disableAliases,
	}
}

// AddProject registers a project as a graph vertex. It must be called for
// every project before any AddDependencyEdge call.
func (g *Graph) AddProject(p *model.Project) error {
	if g.frozen {
		return fmt.Errorf("projectgraph: cannot add project %q to a frozen graph", p.ID)
	}
	if _, dup := g.projects[p.ID]; dup {
		return &ErrDuplicateProjectID{ID: p.ID}
	}
	if p.Alias != "" && !g.disableAliases {
		if _, dup := g.projects[p.Alias]; dup {
			return &ErrAliasCollision{Alias: p.Alias, WithProjectID: p.Alias}
		}
		if existingID, dup := g.aliases[p.Alias]; dup {
			return &ErrAliasCollision{Alias: p.Alias, WithProjectID: existingID}
		}
		g.aliases[p.Alias] = p.ID
	}
	g.projects[p.ID] = p
	g.dag.Add(p.ID)
	return nil
}

// Resolve maps an ID-or-alias string to its canonical project ID.
func (g *Graph) Resolve(idOrAlias string) (string, bool) {
	if _, ok := g.projects[idOrAlias]; ok {
		return idOrAlias, true
	}
	if id, ok := g.aliases[idOrAlias]; ok {
		return id, true
	}
	return "", false
}

// Project returns the project record for a canonical ID.
func (g *Graph) Project(id string) (*model.Project, bool) {
	p, ok := g.projects[id]
	return p, ok
}

// AddDependencyEdge connects fromID -> toID (from depends on to). Rejects
// unknown endpoints and rejects any edge that would introduce a cycle,
// naming both endpoints in the returned error.
func (g *Graph) AddDependencyEdge(fromID, toID string) error {
	if g.frozen {
		return fmt.Errorf("projectgraph: cannot add an edge to a frozen graph")
	}
	if _, ok := g.projects[fromID]; !ok {
		return &ErrUnknownDependency{From: fromID, To: toID}
	}
	if _, ok := g.projects[toID]; !ok {
		return &ErrUnknownDependency{From: fromID, To: toID}
	}
	g.dag.Connect(dag.BasicEdge(fromID, toID))
	if err := g.dag.Validate(); err != nil {
		g.dag.RemoveEdge(dag.BasicEdge(fromID, toID))
		return &ErrCycle{From: fromID, To: toID}
	}
	return nil
}

// BuildFromDependencies walks every already-added project's Dependencies
// list and adds the corresponding edges, skipping DepRoot-scoped entries
// that reference the implicit workspace root (handled separately by
// callers that model a literal root project).
func (g *Graph) BuildFromDependencies() error {
	ids := make([]string, 0, len(g.projects))
	for id := range g.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := g.projects[id]
		for _, dep := range p.Dependencies {
			if _, ok := g.projects[dep.ID]; !ok {
				if g.logger != nil {
					g.logger.Warn("dependency references unknown project", "from", id, "to", dep.ID)
				}
				continue
			}
			if err := g.AddDependencyEdge(id, dep.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Freeze marks the graph immutable: no further AddProject/AddDependencyEdge
// calls are permitted, matching the "frozen before the action graph runs"
// lifecycle.
func (g *Graph) Freeze() {
	g.frozen = true
}

// DirectDependencies returns projectID's direct dependency IDs, sorted, so
// that callers (the Task Expander's ProjectView) get a stable order.
func (g *Graph) DirectDependencies(projectID string) []string {
	down := g.dag.DownEdges(projectID)
	out := make([]string, 0, down.Len())
	for _, v := range down.List() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// AllDependencies returns every transitive dependency of projectID
// (upstream scope), sorted.
func (g *Graph) AllDependencies(projectID string) ([]string, error) {
	ancestors, err := g.dag.Descendents(projectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, ancestors.Len())
	for _, v := range ancestors.List() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out, nil
}

// AllDependents returns every transitive dependent of projectID (downstream
// scope): projects that depend on it, directly or indirectly.
func (g *Graph) AllDependents(projectID string) ([]string, error) {
	descendents, err := g.dag.Ancestors(projectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, descendents.Len())
	for _, v := range descendents.List() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out, nil
}

// ProjectsWithTag returns every loaded project ID carrying the given tag,
// sorted.
func (g *Graph) ProjectsWithTag(tag string) []string {
	var out []string
	for id, p := range g.projects {
		if p.HasTag(tag) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HasTask reports whether projectID declares taskID.
func (g *Graph) HasTask(projectID, taskID string) bool {
	p, ok := g.projects[projectID]
	if !ok {
		return false
	}
	_, ok = p.Tasks[taskID]
	return ok
}

// IsPersistent reports whether projectID's taskID is marked persistent.
func (g *Graph) IsPersistent(projectID, taskID string) bool {
	p, ok := g.projects[projectID]
	if !ok {
		return false
	}
	t, ok := p.Tasks[taskID]
	if !ok {
		return false
	}
	return t.Options.Persistent
}

// AllowsFailure reports whether projectID's taskID is marked allow_failure.
func (g *Graph) AllowsFailure(projectID, taskID string) bool {
	p, ok := g.projects[projectID]
	if !ok {
		return false
	}
	t, ok := p.Tasks[taskID]
	if !ok {
		return false
	}
	return t.Options.AllowFailure
}

// ProjectIDs returns every loaded project ID, sorted.
func (g *Graph) ProjectIDs() []string {
	out := make([]string, 0, len(g.projects))
	for id := range g.projects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of loaded projects.
func (g *Graph) Len() int {
	return len(g.projects)
}

// Subset returns a new Graph containing only the seed projects and every
// project they transitively depend on, with dependency edges rebuilt among
// the retained set. Grounded on moon's partial-load entry point (loading a
// subset of projects and transitively expanding their deps rather than
// loading the whole workspace up front), useful for targeted runs against a
// large monorepo where loading every project's config is wasted work.
func (g *Graph) Subset(seedIDs []string) (*Graph, error) {
	keep := map[string]struct{}{}
	var visit func(id string) error
	visit = func(id string) error {
		if _, ok := keep[id]; ok {
			return nil
		}
		p, ok := g.projects[id]
		if !ok {
			return &ErrUnknownDependency{From: "<subset-seed>", To: id}
		}
		keep[id] = struct{}{}
		for _, dep := range p.Dependencies {
			if err := visit(dep.ID); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range seedIDs {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	sub := New(g.logger, g.disableAliases)
	ids := make([]string, 0, len(keep))
	for id := range keep {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := sub.AddProject(g.projects[id]); err != nil {
			return nil, err
		}
	}
	if err := sub.BuildFromDependencies(); err != nil {
		return nil, err
	}
	return sub, nil
}
