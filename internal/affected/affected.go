// Package affected implements the Affected Tracker: seeded from a set of
// VCS-touched paths, it marks projects and tasks as affected and propagates
// that mark through the Project Graph under configurable upstream
// (dependency) and downstream (dependent) scopes.
//
// Grounded on the scope-resolution pass in internal/scope (which walks the
// workspace graph from a set of changed files to a set of affected
// packages), adapted to the task-level granularity this system's Task
// record set requires.
package affected

import (
	"sort"

	"github.com/gobwas/glob"

	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/projectgraph"
	"github.com/moonrun/moonrun/internal/vcsport"
	"github.com/moonrun/moonrun/internal/wpath"
)

// UpstreamScope controls how far an affected mark propagates to a
// project's dependencies.
type UpstreamScope int

const (
	UpstreamNone UpstreamScope = iota
	UpstreamDirect
	UpstreamDeep
)

// DownstreamScope mirrors UpstreamScope for a project's dependents.
type DownstreamScope int

const (
	DownstreamNone DownstreamScope = iota
	DownstreamDirect
	DownstreamDeep
)

// ProjectMark records why and how a project was affected.
type ProjectMark struct {
	Touched         map[wpath.WorkspaceRelative]struct{}
	FilesMatched    []wpath.WorkspaceRelative
	GlobsMatched    []string
	DirectlyMarked  bool
	UpstreamMarked  bool
	DownstreamMarked bool
}

// Affected reports whether this project is marked under any scope.
func (m *ProjectMark) Affected() bool {
	return m.DirectlyMarked || m.UpstreamMarked || m.DownstreamMarked
}

// TaskMark records why a task was affected.
type TaskMark struct {
	Touched      bool
	EnvChanged   bool
	DepsAffected bool
}

// Affected reports whether this task is marked under any reason.
func (m *TaskMark) Affected() bool {
	return m.Touched || m.EnvChanged || m.DepsAffected
}

// Tracker holds accumulated affected-state for one run's touched-file set.
type Tracker struct {
	graph    *projectgraph.Graph
	projects map[string]*ProjectMark
	tasks    map[string]*TaskMark // keyed by "projectID:taskID"
}

// NewTracker returns an empty Tracker bound to graph.
func NewTracker(graph *projectgraph.Graph) *Tracker {
	return &Tracker{
		graph:    graph,
		projects: map[string]*ProjectMark{},
		tasks:    map[string]*TaskMark{},
	}
}

func taskKey(projectID, taskID string) string { return projectID + ":" + taskID }

// Project returns the mark for a project, or a zero mark if it was never
// touched by TrackProjects.
func (t *Tracker) Project(projectID string) ProjectMark {
	if m, ok := t.projects[projectID]; ok {
		return *m
	}
	return ProjectMark{}
}

// Task returns the mark for a project's task, or a zero mark.
func (t *Tracker) Task(projectID, taskID string) TaskMark {
	if m, ok := t.tasks[taskKey(projectID, taskID)]; ok {
		return *m
	}
	return TaskMark{}
}

// TrackProjects marks every project directly affected by a touched path
// (the path lies inside the project's source directory, or matches one of
// its task inputs) and propagates the mark to dependencies/dependents per
// the given scopes.
func (t *Tracker) TrackProjects(touched vcsport.TouchedFiles, upstream UpstreamScope, downstream DownstreamScope) error {
	all := touched.All()
	for _, id := range t.graph.ProjectIDs() {
		p, _ := t.graph.Project(id)
		mark := t.directMark(p, all)
		if mark.DirectlyMarked {
			t.projects[id] = mark
		}
	}

	if upstream != UpstreamNone {
		for id, mark := range t.snapshotAffectedIDs() {
			_ = mark
			deps, err := t.upstreamSet(id, upstream)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				t.markUpstream(dep)
			}
		}
	}

	if downstream != DownstreamNone {
		for id := range t.snapshotAffectedIDs() {
			deps, err := t.downstreamSet(id, downstream)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				t.markDownstream(dep)
			}
		}
	}
	return nil
}

// snapshotAffectedIDs returns project IDs already marked affected (any
// reason), used so propagation operates on a stable seed set rather than
// picking up marks added by propagation itself.
func (t *Tracker) snapshotAffectedIDs() map[string]struct{} {
	out := map[string]struct{}{}
	for id, m := range t.projects {
		if m.Affected() {
			out[id] = struct{}{}
		}
	}
	return out
}

func (t *Tracker) upstreamSet(id string, scope UpstreamScope) ([]string, error) {
	if scope == UpstreamDirect {
		return t.graph.DirectDependencies(id), nil
	}
	return t.graph.AllDependencies(id)
}

func (t *Tracker) downstreamSet(id string, scope DownstreamScope) ([]string, error) {
	if scope == DownstreamDirect {
		dependents := map[string]struct{}{}
		for _, other := range t.graph.ProjectIDs() {
			for _, dep := range t.graph.DirectDependencies(other) {
				if dep == id {
					dependents[other] = struct{}{}
				}
			}
		}
		out := make([]string, 0, len(dependents))
		for d := range dependents {
			out = append(out, d)
		}
		sort.Strings(out)
		return out, nil
	}
	return t.graph.AllDependents(id)
}

func (t *Tracker) markUpstream(id string) {
	m := t.ensureProject(id)
	m.UpstreamMarked = true
}

func (t *Tracker) markDownstream(id string) {
	m := t.ensureProject(id)
	m.DownstreamMarked = true
}

func (t *Tracker) ensureProject(id string) *ProjectMark {
	m, ok := t.projects[id]
	if !ok {
		m = &ProjectMark{Touched: map[wpath.WorkspaceRelative]struct{}{}}
		t.projects[id] = m
	}
	return m
}

func (t *Tracker) directMark(p *model.Project, touched []wpath.WorkspaceRelative) *ProjectMark {
	mark := &ProjectMark{Touched: map[wpath.WorkspaceRelative]struct{}{}}
	sourcePrefix := string(p.Source)
	for _, path := range touched {
		if insideSource(sourcePrefix, string(path)) {
			mark.Touched[path] = struct{}{}
			mark.FilesMatched = append(mark.FilesMatched, path)
			mark.DirectlyMarked = true
			continue
		}
		for _, task := range p.Tasks {
			if matchesTaskInputs(task, path) {
				mark.Touched[path] = struct{}{}
				mark.FilesMatched = append(mark.FilesMatched, path)
				mark.DirectlyMarked = true
				break
			}
		}
	}
	return mark
}

func insideSource(source, path string) bool {
	if source == "" {
		return true // root-level project: every path is "inside" the workspace root
	}
	if path == source {
		return true
	}
	return len(path) > len(source) && path[:len(source)] == source && path[len(source)] == '/'
}

func matchesTaskInputs(task *model.Task, path wpath.WorkspaceRelative) bool {
	for _, f := range task.InputFiles {
		if f == path {
			return true
		}
	}
	for _, g := range task.InputGlobs {
		if globMatches(g, string(path)) {
			return true
		}
	}
	return false
}

func globMatches(pattern, path string) bool {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return false
	}
	return g.Match(path)
}

// TrackTasks marks every task affected by: an input file intersecting
// touched, an input glob matching touched, an input env var whose current
// value differs from its persisted prior value, or a dependency task being
// affected. currentEnv resolves a variable's live value; priorEnv supplies
// the last-persisted values to diff against.
func (t *Tracker) TrackTasks(touched vcsport.TouchedFiles, priorEnv map[string]string, currentEnv func(name string) (string, bool)) error {
	all := touched.All()
	touchedSet := map[wpath.WorkspaceRelative]struct{}{}
	for _, p := range all {
		touchedSet[p] = struct{}{}
	}

	for _, id := range t.graph.ProjectIDs() {
		p, _ := t.graph.Project(id)
		for taskID, task := range p.Tasks {
			mark := &TaskMark{}
			for _, f := range task.InputFiles {
				if _, ok := touchedSet[f]; ok {
					mark.Touched = true
					break
				}
			}
			if !mark.Touched {
				for _, g := range task.InputGlobs {
					for _, path := range all {
						if globMatches(g, string(path)) {
							mark.Touched = true
							break
						}
					}
					if mark.Touched {
						break
					}
				}
			}
			for _, name := range task.InputEnv {
				prior, hadPrior := priorEnv[name]
				current, hasCurrent := currentEnv(name)
				if hadPrior != hasCurrent || prior != current {
					mark.EnvChanged = true
					break
				}
			}
			t.tasks[taskKey(id, taskID)] = mark
		}
	}

	// Fixed-point pass: a task depending on an affected task is itself
	// affected, iterated until no new marks appear since dep edges may
	// cross projects in either declaration order.
	for changed := true; changed; {
		changed = false
		for _, id := range t.graph.ProjectIDs() {
			p, _ := t.graph.Project(id)
			for taskID, task := range p.Tasks {
				key := taskKey(id, taskID)
				mark := t.tasks[key]
				if mark.DepsAffected {
					continue
				}
				for _, dep := range task.ResolvedDeps {
					depMark, ok := t.tasks[taskKey(dep.ProjectID, dep.TaskID)]
					if ok && depMark.Affected() {
						mark.DepsAffected = true
						changed = true
						break
					}
				}
			}
		}
	}
	return nil
}
