// Package target implements the Target Locator grammar and the Run
// Request type the CLI collaborator builds from parsed arguments: parsing
// "<scope>:<task>" (or a bare default-project task) into a structured
// Locator, and resolving a Locator against the Project Graph into
// concrete model.Target values.
//
// Grounded on scope/filter's TargetSelector parsing and filterGraph
// resolution (exact package name, package glob, and "the project inferred
// from the working directory" cases), adapted from pnpm-style `./pkg`
// path selectors and `...` dependency/dependent suffixes to this system's
// `:`/`^`/`~`/`#tag` scope-prefix grammar, and from its hand-rolled
// `regexp.QuoteMeta`-based glob matcher to gobwas/glob, since the grammar
// here explicitly specifies brace-expansion (`{a,b}`) as well as `*`/`?`.
package target

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/moonrun/moonrun/internal/model"
)

// Kind is the Locator scope-half variant tag.
type Kind int

const (
	KindAll Kind = iota
	KindDeps
	KindSelf
	KindDefaultProject
	KindProject
	KindProjectGlob
	KindTag
	KindTagGlob
)

// Locator is a parsed, not-yet-resolved Target Locator.
type Locator struct {
	Kind         Kind
	ScopePattern string // project id/glob or tag/glob; unused for All/Deps/Self/DefaultProject
	TaskPattern  string // task id or glob
}

// ErrInvalidTarget reports a locator string the grammar rejects.
type ErrInvalidTarget struct{ Raw, Reason string }

func (e *ErrInvalidTarget) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Raw, e.Reason)
}

// Parse parses one Target Locator string per the grammar: a bare task
// (no ':') is a default-project locator; otherwise the text before the
// last ':' is the scope half and the text after is the task half, each of
// which may contain glob characters ('*', '?', '{a,b}').
func Parse(raw string) (Locator, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		if raw == "" {
			return Locator{}, &ErrInvalidTarget{Raw: raw, Reason: "empty locator"}
		}
		return Locator{Kind: KindDefaultProject, TaskPattern: raw}, nil
	}

	scopePart, taskPart := raw[:idx], raw[idx+1:]
	if taskPart == "" {
		return Locator{}, &ErrInvalidTarget{Raw: raw, Reason: "empty task half"}
	}

	switch {
	case scopePart == "":
		return Locator{Kind: KindAll, TaskPattern: taskPart}, nil
	case scopePart == "^":
		return Locator{Kind: KindDeps, TaskPattern: taskPart}, nil
	case scopePart == "~":
		return Locator{Kind: KindSelf, TaskPattern: taskPart}, nil
	case strings.HasPrefix(scopePart, "#"):
		tagPattern := scopePart[1:]
		if tagPattern == "" {
			return Locator{}, &ErrInvalidTarget{Raw: raw, Reason: "empty tag half"}
		}
		if isGlobPattern(tagPattern) {
			return Locator{Kind: KindTagGlob, ScopePattern: tagPattern, TaskPattern: taskPart}, nil
		}
		return Locator{Kind: KindTag, ScopePattern: tagPattern, TaskPattern: taskPart}, nil
	default:
		if isGlobPattern(scopePart) {
			return Locator{Kind: KindProjectGlob, ScopePattern: scopePart, TaskPattern: taskPart}, nil
		}
		return Locator{Kind: KindProject, ScopePattern: scopePart, TaskPattern: taskPart}, nil
	}
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?{")
}

// ProjectView is the read-only slice of the Project Graph Resolve needs.
type ProjectView interface {
	ProjectIDs() []string
	Project(id string) (*model.Project, bool)
	ProjectsWithTag(tag string) []string
	DirectDependencies(projectID string) []string
	HasTask(projectID, taskID string) bool
}

// ErrNoSelfInContext fires when a Self or DefaultProject locator is
// resolved without a containing project (e.g. the CLI was invoked outside
// any project's source directory).
type ErrNoSelfInContext struct{ Raw string }

func (e *ErrNoSelfInContext) Error() string {
	return fmt.Sprintf("locator %q requires a project inferred from the working directory", e.Raw)
}

// ErrNoDepsInContext mirrors ErrNoSelfInContext for the Deps scope.
type ErrNoDepsInContext struct{ Raw string }

func (e *ErrNoDepsInContext) Error() string {
	return fmt.Sprintf("locator %q requires a containing project to resolve dependencies from", e.Raw)
}

// Resolve expands a parsed Locator into concrete (projectID, taskID)
// pairs against the given Project Graph. selfProjectID is the project
// inferred from the working directory; it may be empty when no such
// project exists, which is only an error for locators that need one.
func Resolve(graph ProjectView, loc Locator, selfProjectID string) ([]model.Target, error) {
	var candidateProjects []string

	switch loc.Kind {
	case KindAll:
		candidateProjects = graph.ProjectIDs()
	case KindDeps:
		if selfProjectID == "" {
			return nil, &ErrNoDepsInContext{Raw: loc.String()}
		}
		candidateProjects = graph.DirectDependencies(selfProjectID)
	case KindSelf, KindDefaultProject:
		if selfProjectID == "" {
			return nil, &ErrNoSelfInContext{Raw: loc.String()}
		}
		candidateProjects = []string{selfProjectID}
	case KindProject:
		candidateProjects = []string{loc.ScopePattern}
	case KindProjectGlob:
		candidateProjects = matchGlob(loc.ScopePattern, graph.ProjectIDs())
	case KindTag:
		candidateProjects = graph.ProjectsWithTag(loc.ScopePattern)
	case KindTagGlob:
		candidateProjects = matchingTagProjects(graph, loc.ScopePattern)
	default:
		return nil, fmt.Errorf("target: unknown locator kind %d", loc.Kind)
	}

	var out []model.Target
	taskIsGlob := isGlobPattern(loc.TaskPattern)
	for _, projectID := range candidateProjects {
		project, ok := graph.Project(projectID)
		if !ok {
			continue
		}
		if !taskIsGlob {
			if graph.HasTask(projectID, loc.TaskPattern) {
				out = append(out, taskTarget(loc, projectID, loc.TaskPattern))
			}
			continue
		}
		for _, taskID := range matchGlob(loc.TaskPattern, taskIDs(project)) {
			out = append(out, taskTarget(loc, projectID, taskID))
		}
	}
	return out, nil
}

func taskIDs(p *model.Project) []string {
	ids := make([]string, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func taskTarget(loc Locator, projectID, taskID string) model.Target {
	return model.Target{Scope: model.ScopeProject, ID: projectID, TaskID: taskID}
}

func matchingTagProjects(graph ProjectView, tagPattern string) []string {
	compiled, err := glob.Compile(tagPattern)
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, projectID := range graph.ProjectIDs() {
		project, ok := graph.Project(projectID)
		if !ok {
			continue
		}
		for tag := range project.Tags {
			if compiled.Match(tag) {
				seen[projectID] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func matchGlob(pattern string, candidates []string) []string {
	if pattern == "*" {
		out := append([]string(nil), candidates...)
		sort.Strings(out)
		return out
	}
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return nil
	}
	var out []string
	for _, c := range candidates {
		if compiled.Match(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// String renders the canonical locator form, mirroring model.Target.String.
func (l Locator) String() string {
	switch l.Kind {
	case KindAll:
		return ":" + l.TaskPattern
	case KindDeps:
		return "^:" + l.TaskPattern
	case KindSelf:
		return "~:" + l.TaskPattern
	case KindDefaultProject:
		return l.TaskPattern
	case KindTag, KindTagGlob:
		return "#" + l.ScopePattern + ":" + l.TaskPattern
	default:
		return l.ScopePattern + ":" + l.TaskPattern
	}
}
