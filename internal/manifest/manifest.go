// Package manifest loads a workspace description from a JSON file into the
// Project Graph and a set of fully-expanded tasks. A manifest names each
// project's own tasks plus, optionally, shared task templates keyed by the
// same lookup-order vocabulary internal/inherit computes (stack, layer,
// toolchain, tag); every declared and inherited task is run through
// internal/taskbuilder before the Task Expander ever sees it, so the
// extends-chain/merge-strategy/toolchain-fallback/shell-default/OS-guard
// algorithm applies to real workspaces, not just to taskbuilder's own tests.
//
// Grounded on internal/context/context.go's workspace-load sequence (read
// config -> build the Project Graph -> expand every task) and
// internal/core/engine.go's getTaskDefinitionChain (root-then-workspace
// config merge, later layers overriding earlier ones), narrowed from
// package.json/turbo.json discovery to one JSON document naming the whole
// workspace plus its shared templates.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/moonrun/moonrun/internal/expand"
	"github.com/moonrun/moonrun/internal/inherit"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/projectgraph"
	"github.com/moonrun/moonrun/internal/taskbuilder"
	"github.com/moonrun/moonrun/internal/wpath"
)

// File is the on-disk JSON shape of a workspace manifest.
type File struct {
	Projects []ProjectSpec `json:"projects"`
	// Templates maps a lookup key (see internal/inherit.LookupOrder: "*", a
	// stack name, a toolchain name, "tag-<name>", ...) to the set of tasks
	// that key's config file declares, keyed by task ID.
	Templates      map[string]map[string]TaskSpec `json:"templates,omitempty"`
	ImplicitDeps   []string                       `json:"implicitDeps,omitempty"`
	ImplicitInputs []string                       `json:"implicitInputs,omitempty"`
}

// ProjectSpec describes one project entry.
type ProjectSpec struct {
	ID           string              `json:"id"`
	Alias        string              `json:"alias,omitempty"`
	Source       string              `json:"source"`
	Language     string              `json:"language,omitempty"`
	Stack        string              `json:"stack,omitempty"`
	Layer        string              `json:"layer,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Toolchains   []string            `json:"toolchains,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Env          map[string]string   `json:"env,omitempty"`
	Tasks        map[string]TaskSpec `json:"tasks,omitempty"`
}

// TaskSpec describes one task declaration as internal/taskbuilder's raw,
// per-layer configuration: a literal command/args/script, deps (as target
// locator strings), inputs/outputs (as literal path/glob/"$VAR"/"group:name"
// strings) and the merge strategy each field folds under when this layer
// combines with others in the same extends chain.
type TaskSpec struct {
	Extends string `json:"extends,omitempty"`
	Local   bool   `json:"local,omitempty"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Script  string            `json:"script,omitempty"`
	Deps    []string          `json:"deps,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Inputs  []string          `json:"inputs,omitempty"`
	Outputs []string          `json:"outputs,omitempty"`
	OS      []string          `json:"os,omitempty"`

	MergeArgs    string `json:"mergeArgs,omitempty"`
	MergeDeps    string `json:"mergeDeps,omitempty"`
	MergeEnv     string `json:"mergeEnv,omitempty"`
	MergeInputs  string `json:"mergeInputs,omitempty"`
	MergeOutputs string `json:"mergeOutputs,omitempty"`

	Persistent   *bool  `json:"persistent,omitempty"`
	Interactive  *bool  `json:"interactive,omitempty"`
	AllowFailure *bool  `json:"allowFailure,omitempty"`
	NoCache      *bool  `json:"noCache,omitempty"`
	Shell        *bool  `json:"shell,omitempty"`
	Mutex        string `json:"mutex,omitempty"`
	OutputStyle  string `json:"outputStyle,omitempty"`
	Preset       string `json:"preset,omitempty"`
	Timeout      *int   `json:"timeout,omitempty"`
	RetryCount   *int   `json:"retryCount,omitempty"`
	RunInCI      *bool  `json:"runInCi,omitempty"`
}

// ErrOutputIsEnvVar reports a declared output whose literal form names an
// env var rather than a filesystem artifact.
type ErrOutputIsEnvVar struct{ ProjectID, TaskID, Raw string }

func (e *ErrOutputIsEnvVar) Error() string {
	return fmt.Sprintf("project %q task %q: output %q names an env var, not a path", e.ProjectID, e.TaskID, e.Raw)
}

// Load reads and parses a manifest file from disk.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &f, nil
}

// Workspace is a fully loaded, built, and expanded manifest: a frozen
// Project Graph plus every task it declares or inherits, keyed
// "project:task".
type Workspace struct {
	Graph *projectgraph.Graph
	Tasks map[string]*model.Task
}

// Build constructs the Project Graph from f, runs every project's declared
// and inherited tasks through internal/taskbuilder, and finishes each with
// the Task Expander. root anchors project-relative and workspace-relative
// path resolution during expansion; dirExists probes the real filesystem
// for the directory-to-glob conversion the expander's resolveWorkspacePath
// performs.
func Build(f *File, root wpath.AbsolutePath, logger hclog.Logger, dirExists func(wpath.WorkspaceRelative) bool) (*Workspace, error) {
	graph := projectgraph.New(logger, false)

	for i := range f.Projects {
		ps := &f.Projects[i]
		p := &model.Project{
			ID:         ps.ID,
			Alias:      ps.Alias,
			Source:     wpath.WorkspaceRelative(ps.Source),
			Language:   ps.Language,
			Stack:      parseStack(ps.Stack),
			Layer:      parseLayer(ps.Layer),
			Tags:       toTagSet(ps.Tags),
			Toolchains: ps.Toolchains,
			Env:        ps.Env,
			FileGroups: map[string]model.FileGroup{},
			Tasks:      map[string]*model.Task{},
		}
		for _, depID := range ps.Dependencies {
			p.Dependencies = append(p.Dependencies, model.ProjectDependency{
				ID:     depID,
				Scope:  model.DepProduction,
				Source: model.DepExplicit,
			})
		}

		source, taskIDs, err := newManifestSource(ps, f.Templates)
		if err != nil {
			return nil, err
		}

		rootLevel := p.Source == ""
		ctx := taskbuilder.Context{
			ProjectID:            ps.ID,
			RootLevel:            rootLevel,
			ProjectEnv:           ps.Env,
			EnabledToolchains:    ps.Toolchains,
			GlobalImplicitDeps:   f.ImplicitDeps,
			GlobalImplicitInputs: f.ImplicitInputs,
		}

		for _, taskID := range taskIDs {
			task, err := taskbuilder.Build(taskID, source, ctx)
			if err != nil {
				return nil, fmt.Errorf("project %q: %w", ps.ID, err)
			}
			p.Tasks[taskID] = task
		}
		if err := graph.AddProject(p); err != nil {
			return nil, err
		}
	}
	if err := graph.BuildFromDependencies(); err != nil {
		return nil, err
	}
	graph.Freeze()

	tasks := map[string]*model.Task{}
	for _, ps := range f.Projects {
		p, _ := graph.Project(ps.ID)
		exp := &expand.Expander{
			Graph:         graph,
			Project:       p,
			WorkspaceRoot: root,
			DirExists:     dirExists,
		}
		for taskID, task := range p.Tasks {
			if err := exp.Expand(task); err != nil {
				return nil, fmt.Errorf("project %q task %q: %w", ps.ID, taskID, err)
			}
			tasks[ps.ID+":"+taskID] = task
		}
	}
	return &Workspace{Graph: graph, Tasks: tasks}, nil
}

// manifestSource adapts one project's local tasks plus the workspace's
// shared templates into inherit.Source: LocalTask answers from the
// project's own declarations (implicitly extending into the project's most
// specific matching template, by task-ID identity, when the local
// declaration doesn't name an explicit extends target of its own);
// GlobalTask walks the synthetic per-key chain buildGlobalChain produces.
type manifestSource struct {
	local  map[string]inherit.RawTask
	global map[string]inherit.RawTask
}

func (s manifestSource) LocalTask(id string) (inherit.RawTask, bool) {
	rt, ok := s.local[id]
	if !ok {
		return inherit.RawTask{}, false
	}
	if rt.Extends == "" {
		if _, ok := s.global[globalHeadAlias(id)]; ok {
			rt.Extends = globalHeadAlias(id)
		}
	}
	return rt, true
}

func (s manifestSource) GlobalTask(id string) (inherit.RawTask, bool) {
	rt, ok := s.global[id]
	return rt, ok
}

// newManifestSource builds ps's inherit.Source and the full set of task IDs
// it declares or inherits (local declarations plus every template-only task
// reachable through ps's lookup order).
func newManifestSource(ps *ProjectSpec, templates map[string]map[string]TaskSpec) (manifestSource, []string, error) {
	local := map[string]inherit.RawTask{}
	for taskID, ts := range ps.Tasks {
		if err := validateOutputs(ps.ID, taskID, ts.Outputs); err != nil {
			return manifestSource{}, nil, err
		}
		local[taskID] = ts.toRawTask(taskID)
	}

	lookupOrder := inherit.LookupOrder(ps.Toolchains, ps.Stack, ps.Layer, ps.Tags)
	global, err := buildGlobalChain(ps.ID, lookupOrder, templates)
	if err != nil {
		return manifestSource{}, nil, err
	}

	idSet := map[string]struct{}{}
	for taskID := range local {
		idSet[taskID] = struct{}{}
	}
	for id := range global {
		if isSyntheticGlobalID(id) {
			continue
		}
		idSet[id] = struct{}{}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return manifestSource{local: local, global: global}, ids, nil
}

// buildGlobalChain walks lookupOrder and, for every task ID any matching
// key's config declares, folds the matching keys into an extends chain
// ordered least-specific first. Each chain's most specific layer is
// addressable two ways: by the bare task ID, the entry point ExtendsChain
// uses when a project has no local declaration for that ID, and by
// globalHeadAlias(id), the entry point a local declaration extends into
// implicitly.
func buildGlobalChain(projectID string, lookupOrder []string, templates map[string]map[string]TaskSpec) (map[string]inherit.RawTask, error) {
	type layer struct {
		key string
		ts  TaskSpec
	}
	byTask := map[string][]layer{}
	for _, key := range lookupOrder {
		keyTasks, ok := templates[key]
		if !ok {
			continue
		}
		taskIDs := make([]string, 0, len(keyTasks))
		for taskID := range keyTasks {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Strings(taskIDs)
		for _, taskID := range taskIDs {
			byTask[taskID] = append(byTask[taskID], layer{key: key, ts: keyTasks[taskID]})
		}
	}

	out := map[string]inherit.RawTask{}
	for taskID, layers := range byTask {
		n := len(layers)
		for i, l := range layers {
			if err := validateOutputs(projectID, taskID, l.ts.Outputs); err != nil {
				return nil, err
			}
			rt := l.ts.toRawTask(taskID)
			if i > 0 {
				rt.Extends = syntheticGlobalID(taskID, layers[i-1].key)
			}
			id := taskID
			if i < n-1 {
				id = syntheticGlobalID(taskID, l.key)
			}
			out[id] = rt
			if i == n-1 {
				out[globalHeadAlias(taskID)] = rt
			}
		}
	}
	return out, nil
}

func syntheticGlobalID(taskID, key string) string { return "#" + taskID + "#" + key }
func globalHeadAlias(taskID string) string        { return "#" + taskID }
func isSyntheticGlobalID(id string) bool          { return strings.HasPrefix(id, "#") }

func validateOutputs(projectID, taskID string, outputs []string) error {
	for _, raw := range outputs {
		if strings.HasPrefix(raw, "$") {
			return &ErrOutputIsEnvVar{ProjectID: projectID, TaskID: taskID, Raw: raw}
		}
	}
	return nil
}

// toRawTask converts a manifest's already-concrete declaration into one
// extends-chain layer for internal/taskbuilder.
func (ts TaskSpec) toRawTask(id string) inherit.RawTask {
	rt := inherit.RawTask{
		ID:           id,
		Extends:      ts.Extends,
		Script:       ts.Script,
		Local:        ts.Local,
		Preset:       ts.Preset,
		OS:           ts.OS,
		Deps:         ts.Deps,
		Env:          ts.Env,
		Inputs:       ts.Inputs,
		Outputs:      ts.Outputs,
		MergeArgs:    ts.MergeArgs,
		MergeDeps:    ts.MergeDeps,
		MergeEnv:     ts.MergeEnv,
		MergeInputs:  ts.MergeInputs,
		MergeOutputs: ts.MergeOutputs,
		Options: inherit.RawOptions{
			Persistent:   ts.Persistent,
			Interactive:  ts.Interactive,
			AllowFailure: ts.AllowFailure,
			Shell:        ts.Shell,
			Mutex:        ts.Mutex,
			OutputStyle:  ts.OutputStyle,
			RunInCI:      ts.RunInCI,
			Timeout:      ts.Timeout,
			RetryCount:   ts.RetryCount,
		},
	}
	if ts.Command != "" {
		rt.Command = &inherit.StringOrList{Single: ts.Command}
	}
	if len(ts.Args) > 0 {
		rt.Args = &inherit.StringOrList{IsList: true, List: ts.Args}
	}
	if ts.NoCache != nil {
		cache := !*ts.NoCache
		rt.Options.Cache = &cache
	}
	return rt
}

func parseStack(s string) model.Stack {
	switch s {
	case "frontend":
		return model.StackFrontend
	case "backend":
		return model.StackBackend
	case "infrastructure":
		return model.StackInfrastructure
	case "systems":
		return model.StackSystems
	default:
		return model.StackUnknown
	}
}

func parseLayer(s string) model.Layer {
	switch s {
	case "application":
		return model.LayerApplication
	case "library":
		return model.LayerLibrary
	case "tool":
		return model.LayerTool
	case "configuration":
		return model.LayerConfiguration
	case "scaffolding":
		return model.LayerScaffolding
	default:
		return model.LayerUnknown
	}
}

func toTagSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}
