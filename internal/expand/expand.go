// Package expand implements the Task Expander: the
// post-build pass that evaluates tokens, loads env files, resolves implicit
// deps, classifies inputs into files/globs/env-vars, and strips
// output-input overlap.
package expand

import (
	"sort"

	"github.com/moonrun/moonrun/internal/filegroup"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/token"
	"github.com/moonrun/moonrun/internal/wpath"
)

// ProjectView is the read-only slice of the Project Graph the expander needs
// to resolve dep scopes and cross-project checks.
type ProjectView interface {
	DirectDependencies(projectID string) []string // declaration order
	ProjectsWithTag(tag string) []string
	HasTask(projectID, taskID string) bool
	IsPersistent(projectID, taskID string) bool
	AllowsFailure(projectID, taskID string) bool
}

// Expander expands one task within its containing project's context.
type Expander struct {
	Graph         ProjectView
	Project       *model.Project
	WorkspaceRoot wpath.AbsolutePath

	// DirExists probes whether a workspace-relative path is a directory on
	// disk, used for the File-Group Resolver's @dirs()/@files() split and
	// for input directory->glob conversion.
	DirExists func(workspaceRelative wpath.WorkspaceRelative) bool

	// EnvVarGlobMatch matches a glob pattern against the captured process
	// environment's variable names, for InputEnvVarGlob entries.
	EnvVarGlobMatch func(pattern string) []string
}

// Expand runs the full per-task expansion pipeline in order: command ->
// args -> env -> deps -> inputs -> outputs.
func (e *Expander) Expand(task *model.Task) error {
	groups := filegroup.New(e.Project.FileGroups, func(projectRelative string) bool {
		if e.DirExists == nil {
			return false
		}
		return e.DirExists(e.Project.Source.Join(projectRelative))
	})

	vars := token.Vars{
		Project:       e.Project.ID,
		ProjectAlias:  e.Project.Alias,
		ProjectSource: e.Project.Source.String(),
		ProjectRoot:   e.Project.Source.String(),
		ProjectType:   e.Project.Layer.String(),
		Language:      e.Project.Language,
		Target:        task.Target.String(),
		Task:          task.ID,
		TaskPlatform:  "any",
		WorkspaceRoot: ".",
	}
	switch task.Type {
	case model.TaskBuild:
		vars.TaskType = "build"
	case model.TaskRun:
		vars.TaskType = "run"
	default:
		vars.TaskType = "test"
	}

	tok := &token.Expander{Groups: groups, Vars: vars}

	// 1. command
	expandedCommand, err := tok.ExpandFuncs(task.Command, token.FieldCommand)
	if err != nil {
		return err
	}
	task.Command = tok.ExpandVars(expandedCommand)

	// 2. args
	for i, a := range task.Args {
		a, err = tok.ExpandFuncs(a, token.FieldArgs)
		if err != nil {
			return err
		}
		task.Args[i] = tok.ExpandVars(a)
	}

	// 3. env: load declared env files relative to the project source, then
	// expand each declared env value (tokens, then $VAR substitution reading
	// task env / env files / process env, self-reference forbidden).
	var envFileRelPaths []string
	for _, f := range task.Options.EnvFiles {
		envFileRelPaths = append(envFileRelPaths, e.Project.Source.Join(f).String())
	}
	envFileValues, _, err := LoadEnvFiles(e.WorkspaceRoot, envFileRelPaths)
	if err != nil {
		return err
	}

	lookupOrder := EnvLookupOrder{TaskEnv: task.Env, EnvFiles: envFileValues, ProcessEnv: ProcessEnv()}
	for _, k := range task.EnvKeys {
		v := task.Env[k]
		v, err = tok.ExpandFuncs(v, token.FieldEnv)
		if err != nil {
			return err
		}
		v = tok.ExpandVars(v)
		v = SubstituteEnv(v, lookupOrder, k)
		task.Env[k] = v
	}

	// Project-level env acts as a base, never overriding a task-level entry.
	for k, v := range e.Project.Env {
		if _, exists := task.Env[k]; !exists {
			task.SetEnv(k, v)
		}
	}

	// 4. deps
	if err := e.expandDeps(task, tok); err != nil {
		return err
	}

	// 5. inputs
	if err := e.expandInputs(task, tok, groups); err != nil {
		return err
	}

	// 6. outputs (removes input/output overlap)
	if err := e.expandOutputs(task, tok, groups); err != nil {
		return err
	}

	sort.Strings(task.InputEnv)
	removeOverlap(task)
	return nil
}

// removeOverlap drops any output path that also appears as a declared input
// path: a path can't be both restored from cache and asserted as fresh.
func removeOverlap(task *model.Task) {
	inputSet := map[wpath.WorkspaceRelative]struct{}{}
	for _, f := range task.InputFiles {
		inputSet[f] = struct{}{}
	}
	var files []wpath.WorkspaceRelative
	for _, f := range task.OutputFiles {
		if _, dup := inputSet[f]; !dup {
			files = append(files, f)
		}
	}
	task.OutputFiles = files

	inputGlobSet := map[string]struct{}{}
	for _, g := range task.InputGlobs {
		inputGlobSet[g] = struct{}{}
	}
	var globs []string
	for _, g := range task.OutputGlobs {
		if _, dup := inputGlobSet[g]; !dup {
			globs = append(globs, g)
		}
	}
	task.OutputGlobs = globs
}
