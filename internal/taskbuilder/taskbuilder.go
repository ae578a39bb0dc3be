// Package taskbuilder builds a single fully-resolved model.Task from a
// project's extends chain of raw, per-layer task configuration.
//
// Grounded on internal/core/engine.go's getTaskDefinition()/AddTask flow
// (project-then-root config fallback, later layers overriding earlier
// ones) and internal/packagemanager's detect-then-fallback shape, reused
// here for the toolchain-fill step (legacy command-prefix detection,
// falling back to the project's enabled toolchains, falling back to
// "system").
package taskbuilder

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/moonrun/moonrun/internal/inherit"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/wpath"
)

// WorkspaceGlobInput is the meta-glob every task implicitly inherits as an
// input (spec.md §4.2 step 6): a change to workspace-level configuration
// invalidates every task's cache.
const WorkspaceGlobInput = ".moon/*.{pkl,yml,yaml,json,toml}"

// commandToolchainPrefixes maps a legacy command name to the toolchain it
// implies, the first rung of step 10's fallback chain.
var commandToolchainPrefixes = map[string]string{
	"cargo":   "rust",
	"rustc":   "rust",
	"node":    "node",
	"npm":     "node",
	"npx":     "node",
	"yarn":    "node",
	"pnpm":    "node",
	"go":      "go",
	"python":  "python",
	"python3": "python",
	"pip":     "python",
	"ruby":    "ruby",
	"bundle":  "ruby",
}

const globMetaChars = "*?[{"

// Context carries the project-scoped facts build_task needs beyond the
// extends chain itself.
type Context struct {
	ProjectID            string
	RootLevel            bool
	ProjectEnv           map[string]string
	EnabledToolchains    []string
	GlobalImplicitDeps   []string
	GlobalImplicitInputs []string
	CurrentOS            string // defaults to runtime.GOOS when empty
}

// Build runs the 10-step task-building algorithm (spec.md §4.2) for id,
// resolving its extends chain through source.
func Build(id string, source inherit.Source, ctx Context) (*model.Task, error) {
	chain, err := inherit.ExtendsChain(source, id)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("taskbuilder: no configuration found for task %q", id)
	}

	task := &model.Task{
		ID:     id,
		Target: model.Target{Scope: model.ScopeProject, ID: ctx.ProjectID, TaskID: id},
	}

	preset := derivePreset(id, chain)
	task.Preset = preset

	buildCommand(task, chain)
	applyOSDeclaration(task, chain)
	// Toolchain-fill (step 10) runs ahead of the shell default (step 9)
	// below, since that default's "system toolchain" rule needs to know
	// the resolved toolchain; nothing after this point changes Toolchains
	// except the OS guard, which only ever clears fields, never fills them.
	fillToolchains(task, ctx)

	opts := model.DefaultTaskOptions()
	opts.ApplyPreset(preset)
	for _, link := range chain {
		applyOptions(&opts, link.Options)
	}
	task.Options = opts

	if err := foldDepsEnvInputsOutputs(task, chain); err != nil {
		return nil, err
	}

	// Step 8 must see only what the chain itself declared, before step 6
	// adds the always-present workspace meta-glob input below.
	classifyDefaultInputs(task, ctx.RootLevel)

	if err := applyImplicits(task, ctx); err != nil {
		return nil, err
	}

	applyProjectEnv(task, ctx.ProjectEnv)

	finalizeShellAndOS(task, ctx)
	applyOSGuard(task, ctx)

	task.Type = task.DeriveType(preset != model.PresetNone)
	task.State.RootLevel = ctx.RootLevel
	task.State.LocalOnly = preset == model.PresetServer || preset == model.PresetWatcher
	task.State.EmptyInputs = len(task.Inputs) == 0

	return task, nil
}

// derivePreset implements step 2: dev/serve/start or any `local: true`
// link implies the Server preset, overridden by the last explicit preset
// in the chain.
func derivePreset(id string, chain []inherit.RawTask) model.Preset {
	preset := model.PresetNone
	if id == "dev" || id == "serve" || id == "start" {
		preset = model.PresetServer
	}
	for _, link := range chain {
		if link.Local {
			preset = model.PresetServer
		}
		if link.Preset != "" {
			preset = parsePreset(link.Preset)
		}
	}
	return preset
}

// buildCommand implements step 3: derive command/args per link, folding
// args per the chain's merge-args strategy, then apply script-task rules
// if any link set `script`.
func buildCommand(task *model.Task, chain []inherit.RawTask) {
	var command string
	var args []string
	script := ""
	mergeArgs := model.MergeReplace

	for _, link := range chain {
		if cmd := link.Command.Values(); len(cmd) > 0 {
			command = cmd[0]
		}
		if link.MergeArgs != "" {
			mergeArgs = parseMergeStrategy(link.MergeArgs, mergeArgs)
		}
		if linkArgs := link.Args.Values(); len(linkArgs) > 0 {
			args = foldGeneric(args, linkArgs, mergeArgs, identity)
		}
		if link.Script != "" {
			script = link.Script
		}
	}

	if script != "" {
		args = nil
		if fields := strings.Fields(script); len(fields) > 0 {
			command = fields[0]
		}
		task.Script = script
		task.Toolchains = []string{"system"}
	}
	task.Command = command
	task.Args = args
}

// applyOptions folds one layer's RawOptions onto opts, later layers
// overriding earlier ones field by field.
func applyOptions(opts *model.TaskOptions, o inherit.RawOptions) {
	if o.Cache != nil {
		opts.Cache = *o.Cache
	}
	if o.CacheKey != "" {
		opts.CacheKey = o.CacheKey
	}
	if o.CacheLifetime != "" {
		opts.CacheLifetime = o.CacheLifetime
	}
	if o.Persistent != nil {
		opts.Persistent = *o.Persistent
	}
	if o.Interactive != nil {
		opts.Interactive = *o.Interactive
	}
	if o.Internal != nil {
		opts.Internal = *o.Internal
	}
	if o.AllowFailure != nil {
		opts.AllowFailure = *o.AllowFailure
	}
	if o.InferInputs != nil {
		opts.InferInputs = *o.InferInputs
	}
	if o.AffectedFiles != "" {
		opts.AffectedFiles = parseAffectedFiles(o.AffectedFiles)
	}
	if o.AffectedPassInputs != nil {
		opts.AffectedPassInputs = *o.AffectedPassInputs
	}
	if len(o.EnvFiles) > 0 {
		opts.EnvFiles = o.EnvFiles
	}
	if o.Shell != nil {
		opts.Shell = o.Shell
	}
	if o.UnixShell != "" {
		opts.UnixShell = o.UnixShell
	}
	if o.WindowsShell != "" {
		opts.WindowsShell = o.WindowsShell
	}
	if o.Mutex != "" {
		opts.Mutex = o.Mutex
	}
	if o.OutputStyle != "" {
		opts.OutputStyle = parseOutputStyle(o.OutputStyle)
	}
	if o.Priority != nil {
		opts.Priority = *o.Priority
	}
	if o.RetryCount != nil {
		opts.RetryCount = *o.RetryCount
	}
	if o.RunDepsInParallel != nil {
		opts.RunDepsInParallel = *o.RunDepsInParallel
	}
	if o.RunInCI != nil {
		opts.RunInCI = *o.RunInCI
	}
	if o.RunFromWorkspaceRoot != nil {
		opts.RunFromWorkspaceRoot = *o.RunFromWorkspaceRoot
	}
	if o.Timeout != nil {
		opts.Timeout = *o.Timeout
	}
}

// foldDepsEnvInputsOutputs implements step 5: fold deps/env/inputs/outputs
// across the chain under their respective merge strategies.
func foldDepsEnvInputsOutputs(task *model.Task, chain []inherit.RawTask) error {
	for _, link := range chain {
		linkDeps, err := parseDeps(link.Deps)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.ID, err)
		}
		task.Deps = foldGeneric(task.Deps, linkDeps, parseMergeStrategy(link.MergeDeps, task.Options.MergeDeps), depKey)

		linkEnv := orderedEnv(link.Env, link.EnvKeys)
		foldEnv(task, linkEnv, parseMergeStrategy(link.MergeEnv, task.Options.MergeEnv))

		linkInputs := classifyInputs(link.Inputs)
		task.Inputs = foldGeneric(task.Inputs, linkInputs, parseMergeStrategy(link.MergeInputs, task.Options.MergeInputs), inputKey)

		linkOutputs, err := classifyOutputs(task.ID, link.Outputs)
		if err != nil {
			return err
		}
		task.Outputs = foldGeneric(task.Outputs, linkOutputs, parseMergeStrategy(link.MergeOutputs, task.Options.MergeOutputs), outputKey)
	}
	return nil
}

// applyImplicits implements step 6: inherit global implicit_deps/
// implicit_inputs (always Append, after everything local) and the
// workspace meta-glob.
func applyImplicits(task *model.Task, ctx Context) error {
	implicitDeps, err := parseDeps(ctx.GlobalImplicitDeps)
	if err != nil {
		return fmt.Errorf("task %q: implicit deps: %w", task.ID, err)
	}
	task.Deps = foldGeneric(task.Deps, implicitDeps, model.MergeAppend, depKey)

	implicitInputs := classifyInputs(ctx.GlobalImplicitInputs)
	task.Inputs = foldGeneric(task.Inputs, implicitInputs, model.MergeAppend, inputKey)

	task.Inputs = foldGeneric(task.Inputs, []model.Input{{Kind: model.InputWorkspaceGlob, Value: WorkspaceGlobInput}}, model.MergeAppend, inputKey)
	return nil
}

// applyProjectEnv implements step 7: project-level env becomes the base,
// so it never overrides anything the chain already set.
func applyProjectEnv(task *model.Task, projectEnv map[string]string) {
	keys := make([]string, 0, len(projectEnv))
	for k := range projectEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if task.Env != nil {
			if _, exists := task.Env[k]; exists {
				continue
			}
		}
		if task.Env == nil {
			task.Env = map[string]string{}
		}
		task.Env[k] = projectEnv[k]
		task.EnvKeys = append(task.EnvKeys, k)
	}
}

// classifyDefaultInputs implements step 8: with no explicit inputs declared
// anywhere in the chain, default to every file in the project, except for
// a root-level project where the default is empty — a guardrail so that
// touching any file in the whole workspace doesn't rebuild the root task.
func classifyDefaultInputs(task *model.Task, rootLevel bool) {
	if len(task.Inputs) > 0 {
		return
	}
	if rootLevel {
		return
	}
	task.Inputs = []model.Input{{Kind: model.InputProjectGlob, Value: "**/*"}}
}

// finalizeShellAndOS implements the first half of step 9: resolve the
// shell flag's default. The OS-mismatch rewrite is done by applyOSGuard.
func finalizeShellAndOS(task *model.Task, ctx Context) {
	if task.Options.Shell == nil {
		shell := runtime.GOOS == "windows" ||
			(len(task.Toolchains) == 1 && task.Toolchains[0] == "system") ||
			task.Script != "" ||
			argsHaveGlob(task.Args)
		task.Options.Shell = &shell
	}
}

// applyOSDeclaration folds the chain's `os` lists (last non-empty one
// wins, since this is a membership guard rather than an accumulating
// list) into the task's options for the step-9 OS guard to consult.
func applyOSDeclaration(task *model.Task, chain []inherit.RawTask) {
	for _, link := range chain {
		if len(link.OS) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(link.OS))
		for _, o := range link.OS {
			set[o] = struct{}{}
		}
		task.Options.OS = set
	}
}

// applyOSGuard implements the second half of step 9: a task declared for a
// set of operating systems that doesn't include the current one is
// rewritten into a cacheless, dependency-free no-op rather than run.
func applyOSGuard(task *model.Task, ctx Context) {
	if len(task.Options.OS) == 0 {
		return
	}
	current := ctx.CurrentOS
	if current == "" {
		current = runtime.GOOS
	}
	if _, ok := task.Options.OS[current]; ok {
		return
	}
	task.Command = ""
	task.Args = nil
	task.Script = ""
	task.Deps = nil
	task.Outputs = nil
	task.Options.Internal = true
	task.Options.Cache = false
}

func argsHaveGlob(args []string) bool {
	for _, a := range args {
		if strings.ContainsAny(a, globMetaChars) {
			return true
		}
	}
	return false
}

// fillToolchains implements step 10: legacy command-prefix detection,
// then the project's own enabled toolchains, then "system".
func fillToolchains(task *model.Task, ctx Context) {
	if len(task.Toolchains) > 0 {
		return
	}
	if toolchain, ok := commandToolchainPrefixes[task.Command]; ok {
		task.Toolchains = []string{toolchain}
		return
	}
	if len(ctx.EnabledToolchains) > 0 {
		task.Toolchains = append([]string(nil), ctx.EnabledToolchains...)
		return
	}
	task.Toolchains = []string{"system"}
}

func identity(s string) string { return s }

func depKey(d model.TaskDependency) string {
	return d.Target.String()
}

func inputKey(i model.Input) string {
	return fmt.Sprintf("%d:%s:%s", i.Kind, i.Value, i.Content)
}

func outputKey(o model.Output) string {
	return fmt.Sprintf("%d:%s", o.Kind, o.Value)
}

type envEntry struct {
	Key   string
	Value string
}

func orderedEnv(env map[string]string, keys []string) []envEntry {
	if len(keys) == 0 && len(env) > 0 {
		keys = make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	out := make([]envEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, envEntry{Key: k, Value: env[k]})
	}
	return out
}

func foldEnv(task *model.Task, entries []envEntry, strategy model.MergeStrategy) {
	if len(entries) == 0 {
		return
	}
	switch strategy {
	case model.MergeReplace:
		task.Env = map[string]string{}
		task.EnvKeys = nil
		for _, e := range entries {
			task.SetEnv(e.Key, e.Value)
		}
	case model.MergePreserve:
		if len(task.Env) > 0 {
			return
		}
		for _, e := range entries {
			task.SetEnv(e.Key, e.Value)
		}
	case model.MergePrepend:
		existing := task.Env
		existingKeys := task.EnvKeys
		task.Env = map[string]string{}
		task.EnvKeys = nil
		for _, e := range entries {
			task.SetEnv(e.Key, e.Value)
		}
		for _, k := range existingKeys {
			if _, ok := task.Env[k]; ok {
				continue
			}
			task.SetEnv(k, existing[k])
		}
	default: // MergeAppend
		for _, e := range entries {
			task.SetEnv(e.Key, e.Value)
		}
	}
}

// foldGeneric merges base and incoming per strategy, deduplicating
// Append/Prepend results by dedupKey and keeping the first occurrence
// encountered in merge order.
func foldGeneric[T any](base, incoming []T, strategy model.MergeStrategy, dedupKey func(T) string) []T {
	switch strategy {
	case model.MergeReplace:
		if len(incoming) == 0 {
			return base
		}
		return append([]T(nil), incoming...)
	case model.MergePreserve:
		if len(base) > 0 {
			return base
		}
		return append([]T(nil), incoming...)
	case model.MergePrepend:
		return dedupConcat(incoming, base, dedupKey)
	default: // MergeAppend
		return dedupConcat(base, incoming, dedupKey)
	}
}

func dedupConcat[T any](first, second []T, dedupKey func(T) string) []T {
	seen := make(map[string]struct{}, len(first)+len(second))
	out := make([]T, 0, len(first)+len(second))
	for _, v := range first {
		k := dedupKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	for _, v := range second {
		k := dedupKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func parseDeps(raw []string) ([]model.TaskDependency, error) {
	deps := make([]model.TaskDependency, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		optional := strings.HasSuffix(s, "?")
		if optional {
			s = strings.TrimSuffix(s, "?")
		}
		target, err := model.ParseTarget(s)
		if err != nil {
			return nil, err
		}
		deps = append(deps, model.TaskDependency{Target: target, Optional: optional})
	}
	return deps, nil
}

// classifyInputs maps literal input strings to Input kinds, mirroring the
// same prefix grammar the manifest loader's classifyInput applies to
// already-final-form task declarations: "//" anchors at the workspace
// root, "$" names an env var, "group:" names a file group.
func classifyInputs(raw []string) []model.Input {
	out := make([]model.Input, 0, len(raw))
	for _, s := range raw {
		out = append(out, classifyInput(s))
	}
	return out
}

func classifyInput(raw string) model.Input {
	optional := strings.HasSuffix(raw, "?")
	if optional {
		raw = strings.TrimSuffix(raw, "?")
	}
	var in model.Input
	switch {
	case strings.HasPrefix(raw, "//"):
		value := strings.TrimPrefix(raw, "//")
		if wpath.IsGlob(value) {
			in = model.Input{Kind: model.InputWorkspaceGlob, Value: value}
		} else {
			in = model.Input{Kind: model.InputWorkspaceFile, Value: value}
		}
	case strings.HasPrefix(raw, "$"):
		name := strings.TrimPrefix(raw, "$")
		if wpath.IsGlob(name) {
			in = model.Input{Kind: model.InputEnvVarGlob, Value: name}
		} else {
			in = model.Input{Kind: model.InputEnvVar, Value: name}
		}
	case strings.HasPrefix(raw, "group:"):
		in = model.Input{Kind: model.InputFileGroup, Value: strings.TrimPrefix(raw, "group:")}
	default:
		if wpath.IsGlob(raw) {
			in = model.Input{Kind: model.InputProjectGlob, Value: raw}
		} else {
			in = model.Input{Kind: model.InputProjectFile, Value: raw}
		}
	}
	in.Optional = optional
	return in
}

func classifyOutputs(taskID string, raw []string) ([]model.Output, error) {
	out := make([]model.Output, 0, len(raw))
	for _, s := range raw {
		o, err := classifyOutput(taskID, s)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func classifyOutput(taskID, raw string) (model.Output, error) {
	switch {
	case strings.HasPrefix(raw, "$"):
		return model.Output{}, fmt.Errorf("task %q: output %q names an env var, not a path", taskID, raw)
	case strings.HasPrefix(raw, "//"):
		value := strings.TrimPrefix(raw, "//")
		if wpath.IsGlob(value) {
			return model.Output{Kind: model.OutputWorkspaceGlob, Value: value}, nil
		}
		return model.Output{Kind: model.OutputWorkspaceFile, Value: value}, nil
	default:
		if wpath.IsGlob(raw) {
			return model.Output{Kind: model.OutputProjectGlob, Value: raw}, nil
		}
		return model.Output{Kind: model.OutputProjectFile, Value: raw}, nil
	}
}

func parseMergeStrategy(s string, fallback model.MergeStrategy) model.MergeStrategy {
	switch s {
	case "append":
		return model.MergeAppend
	case "prepend":
		return model.MergePrepend
	case "replace":
		return model.MergeReplace
	case "preserve":
		return model.MergePreserve
	default:
		return fallback
	}
}

func parsePreset(s string) model.Preset {
	switch s {
	case "server":
		return model.PresetServer
	case "watcher":
		return model.PresetWatcher
	default:
		return model.PresetNone
	}
}

func parseOutputStyle(s string) model.OutputStyle {
	switch s {
	case "buffer-only-failure":
		return model.OutputBufferOnlyFailure
	case "hash":
		return model.OutputHash
	case "none":
		return model.OutputNone
	case "stream":
		return model.OutputStream
	default:
		return model.OutputBuffer
	}
}

func parseAffectedFiles(s string) model.AffectedFilesMode {
	switch s {
	case "args":
		return model.AffectedFilesArgs
	case "env":
		return model.AffectedFilesEnv
	case "both":
		return model.AffectedFilesBoth
	default:
		return model.AffectedFilesNone
	}
}
