package model

import "github.com/moonrun/moonrun/internal/wpath"

// MergeStrategy controls how an inherited field combines with a local override.
type MergeStrategy int

const (
	MergeAppend MergeStrategy = iota
	MergePrepend
	MergeReplace
	MergePreserve
)

// AffectedFilesMode controls whether/how affected-file paths are passed to a
// running task.
type AffectedFilesMode int

const (
	AffectedFilesNone AffectedFilesMode = iota
	AffectedFilesArgs
	AffectedFilesEnv
	AffectedFilesBoth
)

// OutputStyle controls how a running task's stdout/stderr are surfaced.
type OutputStyle int

const (
	OutputBuffer OutputStyle = iota
	OutputBufferOnlyFailure
	OutputHash
	OutputNone
	OutputStream
)

// Preset is a named bundle of TaskOptions defaults.
type Preset int

const (
	PresetNone Preset = iota
	PresetServer
	PresetWatcher
)

// TaskType is derived from a task's shape.
type TaskType int

const (
	TaskBuild TaskType = iota
	TaskRun
	TaskTest
)

// TaskOptions is the exhaustive, defaulted option bag of a task.
type TaskOptions struct {
	Cache              bool
	CacheKey           string
	CacheLifetime      string
	Persistent         bool
	Interactive        bool
	Internal           bool
	AllowFailure       bool
	InferInputs        bool
	AffectedFiles      AffectedFilesMode
	AffectedPassInputs bool
	EnvFiles           []string
	OS                 map[string]struct{}
	Shell              *bool // nil until step 9 resolves a concrete value
	UnixShell          string
	WindowsShell       string
	Mutex              string
	OutputStyle        OutputStyle
	Priority           int
	RetryCount         int
	RunDepsInParallel  bool
	RunInCI            bool
	RunFromWorkspaceRoot bool
	Timeout            int // seconds, 0 = no timeout

	MergeArgs    MergeStrategy
	MergeDeps    MergeStrategy
	MergeEnv     MergeStrategy
	MergeInputs  MergeStrategy
	MergeOutputs MergeStrategy
}

// DefaultTaskOptions returns the documented defaults, including the 30s
// default task timeout.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{
		Cache:             true,
		InferInputs:       true,
		AffectedFiles:     AffectedFilesNone,
		OS:                map[string]struct{}{},
		RunDepsInParallel: true,
		RunInCI:           true,
		Timeout:           30,
		OutputStyle:       OutputBuffer,
		MergeArgs:         MergeAppend,
		MergeDeps:         MergeAppend,
		MergeEnv:          MergeAppend,
		MergeInputs:       MergeAppend,
		MergeOutputs:      MergeAppend,
	}
}

// ApplyPreset overlays preset-specific defaults.
func (o *TaskOptions) ApplyPreset(p Preset) {
	switch p {
	case PresetServer:
		o.Cache = false
		o.Persistent = true
		o.OutputStyle = OutputStream
		o.RunInCI = false
	case PresetWatcher:
		o.Cache = false
		o.Persistent = true
		o.OutputStyle = OutputStream
		o.RunInCI = false
		o.Interactive = true
	}
}

// TaskDependency is one entry of a task's `deps` list.
type TaskDependency struct {
	Target   Target
	Args     []string
	Env      map[string]string
	Optional bool
}

// ResolvedDep is one concrete project:task edge a TaskDependency expanded
// to: a scoped target such as "^:build" fans out to one ResolvedDep per
// matching project.
type ResolvedDep struct {
	ProjectID string
	TaskID    string
	Args      []string
	Env       map[string]string
}

// InputKind enumerates the Input variant tags.
type InputKind int

const (
	InputWorkspaceFile InputKind = iota
	InputWorkspaceGlob
	InputProjectFile
	InputProjectGlob
	InputEnvVar
	InputEnvVarGlob
	InputTokenFunc
	InputTokenVar
	InputFileGroup
	InputProject
)

// Input is one declared input entry, pre-expansion.
type Input struct {
	Kind    InputKind
	Value   string // literal path, glob, env name/glob, token text, group/project name
	Content string // optional content regex (files only)
	Cache   bool   // globs only; default true
	Optional bool
}

// OutputKind enumerates the Output variant tags; env-var outputs are
// forbidden, since a value rather than a path can't be hashed or restored
// from the cache.
type OutputKind int

const (
	OutputWorkspaceFile OutputKind = iota
	OutputWorkspaceGlob
	OutputProjectFile
	OutputProjectGlob
	OutputTokenFunc
	OutputTokenVar
)

// Output is one declared output entry, pre-expansion.
type Output struct {
	Kind  OutputKind
	Value string
}

// TaskState records three derived booleans about a built task.
type TaskState struct {
	RootLevel   bool
	LocalOnly   bool
	EmptyInputs bool
}

// Task is a fully built (but not yet expanded) task record.
type Task struct {
	ID      string
	Target  Target
	Command string
	Args    []string
	Script  string // when non-empty, Args is cleared and Command is its first word

	Deps []TaskDependency
	Env  map[string]string // insertion order preserved via EnvKeys
	EnvKeys []string

	Inputs  []Input
	Outputs []Output

	// Populated by the Task Expander.
	ResolvedDeps  []ResolvedDep
	InputFiles    []wpath.WorkspaceRelative
	InputGlobs    []string
	InputEnv      []string
	InputProjects []string // raw project IDs named by an InputProject entry
	OutputFiles   []wpath.WorkspaceRelative
	OutputGlobs   []string

	Toolchains []string
	Options    TaskOptions
	Preset     Preset
	Type       TaskType
	State      TaskState
}

// SetEnv inserts or overwrites an env var, preserving first-insertion order.
func (t *Task) SetEnv(key, value string) {
	if t.Env == nil {
		t.Env = map[string]string{}
	}
	if _, exists := t.Env[key]; !exists {
		t.EnvKeys = append(t.EnvKeys, key)
	}
	t.Env[key] = value
}

// DeriveType computes a task's type from its shape: outputs non-empty
// means Build, local or preset means Run, otherwise Test.
func (t *Task) DeriveType(localOnly bool) TaskType {
	if len(t.Outputs) > 0 {
		return TaskBuild
	}
	if localOnly || t.Preset != PresetNone {
		return TaskRun
	}
	return TaskTest
}
