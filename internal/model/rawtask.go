package model

// RawTaskOptions mirrors TaskOptions but with every field optional, so the
// Task Builder can tell "unset" apart from "set to zero
// value" while folding an inheritance chain.
type RawTaskOptions struct {
	Cache              *bool
	CacheKey           *string
	Persistent         *bool
	Interactive        *bool
	Internal           *bool
	AllowFailure       *bool
	InferInputs        *bool
	AffectedFiles      *AffectedFilesMode
	AffectedPassInputs *bool
	EnvFiles           []string
	OS                 []string
	Shell              *bool
	Mutex              *string
	OutputStyle        *OutputStyle
	Priority           *int
	RetryCount         *int
	RunDepsInParallel  *bool
	RunInCI            *bool
	Timeout            *int

	MergeArgs    *MergeStrategy
	MergeDeps    *MergeStrategy
	MergeEnv     *MergeStrategy
	MergeInputs  *MergeStrategy
	MergeOutputs *MergeStrategy
}

// RawTaskConfig is one unmerged link in a task's extends chain: either a
// project-local declaration or an inherited-template declaration.
type RawTaskConfig struct {
	ID      string
	Extends string // name of another task in this link's own config to extend, if any

	Command interface{} // string or []string, pre-split
	Args    interface{} // string or []string, pre-split
	Script  *string

	Local   *bool
	Preset  *Preset

	Deps    []TaskDependency
	Env     map[string]string
	EnvKeys []string
	Inputs  []Input
	Outputs []Output

	Options RawTaskOptions
}

// RawTaskConfigs is the set of task declarations loaded from a single
// config file (local project config, or one global inherited-tasks file),
// keyed by task ID.
type RawTaskConfigs map[string]RawTaskConfig
