// Package inherit computes which task-template config keys a project
// inherits, in what order, and walks a single task's extends chain.
//
// Grounded on internal/core/engine.go's getTaskDefinitionChain() (root-then-
// workspace turbo.json merge order) and validateExtends() (single-hop,
// fail-closed extends validation), generalized from turbo.json's flat
// root/workspace split to a multi-key, toolchain/stack/layer/tag lookup
// order and a per-task extends chain with cycle detection.
package inherit

import "fmt"

// RawTask is one layer of a task's configuration as loaded from a single
// config file: either the project's own local declaration, or one entry
// from a config file named by LookupOrder.
type RawTask struct {
	ID      string
	Extends string

	Command *StringOrList
	Args    *StringOrList
	Script  string
	Local   bool
	Preset  string
	OS      []string

	Deps    []string
	Env     map[string]string
	EnvKeys []string // insertion order of Env, since map iteration isn't ordered
	Inputs  []string
	Outputs []string

	MergeArgs    string
	MergeDeps    string
	MergeEnv     string
	MergeInputs  string
	MergeOutputs string

	Options RawOptions
}

// RawOptions is the unfolded `options` block of one RawTask layer. Pointer
// fields distinguish "not set at this layer" from "explicitly set to the
// zero value".
type RawOptions struct {
	Cache              *bool
	CacheKey           string
	CacheLifetime      string
	Persistent         *bool
	Interactive        *bool
	Internal           *bool
	AllowFailure       *bool
	InferInputs        *bool
	AffectedFiles      string
	AffectedPassInputs *bool
	EnvFiles           []string
	Shell              *bool
	UnixShell          string
	WindowsShell       string
	Mutex              string
	OutputStyle        string
	Priority           *int
	RetryCount         *int
	RunDepsInParallel  *bool
	RunInCI            *bool
	RunFromWorkspaceRoot *bool
	Timeout            *int
}

// StringOrList models a field declared in source config as either a bare
// string or a list (spec.md §4.2 step 3).
type StringOrList struct {
	Single string
	List   []string
	IsList bool
}

// Values returns s's contents as a list, regardless of which shape it was
// declared in. A nil receiver yields nil.
func (s *StringOrList) Values() []string {
	if s == nil {
		return nil
	}
	if s.IsList {
		return s.List
	}
	if s.Single == "" {
		return nil
	}
	return []string{s.Single}
}

// LookupOrder returns the ordered list of config keys (spec.md §4.1) that
// the manager checks for a project with the given toolchain list, stack,
// layer, and tags. toolchains is already in the project's declared
// language-then-toolchain order.
func LookupOrder(toolchains []string, stack, layer string, tags []string) []string {
	keys := []string{"*"}
	if stack != "" {
		keys = append(keys, stack)
	}
	if stack != "" && layer != "" {
		keys = append(keys, stack+"-"+layer)
	}
	for i := len(toolchains) - 1; i >= 0; i-- {
		keys = append(keys, toolchains[i])
	}
	if stack != "" {
		for _, t := range toolchains {
			keys = append(keys, t+"-"+stack)
		}
	}
	if layer != "" {
		for _, t := range toolchains {
			keys = append(keys, t+"-"+layer)
		}
	}
	if stack != "" && layer != "" {
		for _, t := range toolchains {
			keys = append(keys, t+"-"+stack+"-"+layer)
		}
	}
	for _, tag := range tags {
		keys = append(keys, "tag-"+tag)
	}
	return keys
}

// ReFilter is a project's re-filtering of the task IDs it would otherwise
// inherit from a global config key (spec.md §4.1).
type ReFilter struct {
	// Include is an allow-list. nil means "inherit everything"; a non-nil
	// empty slice means "inherit nothing".
	Include *[]string
	Exclude []string
	Rename  map[string]string
}

// Apply filters and renames ids per f, preserving relative order.
func (f ReFilter) Apply(ids []string) []string {
	out := ids
	if f.Include != nil {
		allow := toSet(*f.Include)
		out = filterIDs(out, func(id string) bool { _, ok := allow[id]; return ok })
	}
	if len(f.Exclude) > 0 {
		deny := toSet(f.Exclude)
		out = filterIDs(out, func(id string) bool { _, ok := deny[id]; return !ok })
	}
	if len(f.Rename) > 0 {
		renamed := make([]string, len(out))
		for i, id := range out {
			renamed[i] = f.RenameTaskID(id)
		}
		out = renamed
	}
	return out
}

// RenameTaskID applies f's rename map to a single task ID, returning id
// unchanged if it isn't named. Used both for inherited task IDs themselves
// and for the task_id half of an implicit-dep target that names one.
func (f ReFilter) RenameTaskID(id string) string {
	if newID, ok := f.Rename[id]; ok {
		return newID
	}
	return id
}

func filterIDs(ids []string, keep func(string) bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Source resolves a task's local (project-defined) and global (inherited,
// already re-filtered) configuration by ID.
type Source interface {
	LocalTask(id string) (RawTask, bool)
	GlobalTask(id string) (RawTask, bool)
}

// ErrUnknownExtendsSource reports an `extends` reference that neither the
// local nor the global configuration defines.
type ErrUnknownExtendsSource struct {
	TaskID  string
	Extends string
}

func (e *ErrUnknownExtendsSource) Error() string {
	return fmt.Sprintf("task %q extends unknown source %q", e.TaskID, e.Extends)
}

// ErrExtendsCycle reports a cycle discovered while walking extends chains.
type ErrExtendsCycle struct {
	Chain []string
}

func (e *ErrExtendsCycle) Error() string {
	return fmt.Sprintf("extends cycle detected: %v", e.Chain)
}

// ExtendsChain builds id's extends chain (spec.md §4.2 step 1): starting
// from id's local config, follow `extends` links (local then global at
// each hop) until one has none, then reverse so the deepest-extended layer
// is folded first. The visited-id set aborts on repetition.
func ExtendsChain(source Source, id string) ([]RawTask, error) {
	var chain []RawTask
	visited := map[string]struct{}{}

	cur := id
	for {
		if _, seen := visited[cur]; seen {
			ids := make([]string, 0, len(chain)+1)
			for _, link := range chain {
				ids = append(ids, link.ID)
			}
			ids = append(ids, cur)
			return nil, &ErrExtendsCycle{Chain: ids}
		}
		visited[cur] = struct{}{}

		task, ok := source.LocalTask(cur)
		if !ok {
			task, ok = source.GlobalTask(cur)
		}
		if !ok {
			if cur == id {
				return nil, nil
			}
			return nil, &ErrUnknownExtendsSource{TaskID: id, Extends: cur}
		}
		chain = append(chain, task)
		if task.Extends == "" {
			break
		}
		cur = task.Extends
	}

	reversed := make([]RawTask, len(chain))
	for i, link := range chain {
		reversed[len(chain)-1-i] = link
	}
	return reversed, nil
}
