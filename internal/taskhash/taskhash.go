// Package taskhash implements the Task Hasher: a fixed-order record
// sequence fed into hashengine to produce a deterministic per-task content
// hash, plus a Tracker that remembers completed-task hashes so dependents
// can cite an upstream hash without recomputing it.
//
// Grounded on Tracker's package-inputs/package-task hash caching (computed
// once per unique package-inputs combination, with completed task hashes
// read back for downstream tasks' dependency-hash records), generalized
// from npm/pnpm workspace packages to this system's projects and adapted
// to the fixed eight-record order and canonical-JSON serializer this
// system's Hash Engine defines in place of the capnp-schema hasher.
package taskhash

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/moonrun/moonrun/internal/hashengine"
	"github.com/moonrun/moonrun/internal/wpath"
)

// VCSPort is the subset of the VCS Port the hasher needs: batch content
// hashing for declared input files, and a file-tree listing for expanding
// cacheable input globs.
type VCSPort interface {
	FileHashes(paths []wpath.WorkspaceRelative, allowIgnored bool) (map[wpath.WorkspaceRelative]string, error)
	FileTree(dir wpath.WorkspaceRelative) ([]wpath.WorkspaceRelative, error)
}

// DepState is one entry of the ordered deps_state record: a task
// dependency's target label and the hash it completed with, empty when it
// hasn't run yet this session.
type DepState struct {
	Target string
	Hash   string
}

// GlobInput is one declared input glob together with its cache flag; only
// cache=true globs contribute an expanded file list to the hash.
type GlobInput struct {
	Pattern string
	Cache   bool
}

// RegexInput is one declared input file paired with its optional content
// regex, so a pattern edit alone busts the hash even when the matched
// file's bytes are unchanged.
type RegexInput struct {
	Path    wpath.WorkspaceRelative
	Pattern string
}

// Request bundles everything needed to hash a single task invocation, in
// the shape the action graph and runner already hold it.
type Request struct {
	Command              string
	ArgsResolved         []string
	DepsState            []DepState
	ProjectDeps          []string
	InputFiles           []wpath.WorkspaceRelative
	InputRegexes         []RegexInput
	InputGlobs           []GlobInput
	InputEnv             map[string]string
	ToolchainFingerprint map[string]string
	HasherVersion        int
}

// Tracker computes task hashes and remembers completed ones so that
// downstream tasks' deps_state record can cite an upstream hash without
// recomputation.
type Tracker struct {
	vcs VCSPort

	mu   sync.RWMutex
	done map[string]string // "project:task" -> completed hash
}

// NewTracker returns a Tracker backed by a VCS Port implementation.
func NewTracker(vcs VCSPort) *Tracker {
	return &Tracker{vcs: vcs, done: map[string]string{}}
}

// RecordCompletion stores the hash a task completed with, so later
// TaskHash calls for dependent tasks can cite it in their deps_state
// record.
func (t *Tracker) RecordCompletion(taskID, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[taskID] = hash
}

// CompletedHash returns the hash a task completed with this run; ok is
// false if it hasn't completed yet.
func (t *Tracker) CompletedHash(taskID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.done[taskID]
	return h, ok
}

// TaskHash computes the task's content hash per the fixed eight-record
// order, returning the lowercase hex digest and the pre-digest JSON
// manifest for audit persistence.
func (t *Tracker) TaskHash(req Request) (string, map[string]json.RawMessage, error) {
	eng := hashengine.New()

	if err := eng.Add("command", commandRecord{Command: req.Command, Args: req.ArgsResolved}); err != nil {
		return "", nil, err
	}

	deps := append([]DepState(nil), req.DepsState...)
	if err := eng.Add("deps_state", deps); err != nil {
		return "", nil, err
	}

	projectDeps := append([]string(nil), req.ProjectDeps...)
	sort.Strings(projectDeps)
	if err := eng.Add("project_deps", projectDeps); err != nil {
		return "", nil, err
	}

	inputs, err := t.resolveInputs(req.InputFiles, req.InputRegexes)
	if err != nil {
		return "", nil, err
	}
	if err := eng.Add("inputs", inputs); err != nil {
		return "", nil, err
	}

	globFiles, err := t.resolveGlobs(req.InputGlobs)
	if err != nil {
		return "", nil, err
	}
	if err := eng.Add("input_globs", globFiles); err != nil {
		return "", nil, err
	}

	env := make(map[string]string, len(req.InputEnv))
	for k, v := range req.InputEnv {
		env[k] = v
	}
	if err := eng.Add("input_env", env); err != nil {
		return "", nil, err
	}

	fingerprint := make(map[string]string, len(req.ToolchainFingerprint))
	for k, v := range req.ToolchainFingerprint {
		fingerprint[k] = v
	}
	if err := eng.Add("toolchain_fingerprint", fingerprint); err != nil {
		return "", nil, err
	}

	if err := eng.Add("hasher_version", req.HasherVersion); err != nil {
		return "", nil, err
	}

	manifest, err := eng.Manifest()
	if err != nil {
		return "", nil, err
	}
	return eng.Digest(), manifest, nil
}

type commandRecord struct {
	Command string
	Args    []string
}

// inputEntry is one record of the sorted path->hash inputs map, with an
// optional content-regex pattern folded in.
type inputEntry struct {
	Hash    string
	Pattern string `json:"pattern,omitempty"`
}

func (t *Tracker) resolveInputs(files []wpath.WorkspaceRelative, regexes []RegexInput) (map[string]inputEntry, error) {
	all := append([]wpath.WorkspaceRelative(nil), files...)
	for _, r := range regexes {
		all = append(all, r.Path)
	}
	hashes, err := t.vcs.FileHashes(all, false)
	if err != nil {
		return nil, fmt.Errorf("taskhash: resolving inputs: %w", err)
	}

	patternByPath := map[wpath.WorkspaceRelative]string{}
	for _, r := range regexes {
		patternByPath[r.Path] = r.Pattern
	}

	out := map[string]inputEntry{}
	for path, hash := range hashes {
		out[string(path)] = inputEntry{Hash: hash, Pattern: patternByPath[path]}
	}
	return out, nil
}

// resolveGlobs expands each cache=true glob pattern against the full
// workspace file tree and returns the sorted union of matched paths.
func (t *Tracker) resolveGlobs(globs []GlobInput) ([]string, error) {
	tree, err := t.vcs.FileTree("")
	if err != nil {
		return nil, fmt.Errorf("taskhash: listing file tree: %w", err)
	}

	seen := map[string]struct{}{}
	for _, gi := range globs {
		if !gi.Cache {
			continue
		}
		compiled, err := glob.Compile(gi.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("taskhash: compiling glob %q: %w", gi.Pattern, err)
		}
		for _, path := range tree {
			if compiled.Match(string(path)) {
				seen[string(path)] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
