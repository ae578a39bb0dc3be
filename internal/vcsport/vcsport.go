// Package vcsport defines the read-only VCS Port and a
// git-backed implementation, adapted from the exec-based wrapper in
// vercel/turbo's internal/scm.
package vcsport

import (
	"github.com/moonrun/moonrun/internal/wpath"
)

// Status is one of the file-status categories touched_files can query.
type Status int

const (
	StatusAdded Status = iota
	StatusModified
	StatusDeleted
	StatusRenamed
	StatusUntracked
	StatusStaged
	StatusUnstaged
)

// TouchedFiles groups workspace-relative paths by status.
type TouchedFiles struct {
	Added      []wpath.WorkspaceRelative
	Modified   []wpath.WorkspaceRelative
	Deleted    []wpath.WorkspaceRelative
	Renamed    []wpath.WorkspaceRelative
	Untracked  []wpath.WorkspaceRelative
	Staged     []wpath.WorkspaceRelative
	Unstaged   []wpath.WorkspaceRelative
}

// All returns the union of every category, deduplicated, unsorted.
func (t TouchedFiles) All() []wpath.WorkspaceRelative {
	seen := map[wpath.WorkspaceRelative]struct{}{}
	var out []wpath.WorkspaceRelative
	add := func(paths []wpath.WorkspaceRelative) {
		for _, p := range paths {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	add(t.Added)
	add(t.Modified)
	add(t.Deleted)
	add(t.Renamed)
	add(t.Untracked)
	add(t.Staged)
	add(t.Unstaged)
	return out
}

// Port is the abstract VCS interface every driver must satisfy. The core
// never imports a concrete VCS implementation directly — only this
// interface.
type Port interface {
	TouchedFiles(statuses map[Status]struct{}) (TouchedFiles, error)
	TouchedFilesBetween(base, head string) (TouchedFiles, error)
	FileHashes(paths []wpath.WorkspaceRelative, allowIgnored bool) (map[wpath.WorkspaceRelative]string, error)
	FileTree(dir wpath.WorkspaceRelative) ([]wpath.WorkspaceRelative, error)

	LocalBranch() (string, error)
	DefaultBranch() (string, error)
	LocalBranchRevision() (string, error)
	DefaultBranchRevision() (string, error)
	RepositoryRoot() wpath.AbsolutePath
	WorkingRoot() wpath.AbsolutePath
	HooksDir() (wpath.AbsolutePath, error)
}
