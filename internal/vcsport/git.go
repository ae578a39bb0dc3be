package vcsport

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/moonrun/moonrun/internal/wpath"
)

// Git implements Port against a local git checkout, adapted from
// vercel/turbo's internal/scm git wrapper: every query shells out to the
// `git` binary rather than embedding a git library, so the behavior always
// matches whatever git the operator has on PATH.
type Git struct {
	repoRoot    wpath.AbsolutePath
	workingRoot wpath.AbsolutePath
}

// NewGit builds a Git port rooted at repoRoot (the `.git`-containing
// directory) with workspace paths reported relative to workingRoot: the two
// differ when the workspace is a subtree of a larger repo, or a
// worktree/submodule checkout.
func NewGit(repoRoot, workingRoot wpath.AbsolutePath) *Git {
	return &Git{repoRoot: repoRoot, workingRoot: workingRoot}
}

// FindRepoRoot walks up from cwd looking for a `.git` entry, matching the
// teacher's internal/scm.FromInRepo.
func FindRepoRoot(cwd wpath.AbsolutePath) (wpath.AbsolutePath, error) {
	dir := cwd
	for {
		if dir.Join(".git").DirExists() || dir.Join(".git").FileExists() {
			return dir, nil
		}
		parent := dir.Dir()
		if parent == dir {
			return "", fmt.Errorf("no .git found above %s", cwd)
		}
		dir = parent
	}
}

func (g *Git) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.repoRoot.String()
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return out.String(), nil
}

func (g *Git) relativize(lines []string) []wpath.WorkspaceRelative {
	var out []wpath.WorkspaceRelative
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		abs := g.repoRoot.Join(line)
		wr, err := g.workingRoot.RelativeTo(abs)
		if err != nil {
			continue // outside the workspace root entirely; not our concern
		}
		out = append(out, wr)
	}
	return out
}

// TouchedFiles implements Port.TouchedFiles via `git status --porcelain`.
func (g *Git) TouchedFiles(statuses map[Status]struct{}) (TouchedFiles, error) {
	out, err := g.git("status", "--porcelain", "-z")
	if err != nil {
		return TouchedFiles{}, err
	}
	var result TouchedFiles
	for _, entry := range strings.Split(strings.TrimRight(out, "\x00"), "\x00") {
		if entry == "" {
			continue
		}
		if len(entry) < 3 {
			continue
		}
		indexStatus, worktreeStatus := entry[0], entry[1]
		path := strings.TrimSpace(entry[3:])
		abs := g.repoRoot.Join(path)
		wr, err := g.workingRoot.RelativeTo(abs)
		if err != nil {
			continue
		}
		switch {
		case indexStatus == '?' && worktreeStatus == '?':
			result.Untracked = append(result.Untracked, wr)
		case indexStatus == 'A' || worktreeStatus == 'A':
			result.Added = append(result.Added, wr)
		case indexStatus == 'D' || worktreeStatus == 'D':
			result.Deleted = append(result.Deleted, wr)
		case indexStatus == 'R' || worktreeStatus == 'R':
			result.Renamed = append(result.Renamed, wr)
		default:
			result.Modified = append(result.Modified, wr)
		}
		if indexStatus != ' ' && indexStatus != '?' {
			result.Staged = append(result.Staged, wr)
		}
		if worktreeStatus != ' ' && worktreeStatus != '?' {
			result.Unstaged = append(result.Unstaged, wr)
		}
	}
	if len(statuses) == 0 {
		return result, nil
	}
	return filterStatuses(result, statuses), nil
}

func filterStatuses(t TouchedFiles, keep map[Status]struct{}) TouchedFiles {
	var out TouchedFiles
	if _, ok := keep[StatusAdded]; ok {
		out.Added = t.Added
	}
	if _, ok := keep[StatusModified]; ok {
		out.Modified = t.Modified
	}
	if _, ok := keep[StatusDeleted]; ok {
		out.Deleted = t.Deleted
	}
	if _, ok := keep[StatusRenamed]; ok {
		out.Renamed = t.Renamed
	}
	if _, ok := keep[StatusUntracked]; ok {
		out.Untracked = t.Untracked
	}
	if _, ok := keep[StatusStaged]; ok {
		out.Staged = t.Staged
	}
	if _, ok := keep[StatusUnstaged]; ok {
		out.Unstaged = t.Unstaged
	}
	return out
}

// TouchedFilesBetween diffs two refs (no untracked files, since untracked
// files have no meaning between two committed refs).
func (g *Git) TouchedFilesBetween(base, head string) (TouchedFiles, error) {
	rangeArg := head
	if base != "" {
		rangeArg = base + "..." + head
	}
	out, err := g.git("diff", "--name-status", rangeArg)
	if err != nil {
		return TouchedFiles{}, fmt.Errorf("diffing %s: %w", rangeArg, err)
	}
	var result TouchedFiles
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		status, path := fields[0], fields[len(fields)-1]
		abs := g.repoRoot.Join(path)
		wr, err := g.workingRoot.RelativeTo(abs)
		if err != nil {
			continue
		}
		switch status[0] {
		case 'A':
			result.Added = append(result.Added, wr)
		case 'D':
			result.Deleted = append(result.Deleted, wr)
		case 'R':
			result.Renamed = append(result.Renamed, wr)
		default:
			result.Modified = append(result.Modified, wr)
		}
	}
	return result, nil
}

// FileHashes batch-hashes paths git-blob-style (`git hash-object`). When
// that batch call fails or returns an unexpected number of lines and
// allowIgnored is set, it falls back to a plain SHA-1 of each readable
// file's content.
func (g *Git) FileHashes(paths []wpath.WorkspaceRelative, allowIgnored bool) (map[wpath.WorkspaceRelative]string, error) {
	result := map[wpath.WorkspaceRelative]string{}
	if len(paths) == 0 {
		return result, nil
	}
	args := []string{"hash-object"}
	absPaths := make([]string, len(paths))
	for i, p := range paths {
		absPaths[i] = p.RestoreAnchor(g.workingRoot).String()
	}
	args = append(args, absPaths...)
	out, err := g.git(args...)
	if err == nil {
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(lines) == len(paths) {
			for i, p := range paths {
				result[p] = lines[i]
			}
			return result, nil
		}
	}
	if !allowIgnored {
		return result, err
	}
	for _, p := range paths {
		abs := p.RestoreAnchor(g.workingRoot)
		data, rerr := abs.ReadFile()
		if rerr != nil {
			continue // absent files are silently omitted from the result
		}
		sum := sha1.Sum(data)
		result[p] = hex.EncodeToString(sum[:])
	}
	return result, nil
}

// FileTree lists every file under dir recursively, honoring the working
// root's .gitignore (nested .gitignore files are not read), using godirwalk
// for fast traversal and go-gitignore for the exclusion patterns.
func (g *Git) FileTree(dir wpath.WorkspaceRelative) ([]wpath.WorkspaceRelative, error) {
	root := dir.RestoreAnchor(g.workingRoot)
	matcher := g.loadIgnoreMatcher()

	var out []wpath.WorkspaceRelative
	err := godirwalk.Walk(root.String(), &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root.String() {
				return nil
			}
			if de.Name() == ".git" {
				return godirwalk.SkipThis
			}
			abs := wpath.AbsolutePath(path)
			wr, err := g.workingRoot.RelativeTo(abs)
			if err != nil {
				return nil
			}
			if matcher != nil && matcher.MatchesPath(wr.String()) {
				if de.IsDir() {
					return godirwalk.SkipThis
				}
				return nil
			}
			if !de.IsDir() {
				out = append(out, wr)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (g *Git) loadIgnoreMatcher() *ignore.GitIgnore {
	path := g.workingRoot.Join(".gitignore")
	if !path.FileExists() {
		return nil
	}
	m, err := ignore.CompileIgnoreFile(path.String())
	if err != nil {
		return nil
	}
	return m
}

// LocalBranch returns the current branch name.
func (g *Git) LocalBranch() (string, error) {
	out, err := g.git("rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// DefaultBranch reports the remote's configured default branch, falling
// back to "main" if no remote HEAD is set up.
func (g *Git) DefaultBranch() (string, error) {
	out, err := g.git("symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main", nil
	}
	return strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/"), nil
}

// LocalBranchRevision returns the current HEAD commit sha.
func (g *Git) LocalBranchRevision() (string, error) {
	out, err := g.git("rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// DefaultBranchRevision returns the default branch's commit sha.
func (g *Git) DefaultBranchRevision() (string, error) {
	branch, err := g.DefaultBranch()
	if err != nil {
		return "", err
	}
	out, err := g.git("rev-parse", "origin/"+branch)
	return strings.TrimSpace(out), err
}

// RepositoryRoot returns the `.git`-containing directory, which may differ
// from WorkingRoot in a worktree/submodule checkout.
func (g *Git) RepositoryRoot() wpath.AbsolutePath { return g.repoRoot }

// WorkingRoot returns the workspace root paths are reported relative to.
func (g *Git) WorkingRoot() wpath.AbsolutePath { return g.workingRoot }

// HooksDir returns git's configured hooks directory.
func (g *Git) HooksDir() (wpath.AbsolutePath, error) {
	out, err := g.git("rev-parse", "--git-path", "hooks")
	if err != nil {
		return "", err
	}
	p := strings.TrimSpace(out)
	if filepath.IsAbs(p) {
		return wpath.AbsolutePath(p), nil
	}
	return g.repoRoot.Join(p), nil
}
