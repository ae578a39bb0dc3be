// Package wpath teaches the Go type system about the three kinds of paths
// the orchestrator core has to reason about:
//
//   - AbsolutePath       — absolute, including volume root, platform-native separators.
//   - WorkspaceRelative  — anchored at the workspace root, always "/"-separated
//     so it is portable between platforms and safe to put directly into a
//     content hash.
//   - ProjectRelative    — anchored at a single project's source directory,
//     also "/"-separated.
//
// Conversions between the three are explicit methods, never implicit string
// concatenation, so a reviewer can see at the call site which anchor a path
// is relative to.
package wpath

import (
	"os"
	"path/filepath"
	"strings"
)

// AbsolutePath is a platform-dependent absolute filesystem path.
type AbsolutePath string

// WorkspaceRelative is a "/"-separated path anchored at the workspace root.
type WorkspaceRelative string

// ProjectRelative is a "/"-separated path anchored at a project's source directory.
type ProjectRelative string

func toUnix(s string) string {
	if os.PathSeparator == '/' {
		return s
	}
	return strings.ReplaceAll(s, string(os.PathSeparator), "/")
}

func fromUnix(s string) string {
	if os.PathSeparator == '/' {
		return s
	}
	return strings.ReplaceAll(s, "/", string(os.PathSeparator))
}

// NewAbsolutePath resolves an arbitrary filesystem path (which may be
// relative to the process cwd) to an AbsolutePath.
func NewAbsolutePath(p string) (AbsolutePath, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return AbsolutePath(filepath.Clean(abs)), nil
}

// Join appends platform-native path segments.
func (ap AbsolutePath) Join(segments ...string) AbsolutePath {
	return AbsolutePath(filepath.Join(append([]string{string(ap)}, segments...)...))
}

// String returns the platform-native string form.
func (ap AbsolutePath) String() string { return string(ap) }

// Dir returns the parent directory.
func (ap AbsolutePath) Dir() AbsolutePath { return AbsolutePath(filepath.Dir(string(ap))) }

// Base returns the final path element.
func (ap AbsolutePath) Base() string { return filepath.Base(string(ap)) }

// FileExists reports whether the path exists and is a regular file.
func (ap AbsolutePath) FileExists() bool {
	info, err := os.Lstat(string(ap))
	return err == nil && !info.IsDir()
}

// DirExists reports whether the path exists and is a directory.
func (ap AbsolutePath) DirExists() bool {
	info, err := os.Lstat(string(ap))
	return err == nil && info.IsDir()
}

// MkdirAll creates the directory (and parents) with the given mode.
func (ap AbsolutePath) MkdirAll(mode os.FileMode) error {
	return os.MkdirAll(string(ap), mode)
}

// EnsureDir creates the parent directory of this path if it is absent.
func (ap AbsolutePath) EnsureDir() error {
	return os.MkdirAll(filepath.Dir(string(ap)), 0775)
}

// ReadFile reads the file contents.
func (ap AbsolutePath) ReadFile() ([]byte, error) {
	return os.ReadFile(string(ap))
}

// WriteFile writes the file contents.
func (ap AbsolutePath) WriteFile(contents []byte, mode os.FileMode) error {
	return os.WriteFile(string(ap), contents, mode)
}

// RelativeTo returns the WorkspaceRelative form of `other`, treating `ap` as
// the workspace root. Returns an error if `other` escapes `ap`.
func (ap AbsolutePath) RelativeTo(other AbsolutePath) (WorkspaceRelative, error) {
	rel, err := filepath.Rel(string(ap), string(other))
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &errNotContained{parent: ap, child: other}
	}
	return WorkspaceRelative(toUnix(rel)), nil
}

type errNotContained struct {
	parent, child AbsolutePath
}

func (e *errNotContained) Error() string {
	return string(e.child) + " is not contained within " + string(e.parent)
}

// RestoreAnchor resolves this workspace-relative path against the given
// workspace root, producing an AbsolutePath.
func (wr WorkspaceRelative) RestoreAnchor(root AbsolutePath) AbsolutePath {
	if wr == "" {
		return root
	}
	return root.Join(fromUnix(string(wr)))
}

// String returns the "/"-separated string form, stable across platforms.
func (wr WorkspaceRelative) String() string { return string(wr) }

// Join appends a "/"-separated relative segment.
func (wr WorkspaceRelative) Join(segment string) WorkspaceRelative {
	if wr == "" {
		return WorkspaceRelative(segment)
	}
	return WorkspaceRelative(string(wr) + "/" + segment)
}

// HasPrefixDir reports whether wr lies inside the directory `dir` (itself
// workspace-relative). Used by the Affected Tracker to test "touched path
// lies inside project source directory".
func (wr WorkspaceRelative) HasPrefixDir(dir WorkspaceRelative) bool {
	if dir == "" {
		return true
	}
	s, d := string(wr), string(dir)
	return s == d || strings.HasPrefix(s, d+"/")
}

// ToProjectRelative strips a project source prefix, producing a
// ProjectRelative path. Returns ok=false if wr does not lie under source.
func (wr WorkspaceRelative) ToProjectRelative(source WorkspaceRelative) (ProjectRelative, bool) {
	if source == "" {
		return ProjectRelative(wr), true
	}
	s, d := string(wr), string(source)
	if s == d {
		return "", true
	}
	if strings.HasPrefix(s, d+"/") {
		return ProjectRelative(s[len(d)+1:]), true
	}
	return "", false
}

// String returns the "/"-separated string form.
func (pr ProjectRelative) String() string { return string(pr) }

// RestoreWorkspaceAnchor rebases a project-relative path onto the workspace
// root given the project's workspace-relative source directory.
func (pr ProjectRelative) RestoreWorkspaceAnchor(source WorkspaceRelative) WorkspaceRelative {
	if source == "" {
		return WorkspaceRelative(pr)
	}
	if pr == "" {
		return source
	}
	return source.Join(string(pr))
}

// globMetaChars are the characters the Token Expander and File-Group
// Resolver treat as glob metacharacters when deciding file vs. glob
// discrimination.
const globMetaChars = "*?[{"

// IsGlob reports whether a path-like string contains glob metacharacters.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, globMetaChars)
}
