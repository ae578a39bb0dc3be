// Package toolchainport defines the abstract Toolchain Port every
// toolchain plug-in must satisfy, plus a minimal "system" implementation.
// Its HasFunc reports only setup_toolchain, so the action graph builds no
// InstallDependencies node for it.
//
// Grounded on the capability-probe shape of internal/packagemanager
// (PackageManager.GetWorkspaces/infer_root.go's workspace-root detection
// stands in for locate_dependencies_root) generalized from "npm/yarn/pnpm"
// to an arbitrary toolchain ID.
package toolchainport

import "context"

// DependenciesRoot is the result of locating a toolchain's
// dependency-installation root for a project.
type DependenciesRoot struct {
	Root        string // workspace-relative root directory, empty if none found
	Members     []string
	InWorkspace bool // true when the project itself sits inside Root
	Found       bool
}

// Command is a resolved, spawn-ready process invocation.
type Command struct {
	Argv []string
	Env  map[string]string
	Cwd  string
}

// Port is the abstract interface every toolchain plug-in must satisfy.
// The core never imports a concrete toolchain directly — only this
// interface, looked up by toolchain ID through a registry the caller owns.
type Port interface {
	ID() string

	// DefineRequirements lists toolchain IDs this toolchain's SetupToolchain
	// node transitively requires (e.g. a JS package manager requiring a
	// node runtime).
	DefineRequirements() []string

	SupportsTier2() bool
	SupportsTier3() bool

	// HasFunc reports whether this toolchain implements the named
	// optional capability: "install_dependencies", "setup_environment", or
	// "setup_toolchain".
	HasFunc(name string) bool

	// LocateDependenciesRoot resolves the dependency-installation root for
	// a workspace-relative project source directory.
	LocateDependenciesRoot(projectSource string) DependenciesRoot

	CreateRunTargetCommand(ctx context.Context, req CommandRequest) (Command, error)

	ToVirtualPath(absolutePath string) string
	FromVirtualPath(virtual string) string
}

// CommandRequest is the context a toolchain needs to build a Command for a
// RunTask action node.
type CommandRequest struct {
	ProjectID     string
	ProjectSource string
	TaskID        string
	Command       string
	Args          []string
	Cwd           string
}

// Registry resolves a toolchain ID to its Port implementation.
type Registry struct {
	byID map[string]Port
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]Port{}}
}

// Register adds a toolchain implementation, keyed by its own ID().
func (r *Registry) Register(p Port) {
	r.byID[p.ID()] = p
}

// Lookup resolves a toolchain ID, ok is false for an unregistered ID.
func (r *Registry) Lookup(id string) (Port, bool) {
	p, ok := r.byID[id]
	return p, ok
}
