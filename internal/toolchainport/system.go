package toolchainport

import "context"

// System is the baseline toolchain every workspace gets for free: it
// declares no capability requirements and no tier-3 support, reports tier-2
// support only when RootLocator is set, and spawns the task's command
// verbatim in the project's directory. Generalized from
// the "no package manager configured" fallback path implied by
// packagemanager.InferRoot's Single-mode result.
type System struct {
	// Name overrides the registered toolchain ID; empty defaults to
	// "system". Lets a workspace manifest name several toolchains ("node",
	// "python", ...) that all resolve to this same passthrough behavior.
	Name string

	// RootLocator optionally resolves a dependency-installation root for a
	// project; nil means "never locate one", and SupportsTier2 then reports false.
	RootLocator func(projectSource string) DependenciesRoot
}

func (s *System) ID() string {
	if s.Name == "" {
		return "system"
	}
	return s.Name
}
func (s *System) DefineRequirements() []string { return nil }
func (s *System) SupportsTier2() bool         { return s.RootLocator != nil }
func (s *System) SupportsTier3() bool         { return false }

func (s *System) HasFunc(name string) bool {
	switch name {
	case "setup_toolchain":
		return true
	default:
		return false
	}
}

func (s *System) LocateDependenciesRoot(projectSource string) DependenciesRoot {
	if s.RootLocator == nil {
		return DependenciesRoot{}
	}
	return s.RootLocator(projectSource)
}

func (s *System) CreateRunTargetCommand(_ context.Context, req CommandRequest) (Command, error) {
	return Command{
		Argv: append([]string{req.Command}, req.Args...),
		Env:  map[string]string{},
		Cwd:  req.Cwd,
	}, nil
}

func (s *System) ToVirtualPath(absolutePath string) string { return absolutePath }
func (s *System) FromVirtualPath(virtual string) string    { return virtual }
