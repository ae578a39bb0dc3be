package target

import (
	"github.com/moonrun/moonrun/internal/affected"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/vcsport"
)

// RunRequest is the fully-parsed form of a CLI invocation: one or more
// Locators plus the flags that modify how the resolved targets run.
//
// Grounded on RunOpts (the flat struct run/run.go builds from cobra flags
// before constructing an execution context), adapted to this system's
// Locator type and affected/upstream-downstream scope vocabulary in place
// of its --filter/--affected string flags.
type RunRequest struct {
	Locators []Locator

	Affected        bool
	StatusFilter    map[vcsport.Status]struct{}
	Upstream        affected.UpstreamScope
	Downstream      affected.DownstreamScope
	CI              bool
	Interactive     bool
	UpdateCache     bool
	Force           bool
	JobIndex        *int
	JobTotal        *int
	PassthroughArgs []string
}

// ErrNoAllScopeInDeps rejects an All-scope locator combined with
// --affected's Deps upstream propagation, which would otherwise run every
// project's tasks as if each were the dependency root.
type ErrNoAllScopeInDeps struct{ Raw string }

func (e *ErrNoAllScopeInDeps) Error() string {
	return "locator \"" + e.Raw + "\" using the all-projects scope cannot be combined with an upstream affected scope"
}

// Validate checks cross-field invariants that single-locator parsing and
// resolution can't see on their own.
func (r RunRequest) Validate() error {
	if r.Upstream == affected.UpstreamNone {
		return nil
	}
	for _, loc := range r.Locators {
		if loc.Kind == KindAll {
			return &ErrNoAllScopeInDeps{Raw: loc.String()}
		}
	}
	return nil
}

// ResolveAll resolves every locator in the request against graph,
// deduplicating identical (project, task) pairs across locators.
func ResolveAll(graph ProjectView, r RunRequest, selfProjectID string) ([]model.Target, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []model.Target
	for _, loc := range r.Locators {
		targets, err := Resolve(graph, loc, selfProjectID)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			key := t.ID + ":" + t.TaskID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}
