package expand

import (
	"fmt"

	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/token"
)

// ErrNoAllScopeInDeps signals that a task's own deps list addressed every
// project defining the task, which would make persistence and
// allow_failure validation unboundable.
var ErrNoAllScopeInDeps = fmt.Errorf("scope All is forbidden in a task's deps list")

// ErrMissingDependencyTask names a dep target that resolves to no task and
// was not marked optional.
type ErrMissingDependencyTask struct{ ProjectID, TaskID string }

func (e *ErrMissingDependencyTask) Error() string {
	return fmt.Sprintf("project %q has no task %q", e.ProjectID, e.TaskID)
}

// ErrPersistentChain signals that a non-persistent task depends on a
// persistent one, which never naturally completes.
type ErrPersistentChain struct{ Dependent, Dependency string }

func (e *ErrPersistentChain) Error() string {
	return fmt.Sprintf("non-persistent task %q cannot depend on persistent task %q", e.Dependent, e.Dependency)
}

// ErrAllowFailurePropagation fires when a task depends on an allow_failure
// task without itself allowing failure, so a silently-failed dependency
// cannot silently sink the dependent too.
type ErrAllowFailurePropagation struct{ Dependent, Dependency string }

func (e *ErrAllowFailurePropagation) Error() string {
	return fmt.Sprintf("task %q depends on allow_failure task %q but does not itself allow failure", e.Dependent, e.Dependency)
}

// expandDeps fans each declared TaskDependency's scoped Target out to one
// ResolvedDep per matching project:task, validating persistence and
// allow_failure propagation along the way.
func (e *Expander) expandDeps(task *model.Task, tok *token.Expander) error {
	for _, d := range task.Deps {
		if d.Target.Scope == model.ScopeAll {
			return ErrNoAllScopeInDeps
		}

		projectIDs, err := e.targetProjects(d.Target)
		if err != nil {
			return err
		}

		args := make([]string, len(d.Args))
		for i, a := range d.Args {
			a, err = tok.ExpandFuncs(a, token.FieldArgs)
			if err != nil {
				return err
			}
			args[i] = tok.ExpandVars(a)
		}
		env := map[string]string{}
		for k, v := range d.Env {
			v, err = tok.ExpandFuncs(v, token.FieldEnv)
			if err != nil {
				return err
			}
			env[k] = tok.ExpandVars(v)
		}

		for _, pid := range projectIDs {
			if e.Graph == nil || !e.Graph.HasTask(pid, d.Target.TaskID) {
				if d.Optional {
					continue
				}
				return &ErrMissingDependencyTask{ProjectID: pid, TaskID: d.Target.TaskID}
			}

			if e.Graph.IsPersistent(pid, d.Target.TaskID) && !task.Options.Persistent {
				return &ErrPersistentChain{
					Dependent:  task.Target.String(),
					Dependency: fmt.Sprintf("%s:%s", pid, d.Target.TaskID),
				}
			}
			if e.Graph.AllowsFailure(pid, d.Target.TaskID) && !task.Options.AllowFailure {
				return &ErrAllowFailurePropagation{
					Dependent:  task.Target.String(),
					Dependency: fmt.Sprintf("%s:%s", pid, d.Target.TaskID),
				}
			}

			task.ResolvedDeps = append(task.ResolvedDeps, model.ResolvedDep{
				ProjectID: pid,
				TaskID:    d.Target.TaskID,
				Args:      args,
				Env:       env,
			})
		}
	}
	return nil
}

func (e *Expander) targetProjects(t model.Target) ([]string, error) {
	switch t.Scope {
	case model.ScopeOwnSelf:
		return []string{e.Project.ID}, nil
	case model.ScopeDeps:
		if e.Graph == nil {
			return nil, nil
		}
		return e.Graph.DirectDependencies(e.Project.ID), nil
	case model.ScopeProject:
		return []string{t.ID}, nil
	case model.ScopeTag:
		if e.Graph == nil {
			return nil, nil
		}
		return e.Graph.ProjectsWithTag(t.ID), nil
	default:
		return nil, ErrNoAllScopeInDeps
	}
}
