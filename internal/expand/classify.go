package expand

import (
	"strings"

	"github.com/moonrun/moonrun/internal/filegroup"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/token"
	"github.com/moonrun/moonrun/internal/wpath"
)

// ErrEnvOutputForbidden signals that an output resolved to an env-var
// reference: outputs must name concrete filesystem artifacts the cache can
// hash and restore, never a value.
var ErrEnvOutputForbidden = &errEnvOutputForbidden{}

type errEnvOutputForbidden struct{}

func (e *errEnvOutputForbidden) Error() string { return "env-var outputs are forbidden" }

func trimDotSlash(p string) string {
	return strings.TrimPrefix(p, "./")
}

// resolveWorkspacePath converts a directory input into its "**/* glob form
//, leaving file paths
// untouched.
func (e *Expander) resolveWorkspacePath(task *model.Task, wr wpath.WorkspaceRelative, isInput bool) {
	if e.DirExists != nil && e.DirExists(wr) {
		glob := wr.String() + "/**/*"
		if isInput {
			task.InputGlobs = append(task.InputGlobs, glob)
		} else {
			task.OutputGlobs = append(task.OutputGlobs, glob)
		}
		return
	}
	if isInput {
		task.InputFiles = append(task.InputFiles, wr)
	} else {
		task.OutputFiles = append(task.OutputFiles, wr)
	}
}

func (e *Expander) projectPath(value string) wpath.WorkspaceRelative {
	return e.Project.Source.Join(trimDotSlash(value))
}

// expandInputs classifies each declared Input into concrete workspace-
// relative files/globs or env-var names,
// processing entries in order so @in(n) can reference an earlier one.
func (e *Expander) expandInputs(task *model.Task, tok *token.Expander, groups *filegroup.Resolver) error {
	for _, in := range task.Inputs {
		rendered := ""
		switch in.Kind {
		case model.InputWorkspaceFile:
			wr := wpath.WorkspaceRelative(trimDotSlash(in.Value))
			e.resolveWorkspacePath(task, wr, true)
			rendered = wr.String()
		case model.InputWorkspaceGlob:
			task.InputGlobs = append(task.InputGlobs, in.Value)
			rendered = in.Value
		case model.InputProjectFile:
			wr := e.projectPath(in.Value)
			e.resolveWorkspacePath(task, wr, true)
			rendered = wr.String()
		case model.InputProjectGlob:
			wr := e.projectPath(in.Value)
			task.InputGlobs = append(task.InputGlobs, wr.String())
			rendered = wr.String()
		case model.InputEnvVar:
			task.InputEnv = append(task.InputEnv, in.Value)
			rendered = "$" + in.Value
		case model.InputEnvVarGlob:
			if e.EnvVarGlobMatch != nil {
				task.InputEnv = append(task.InputEnv, e.EnvVarGlobMatch(in.Value)...)
			}
			rendered = in.Value
		case model.InputFileGroup:
			members, err := groups.Group(in.Value)
			if err != nil {
				return err
			}
			root := groups.IsRootScoped(in.Value)
			for _, m := range members {
				e.addGroupMember(task, m, root, true)
			}
			rendered = in.Value
		case model.InputProject:
			task.InputProjects = append(task.InputProjects, in.Value)
			rendered = in.Value
		case model.InputTokenFunc:
			expanded, err := tok.ExpandFuncs(in.Value, token.FieldInputs)
			if err != nil {
				return err
			}
			e.addRenderedTokens(task, expanded, true)
			rendered = expanded
		case model.InputTokenVar:
			expanded := tok.ExpandVars(in.Value)
			e.addRenderedTokens(task, expanded, true)
			rendered = expanded
		}
		tok.Inputs = append(tok.Inputs, rendered)
	}
	return nil
}

// expandOutputs mirrors expandInputs for the outputs field; env-var outputs
// are rejected.
func (e *Expander) expandOutputs(task *model.Task, tok *token.Expander, groups *filegroup.Resolver) error {
	for _, out := range task.Outputs {
		rendered := ""
		switch out.Kind {
		case model.OutputWorkspaceFile:
			wr := wpath.WorkspaceRelative(trimDotSlash(out.Value))
			e.resolveWorkspacePath(task, wr, false)
			rendered = wr.String()
		case model.OutputWorkspaceGlob:
			task.OutputGlobs = append(task.OutputGlobs, out.Value)
			rendered = out.Value
		case model.OutputProjectFile:
			wr := e.projectPath(out.Value)
			e.resolveWorkspacePath(task, wr, false)
			rendered = wr.String()
		case model.OutputProjectGlob:
			wr := e.projectPath(out.Value)
			task.OutputGlobs = append(task.OutputGlobs, wr.String())
			rendered = wr.String()
		case model.OutputTokenFunc:
			expanded, err := tok.ExpandFuncs(out.Value, token.FieldOutputs)
			if err != nil {
				return err
			}
			if strings.HasPrefix(strings.TrimSpace(expanded), "$") {
				return ErrEnvOutputForbidden
			}
			e.addRenderedTokens(task, expanded, false)
			rendered = expanded
		case model.OutputTokenVar:
			expanded := tok.ExpandVars(out.Value)
			if strings.HasPrefix(strings.TrimSpace(expanded), "$") {
				return ErrEnvOutputForbidden
			}
			e.addRenderedTokens(task, expanded, false)
			rendered = expanded
		}
		tok.Outputs = append(tok.Outputs, rendered)
	}
	return nil
}

func (e *Expander) addGroupMember(task *model.Task, m filegroup.Member, rootScoped, isInput bool) {
	switch m.Kind {
	case filegroup.MemberEnvVar:
		if isInput {
			task.InputEnv = append(task.InputEnv, m.Value)
		}
	case filegroup.MemberGlob:
		wr := e.anchor(m.Value, rootScoped)
		if isInput {
			task.InputGlobs = append(task.InputGlobs, wr.String())
		} else {
			task.OutputGlobs = append(task.OutputGlobs, wr.String())
		}
	default:
		wr := e.anchor(m.Value, rootScoped)
		e.resolveWorkspacePath(task, wr, isInput)
	}
}

func (e *Expander) anchor(value string, rootScoped bool) wpath.WorkspaceRelative {
	value = trimDotSlash(value)
	if rootScoped {
		return wpath.WorkspaceRelative(value)
	}
	return e.Project.Source.Join(value)
}

// addRenderedTokens splits a rendered token-function result (space-joined
// "./a ./b" paths, or "$NAME" env markers from @envs) into the task's
// classified input/output slices.
func (e *Expander) addRenderedTokens(task *model.Task, rendered string, isInput bool) {
	for _, part := range strings.Fields(rendered) {
		if strings.HasPrefix(part, "$") {
			if isInput {
				task.InputEnv = append(task.InputEnv, strings.TrimPrefix(part, "$"))
			}
			continue
		}
		wr := e.projectPath(part)
		if wpath.IsGlob(part) {
			if isInput {
				task.InputGlobs = append(task.InputGlobs, wr.String())
			} else {
				task.OutputGlobs = append(task.OutputGlobs, wr.String())
			}
			continue
		}
		e.resolveWorkspacePath(task, wr, isInput)
	}
}
