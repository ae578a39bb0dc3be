// Package token implements the Token Expander: `@func(arg)`
// token functions and `$var`/`${var}` token variables inside task fields,
// with per-field legality enforcement.
package token

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/moonrun/moonrun/internal/filegroup"
)

// Field names a task field a token appears in, used to enforce per-field
// legality.
type Field int

const (
	FieldCommand Field = iota
	FieldArgs
	FieldEnv
	FieldInputs
	FieldOutputs
)

func (f Field) String() string {
	switch f {
	case FieldCommand:
		return "command"
	case FieldArgs:
		return "args"
	case FieldEnv:
		return "env"
	case FieldInputs:
		return "inputs"
	case FieldOutputs:
		return "outputs"
	default:
		return "unknown"
	}
}

// legalFields maps each token function to the fields it may appear in.
var legalFields = map[string]map[Field]bool{
	"files":  {FieldArgs: true, FieldEnv: true, FieldInputs: true, FieldOutputs: true},
	"dirs":   {FieldArgs: true, FieldEnv: true, FieldInputs: true, FieldOutputs: true},
	"globs":  {FieldArgs: true, FieldEnv: true, FieldInputs: true, FieldOutputs: true},
	"group":  {FieldArgs: true, FieldEnv: true, FieldInputs: true, FieldOutputs: true},
	"root":   {FieldArgs: true, FieldEnv: true, FieldInputs: true, FieldOutputs: true},
	"envs":   {FieldInputs: true},
	"in":     {FieldArgs: true, FieldEnv: true},
	"out":    {FieldArgs: true, FieldEnv: true},
}

// ErrUnknownToken is returned for an unrecognized `@func`.
type ErrUnknownToken struct{ Name string }

func (e *ErrUnknownToken) Error() string { return fmt.Sprintf("unknown token function @%s", e.Name) }

// ErrTokenNotAllowed is returned when a token function appears in an illegal field.
type ErrTokenNotAllowed struct {
	Name  string
	Field Field
}

func (e *ErrTokenNotAllowed) Error() string {
	return fmt.Sprintf("token @%s is not allowed in %s", e.Name, e.Field)
}

// ErrIndexOutOfRange is returned for an out-of-range @in(n)/@out(n).
type ErrIndexOutOfRange struct {
	Name string
	N    int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("@%s(%d) index out of range", e.Name, e.N)
}

// Vars supplies the `$variable` substitution values.
type Vars struct {
	Project       string
	ProjectAlias  string
	ProjectSource string // always "/"-separated, portable across host OSes
	ProjectRoot   string
	ProjectType   string
	Language      string
	Target        string
	Task          string
	TaskPlatform  string
	TaskType      string
	WorkspaceRoot string
	Date          string
	Time          string
	Datetime      string
	Timestamp     string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "project":
		return v.Project, true
	case "projectAlias":
		return v.ProjectAlias, true
	case "projectSource":
		return v.ProjectSource, true
	case "projectRoot":
		return v.ProjectRoot, true
	case "projectType":
		return v.ProjectType, true
	case "language":
		return v.Language, true
	case "target":
		return v.Target, true
	case "task":
		return v.Task, true
	case "taskPlatform":
		return v.TaskPlatform, true
	case "taskType":
		return v.TaskType, true
	case "workspaceRoot":
		return v.WorkspaceRoot, true
	case "date":
		return v.Date, true
	case "time":
		return v.Time, true
	case "datetime":
		return v.Datetime, true
	case "timestamp":
		return v.Timestamp, true
	default:
		return "", false
	}
}

// Expander expands token functions and token variables within a single
// task's fields, given that task's resolved file groups.
type Expander struct {
	Groups *filegroup.Resolver
	Vars   Vars

	// Inputs/Outputs support @in(n)/@out(n); populated as the caller expands
	// each field in its resolution order, so inputs/outputs classification
	// can reference entries resolved so far.
	Inputs  []string
	Outputs []string
}

var tokenFuncRe = regexp.MustCompile(`@(\w+)\(([^()]*)\)`)
var tokenVarRe = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// ExpandFuncs replaces every `@func(arg)` occurrence in `s` for the given
// field. A token in an illegal position or referencing an unknown
// group/name fails.
func (e *Expander) ExpandFuncs(s string, field Field) (string, error) {
	var outerErr error
	result := tokenFuncRe.ReplaceAllStringFunc(s, func(match string) string {
		if outerErr != nil {
			return match
		}
		sub := tokenFuncRe.FindStringSubmatch(match)
		name, arg := sub[1], sub[2]
		allowed, known := legalFields[name]
		if !known {
			outerErr = &ErrUnknownToken{Name: name}
			return match
		}
		if !allowed[field] {
			outerErr = &ErrTokenNotAllowed{Name: name, Field: field}
			return match
		}
		replacement, err := e.evalFunc(name, arg)
		if err != nil {
			outerErr = err
			return match
		}
		return replacement
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func (e *Expander) evalFunc(name, arg string) (string, error) {
	switch name {
	case "files":
		members, err := e.Groups.Files(arg)
		if err != nil {
			return "", err
		}
		return joinProjectRelative(members), nil
	case "dirs":
		members, err := e.Groups.Dirs(arg)
		if err != nil {
			return "", err
		}
		return joinProjectRelative(members), nil
	case "globs":
		members, err := e.Groups.Globs(arg)
		if err != nil {
			return "", err
		}
		return joinProjectRelative(members), nil
	case "group":
		members, err := e.Groups.Group(arg)
		if err != nil {
			return "", err
		}
		vals := make([]string, len(members))
		for i, m := range members {
			vals[i] = m.Value
		}
		return joinProjectRelative(vals), nil
	case "root":
		return e.Groups.Root(arg)
	case "envs":
		members, err := e.Groups.EnvVars(arg)
		if err != nil {
			return "", err
		}
		vals := make([]string, len(members))
		for i, m := range members {
			vals[i] = "$" + m
		}
		return strings.Join(vals, " "), nil
	case "in":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n >= len(e.Inputs) {
			return "", &ErrIndexOutOfRange{Name: "in", N: n}
		}
		return e.Inputs[n], nil
	case "out":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n >= len(e.Outputs) {
			return "", &ErrIndexOutOfRange{Name: "out", N: n}
		}
		return e.Outputs[n], nil
	default:
		return "", &ErrUnknownToken{Name: name}
	}
}

// joinProjectRelative renders members as "./path" tokens joined by spaces,
// e.g. "./src/a.ts ./src/b.ts".
func joinProjectRelative(members []string) string {
	rendered := make([]string, len(members))
	for i, m := range members {
		if strings.HasPrefix(m, "./") || strings.HasPrefix(m, "/") {
			rendered[i] = m
		} else {
			rendered[i] = "./" + m
		}
	}
	return strings.Join(rendered, " ")
}

// ExpandVars substitutes `$var`/`${var}` token variables. Unknown variables
// are left literal so a later env-interpolation pass can still see them.
func (e *Expander) ExpandVars(s string) string {
	return tokenVarRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := tokenVarRe.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		if v, ok := e.Vars.lookup(name); ok {
			return v
		}
		return match
	})
}
