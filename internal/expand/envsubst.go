package expand

import "regexp"

// maxSubstitutionPasses bounds the substitute-then-scan loop: a fixed
// iteration budget, after which any remaining reference is left literal
// rather than looped on indefinitely.
const maxSubstitutionPasses = 16

var envVarRe = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// EnvLookupOrder resolves `$VAR`/`${VAR}` substitution. Search order: task
// env (self-reference forbidden), env files in declaration order, then the
// inherited process environment. Missing variables are left literal.
type EnvLookupOrder struct {
	TaskEnv    map[string]string
	EnvFiles   map[string]string
	ProcessEnv map[string]string
}

func (o EnvLookupOrder) lookup(name, selfKey string) (string, bool) {
	if name == selfKey {
		// "a variable cannot reference itself" — skip task env for this name
		// and fall through to env files / process env.
	} else if v, ok := o.TaskEnv[name]; ok {
		return v, true
	}
	if v, ok := o.EnvFiles[name]; ok {
		return v, true
	}
	if v, ok := o.ProcessEnv[name]; ok {
		return v, true
	}
	return "", false
}

// SubstituteEnv expands `$VAR`/`${VAR}` references in s, for the task env
// entry named selfKey (pass "" when expanding a non-env field such as
// args/command, where no self-reference rule applies).
func SubstituteEnv(s string, order EnvLookupOrder, selfKey string) string {
	for pass := 0; pass < maxSubstitutionPasses; pass++ {
		changed := false
		next := envVarRe.ReplaceAllStringFunc(s, func(match string) string {
			sub := envVarRe.FindStringSubmatch(match)
			name := sub[1]
			if name == "" {
				name = sub[2]
			}
			if v, ok := order.lookup(name, selfKey); ok {
				changed = true
				return v
			}
			return match
		})
		if !changed {
			return next
		}
		s = next
	}
	return s
}
