package expand

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/moonrun/moonrun/internal/wpath"
)

// ErrInvalidEnvFile names a line in an env file that isn't a valid
// KEY=value assignment.
type ErrInvalidEnvFile struct {
	Path string
	Line int
}

func (e *ErrInvalidEnvFile) Error() string {
	return fmt.Sprintf("invalid env file %s at line %d", e.Path, e.Line)
}

// LoadEnvFile parses one KEY=value env file. `#` starts a comment; a value
// may reference `$KEY` to an earlier entry in the same file.
// A missing file is silently skipped by the caller (LoadEnvFiles), not here.
func LoadEnvFile(root wpath.AbsolutePath, relPath string) (map[string]string, []string, error) {
	abs := root.Join(relPath)
	data, err := abs.ReadFile()
	if err != nil {
		return nil, nil, err
	}

	values := map[string]string{}
	var order []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			return nil, nil, &ErrInvalidEnvFile{Path: relPath, Line: lineNo}
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		value = unquote(value)
		value = substituteKnown(value, values)
		if _, exists := values[key]; !exists {
			order = append(order, key)
		}
		values[key] = value
	}
	return values, order, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}

// substituteKnown resolves "$KEY" references to entries already parsed
// earlier in the same file.
func substituteKnown(value string, known map[string]string) string {
	for k, v := range known {
		value = strings.ReplaceAll(value, "$"+k, v)
		value = strings.ReplaceAll(value, "${"+k+"}", v)
	}
	return value
}

// LoadEnvFiles loads each declared env file in order, merging later files
// over earlier ones. A missing file is silently skipped unless it is the
// sole declared source.
func LoadEnvFiles(root wpath.AbsolutePath, relPaths []string) (map[string]string, []string, error) {
	merged := map[string]string{}
	var order []string
	missing := 0
	for _, p := range relPaths {
		abs := root.Join(p)
		if !abs.FileExists() {
			missing++
			continue
		}
		values, fileOrder, err := LoadEnvFile(root, p)
		if err != nil {
			return nil, nil, err
		}
		for _, k := range fileOrder {
			if _, exists := merged[k]; !exists {
				order = append(order, k)
			}
			merged[k] = values[k]
		}
	}
	if len(relPaths) == 1 && missing == 1 {
		return nil, nil, fmt.Errorf("env file %s: %w", relPaths[0], os.ErrNotExist)
	}
	return merged, order, nil
}

// osEnvMap snapshots the inherited process environment exactly once. It is
// the sole package-level mutable state in this module.
var osEnvMap map[string]string

// CaptureProcessEnv takes the one permitted global snapshot. ProcessEnv
// calls it on first use when no snapshot has been taken yet.
func CaptureProcessEnv() {
	osEnvMap = map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i >= 0 {
			osEnvMap[kv[:i]] = kv[i+1:]
		}
	}
}

// ProcessEnv returns the captured snapshot (read-only use).
func ProcessEnv() map[string]string {
	if osEnvMap == nil {
		CaptureProcessEnv()
	}
	return osEnvMap
}
