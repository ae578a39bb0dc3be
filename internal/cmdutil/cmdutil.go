// Package cmdutil holds functionality to run moonrun via cobra: flag
// parsing and construction of components common to every subcommand.
package cmdutil

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/pflag"

	"github.com/moonrun/moonrun/internal/manifest"
	"github.com/moonrun/moonrun/internal/ui"
	"github.com/moonrun/moonrun/internal/wpath"
)

// _envLogLevel is the environment variable that sets the log level when
// -v/--verbosity was never passed.
const _envLogLevel = "MOONRUN_LOG_LEVEL"

// _defaultManifest is the workspace manifest filename looked up relative
// to the resolved repo root when --manifest is not given.
const _defaultManifest = "moonrun.json"

// Helper holds configuration values passed via flag or env var. It is not
// used directly by commands; it drives construction of CmdBase, which is.
type Helper struct {
	// Version is the version of moonrun that is currently executing.
	Version string

	forceColor bool
	noColor    bool
	verbosity  int

	rawCwd       string
	manifestPath string

	cleanupsMu sync.Mutex
	cleanups   []io.Closer
}

// RegisterCleanup saves a function to run after execution, even if the
// command that ran returned an error.
func (h *Helper) RegisterCleanup(cleanup io.Closer) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	h.cleanups = append(h.cleanups, cleanup)
}

// Cleanup runs the registered cleanup handlers.
func (h *Helper) Cleanup(flags *pflag.FlagSet) {
	h.cleanupsMu.Lock()
	defer h.cleanupsMu.Unlock()
	var out cli.Ui
	for _, cleanup := range h.cleanups {
		if err := cleanup.Close(); err != nil {
			if out == nil {
				out = h.getUI(flags)
			}
			out.Warn(fmt.Sprintf("failed cleanup: %v", err))
		}
	}
}

// getUI builds the Ui that CmdBase hands to every subcommand. It goes
// through ui.Factory rather than a one-shot constructor because the run
// dispatcher (internal/cmd/run/run.go's dispatcher) calls base.LogInfo
// from one goroutine per action-graph node; ConcurrentUIFactory is what
// makes that safe.
func (h *Helper) getUI(flags *pflag.FlagSet) cli.Ui {
	colorMode := ui.GetColorModeFromEnv()
	if flags.Changed("no-color") && h.noColor {
		colorMode = ui.ColorModeSuppressed
	}
	if flags.Changed("color") && h.forceColor {
		colorMode = ui.ColorModeForced
	}

	factory := &ui.ConcurrentUIFactory{
		Base: &ui.ColoredUIFactory{
			ColorMode: colorMode,
			Base:      &ui.BasicUIFactory{},
		},
	}
	return factory.Build(os.Stdin, os.Stdout, os.Stderr)
}

func (h *Helper) getLogger() (hclog.Logger, error) {
	var level hclog.Level
	switch h.verbosity {
	case 0:
		if v := os.Getenv(_envLogLevel); v != "" {
			level = hclog.LevelFromString(v)
			if level == hclog.NoLevel {
				return nil, fmt.Errorf("%s value %q is not a valid log level", _envLogLevel, v)
			}
		} else {
			level = hclog.NoLevel
		}
	case 1:
		level = hclog.Info
	case 2:
		level = hclog.Debug
	default:
		level = hclog.Trace
	}

	output := ioutil.Discard
	logColor := hclog.ColorOff
	if level != hclog.NoLevel {
		output = os.Stderr
		logColor = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "moonrun",
		Level:  level,
		Color:  logColor,
		Output: output,
	}), nil
}

// AddFlags adds the flags common to every moonrun command to flags and
// binds them to this Helper.
func (h *Helper) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&h.forceColor, "color", false, "force color usage in the terminal")
	flags.BoolVar(&h.noColor, "no-color", false, "suppress color usage in the terminal")
	flags.CountVarP(&h.verbosity, "verbosity", "v", "verbosity")
	flags.StringVar(&h.rawCwd, "cwd", "", "the directory to treat as the workspace root")
	flags.StringVar(&h.manifestPath, "manifest", "", "path to the workspace manifest JSON file (default: <cwd>/"+_defaultManifest+")")
}

// NewHelper returns a new Helper to hold configuration values for the root
// command.
func NewHelper(version string) *Helper {
	return &Helper{Version: version}
}

// GetCmdBase resolves the repo root, loads and builds the workspace
// manifest, and assembles a CmdBase shared by every subcommand.
func (h *Helper) GetCmdBase(flags *pflag.FlagSet) (*CmdBase, error) {
	terminal := h.getUI(flags)
	logger, err := h.getLogger()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if h.rawCwd != "" {
		if filepath.IsAbs(h.rawCwd) {
			cwd = h.rawCwd
		} else {
			cwd = filepath.Join(cwd, h.rawCwd)
		}
	}
	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return nil, err
	}
	repoRoot, err := wpath.NewAbsolutePath(resolved)
	if err != nil {
		return nil, err
	}

	manifestPath := h.manifestPath
	if manifestPath == "" {
		manifestPath = repoRoot.Join(_defaultManifest).String()
	}
	manifestFile, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("loading workspace manifest: %w", err)
	}
	workspace, err := manifest.Build(manifestFile, repoRoot, logger, func(wr wpath.WorkspaceRelative) bool {
		return repoRoot.Join(wr.String()).DirExists()
	})
	if err != nil {
		return nil, fmt.Errorf("building workspace from %s: %w", manifestPath, err)
	}

	return &CmdBase{
		UI:        terminal,
		Logger:    logger,
		RepoRoot:  repoRoot,
		Workspace: workspace,
		Version:   h.Version,
	}, nil
}

// CmdBase encompasses configured components common to every command.
type CmdBase struct {
	UI        cli.Ui
	Logger    hclog.Logger
	RepoRoot  wpath.AbsolutePath
	Workspace *manifest.Workspace
	Version   string
}

// SelfProjectID returns the ID of the project whose source directory most
// specifically contains cwd, and false when no project matches (the
// invocation is outside every known project, e.g. at the repo root).
func (b *CmdBase) SelfProjectID(cwd wpath.AbsolutePath) (string, bool) {
	rel, err := cwd.RelativeTo(b.RepoRoot)
	if err != nil {
		return "", false
	}
	bestID, bestLen := "", -1
	for _, id := range b.Workspace.Graph.ProjectIDs() {
		p, ok := b.Workspace.Graph.Project(id)
		if !ok || p.IsRootLevel() {
			continue
		}
		if rel != p.Source && !rel.HasPrefixDir(p.Source) {
			continue
		}
		if l := len(p.Source.String()); l > bestLen {
			bestID, bestLen = id, l
		}
	}
	return bestID, bestID != ""
}

// LogError prints an error to the UI.
func (b *CmdBase) LogError(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	b.Logger.Error("error", err)
	b.UI.Error(fmt.Sprintf("%s%s", ui.ERROR_PREFIX, color.RedString(" %v", err)))
}

// LogWarning logs a warning and outputs it to the UI.
func (b *CmdBase) LogWarning(prefix string, err error) {
	b.Logger.Warn(prefix, "warning", err)
	if prefix != "" {
		prefix = " " + prefix + ": "
	}
	b.UI.Warn(fmt.Sprintf("%s%s%s", ui.WARNING_PREFIX, prefix, color.YellowString(" %v", err)))
}

// LogInfo logs a message and outputs it to the UI.
func (b *CmdBase) LogInfo(msg string) {
	b.Logger.Info(msg)
	b.UI.Info(fmt.Sprintf("%s%s", ui.InfoPrefix, color.WhiteString(" %v", msg)))
}
