// Package run implements the "run" subcommand: resolve one or more Target
// Locators against the workspace, compile the Action Graph those targets
// need, and walk it with the worker-pool Scheduler, dispatching each
// RunTask node to the Task Runner.
//
// Grounded on internal/cmd/run/run.go's RunCmd (flag parsing, cobra
// wiring) and real_run.go's orchestration sequence (resolve targets ->
// build a graph -> execute with a concurrency-capped walker), adapted
// from this system's package-glob --scope/--filter flags to the Target
// Locator grammar and from RunCache/core.Engine to actiongraph/runner.
package run

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moonrun/moonrun/internal/actiongraph"
	"github.com/moonrun/moonrun/internal/cachestore"
	"github.com/moonrun/moonrun/internal/cmdutil"
	"github.com/moonrun/moonrun/internal/colorcache"
	"github.com/moonrun/moonrun/internal/manifest"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/process"
	"github.com/moonrun/moonrun/internal/runner"
	"github.com/moonrun/moonrun/internal/target"
	"github.com/moonrun/moonrun/internal/taskhash"
	"github.com/moonrun/moonrun/internal/toolchainport"
	"github.com/moonrun/moonrun/internal/util"
	"github.com/moonrun/moonrun/internal/vcsport"
	"github.com/moonrun/moonrun/internal/wpath"
)

type runOpts struct {
	scope       []string
	concurrency int
	force       bool
	updateCache bool
	continueRun bool
	ci          bool
}

// RunCmd builds the "run" subcommand.
func RunCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &runOpts{}

	cmd := &cobra.Command{
		Use:   "run <task locator> [more locators...]",
		Short: "Run one or more tasks across the workspace",
		Long: `Run tasks across projects in the workspace.

Each argument is a Target Locator: a bare task name runs it in the
project inferred from the working directory; "pkg:task" scopes it to one
project; ":task" runs it everywhere it's declared; "^:task" runs it in
this project's direct dependencies; "#tag:task" runs it wherever a tag
matches. Tasks run in dependency order with a bounded worker pool, and
results are cached by content hash.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			return runRun(cmd.Context(), base, opts, args)
		},
	}

	opts.concurrency = 10
	flags := cmd.Flags()
	flags.StringArrayVar(&opts.scope, "scope", nil, "additional project/tag locators to scope every task to (supports globs)")
	flags.Var(&util.ConcurrencyValue{Value: &opts.concurrency}, "concurrency", "maximum number of tasks to run at once, as a number or a percentage of available CPUs (e.g. 50%)")
	flags.BoolVarP(&opts.force, "force", "f", false, "ignore the existing cache and re-run every task")
	flags.BoolVar(&opts.updateCache, "update-cache", false, "re-run every task but still save results to the cache")
	flags.BoolVar(&opts.continueRun, "continue", false, "keep running independent tasks after one fails instead of bailing")
	flags.BoolVar(&opts.ci, "ci", false, "treat this invocation as a CI run, honoring each task's run-in-ci setting")
	return cmd
}

func runRun(ctx context.Context, base *cmdutil.CmdBase, opts *runOpts, args []string) error {
	locators := make([]target.Locator, 0, len(args)+len(opts.scope))
	for _, raw := range append(append([]string(nil), args...), opts.scope...) {
		loc, err := target.Parse(raw)
		if err != nil {
			return err
		}
		locators = append(locators, loc)
	}

	selfID, _ := base.SelfProjectID(base.RepoRoot)
	req := target.RunRequest{
		Locators:    locators,
		CI:          opts.ci,
		Force:       opts.force,
		UpdateCache: opts.updateCache,
	}
	targets, err := target.ResolveAll(base.Workspace.Graph, req, selfID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		base.LogWarning("", fmt.Errorf("no tasks matched %v", args))
		return nil
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

	lookup := workspaceLookup{base.Workspace}
	registry := toolchainport.NewRegistry()
	for _, id := range distinctToolchains(base.Workspace) {
		registry.Register(&toolchainport.System{Name: id})
	}

	builder := actiongraph.New(base.Workspace.Graph, registry)
	for _, t := range targets {
		task, ok := lookup.Task(t.ID, t.TaskID)
		if !ok {
			continue
		}
		if _, err := builder.AddRunTask(lookup, t.ID, task, opts.ci); err != nil {
			return fmt.Errorf("building action graph: %w", err)
		}
	}
	ag := builder.Build()
	ag.TransitiveReduction()

	taskRunner, cleanup, err := buildRunner(base)
	if err != nil {
		return err
	}
	defer cleanup()

	sched := &runner.Scheduler{
		Graph:       ag,
		Concurrency: opts.concurrency,
		FailFast:    !opts.continueRun,
		Dispatch:    dispatcher(base, lookup, taskRunner, opts),
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	base.LogInfo(fmt.Sprintf("ran %d task(s)", len(targets)))
	return nil
}

// dispatcher returns the Scheduler callback that hands RunTask nodes to
// the Task Runner; every other node Kind is a no-op, since the toolchain
// Port has no install or setup method to invoke (System only reports the
// setup_toolchain capability through HasFunc).
func dispatcher(base *cmdutil.CmdBase, lookup workspaceLookup, taskRunner *runner.Runner, opts *runOpts) runner.Dispatch {
	return func(ctx context.Context, key string, node actiongraph.Node) error {
		if node.Kind != actiongraph.KindRunTask {
			return nil
		}
		projectID, taskID := splitTaskID(node.ID)
		project, ok := base.Workspace.Graph.Project(projectID)
		if !ok {
			return fmt.Errorf("run: unknown project %q", projectID)
		}
		task, ok := lookup.Task(projectID, taskID)
		if !ok {
			return fmt.Errorf("run: unknown task %q", node.ID)
		}

		toolchainID := "system"
		if len(task.Toolchains) > 0 {
			toolchainID = task.Toolchains[0]
		}
		result, err := taskRunner.Run(ctx, runner.Request{
			ProjectID:     project.ID,
			ProjectSource: project.Source,
			Task:          task,
			ToolchainID:   toolchainID,
			ProjectDeps:   base.Workspace.Graph.DirectDependencies(project.ID),
			ForceMiss:     opts.force || opts.updateCache,
			SkipArchive:   opts.force && !opts.updateCache,
		})
		if err != nil {
			return err
		}
		base.LogInfo(fmt.Sprintf("%s: %s", node.TargetLabel, result.CacheStatus))
		return nil
	}
}

// workspaceLookup adapts a manifest.Workspace to actiongraph.TaskLookup.
type workspaceLookup struct {
	ws *manifest.Workspace
}

func (l workspaceLookup) Project(id string) (string, []string, bool) {
	p, ok := l.ws.Graph.Project(id)
	if !ok {
		return "", nil, false
	}
	return p.Source.String(), p.Toolchains, true
}

func (l workspaceLookup) Task(projectID, taskID string) (*model.Task, bool) {
	t, ok := l.ws.Tasks[projectID+":"+taskID]
	return t, ok
}

func distinctToolchains(ws *manifest.Workspace) []string {
	seen := map[string]struct{}{"system": {}}
	for _, t := range ws.Tasks {
		for _, id := range t.Toolchains {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// splitTaskID recovers (projectID, taskID) from a RunTask node's "project:task" ID.
func splitTaskID(id string) (string, string) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return id, ""
	}
	return id[:idx], id[idx+1:]
}

func buildRunner(base *cmdutil.CmdBase) (*runner.Runner, func(), error) {
	cacheDir := base.RepoRoot.Join(".moonrun", "cache")
	local, err := cachestore.NewLocalCache(cacheDir)
	if err != nil {
		return nil, nil, err
	}
	lastRun, err := cachestore.NewLastRunStore(base.RepoRoot.Join(".moonrun", "run"))
	if err != nil {
		return nil, nil, err
	}

	var vcs taskhash.VCSPort
	if repoRoot, err := vcsport.FindRepoRoot(base.RepoRoot); err == nil {
		vcs = vcsport.NewGit(repoRoot, base.RepoRoot)
	} else {
		vcs = noopVCS{}
	}

	registry := toolchainport.NewRegistry()
	for _, id := range distinctToolchains(base.Workspace) {
		registry.Register(&toolchainport.System{Name: id})
	}
	processes := process.NewManager(base.Logger)

	r := &runner.Runner{
		Toolchains:    registry,
		Hasher:        taskhash.NewTracker(vcs),
		Local:         local,
		LastRun:       lastRun,
		Mutexes:       runner.NewMutexRegistry(),
		Processes:     processes,
		Colors:        colorcache.New(),
		Logger:        base.Logger,
		WorkspaceRoot: base.RepoRoot,
	}
	return r, func() { processes.Close() }, nil
}

// noopVCS backs taskhash.Tracker when no git repository is found; every
// declared input is treated as absent rather than failing the run.
type noopVCS struct{}

func (noopVCS) FileHashes(paths []wpath.WorkspaceRelative, allowIgnored bool) (map[wpath.WorkspaceRelative]string, error) {
	return map[wpath.WorkspaceRelative]string{}, nil
}

func (noopVCS) FileTree(dir wpath.WorkspaceRelative) ([]wpath.WorkspaceRelative, error) {
	return nil, nil
}
