// Package graph implements the "graph" subcommand: compiles the Action
// Graph for one or more targets and prints it, either as a flat
// dependency listing or as Graphviz DOT.
//
// Grounded on graphvisualizer.GraphVisualizer (--graph/--graph-path in
// run/run.go), generalized from the Task Graph's package-task vertices to
// this system's typed Action Graph nodes.
package graph

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/moonrun/moonrun/internal/actiongraph"
	"github.com/moonrun/moonrun/internal/cmdutil"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/target"
	"github.com/moonrun/moonrun/internal/toolchainport"
)

type graphOpts struct {
	dot bool
}

// GraphCmd builds the "graph" subcommand.
func GraphCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &graphOpts{}
	cmd := &cobra.Command{
		Use:   "graph <task locator> [more locators...]",
		Short: "Print the action graph compiled for one or more tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			return runGraph(base, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.dot, "dot", false, "print Graphviz DOT instead of a flat dependency listing")
	return cmd
}

func runGraph(base *cmdutil.CmdBase, opts *graphOpts, args []string) error {
	locators := make([]target.Locator, 0, len(args))
	for _, raw := range args {
		loc, err := target.Parse(raw)
		if err != nil {
			return err
		}
		locators = append(locators, loc)
	}
	selfID, _ := base.SelfProjectID(base.RepoRoot)
	targets, err := target.ResolveAll(base.Workspace.Graph, target.RunRequest{Locators: locators}, selfID)
	if err != nil {
		return err
	}

	lookup := lookupAdapter{base}
	registry := toolchainport.NewRegistry()
	registry.Register(&toolchainport.System{})
	for _, id := range distinctToolchains(base) {
		registry.Register(&toolchainport.System{Name: id})
	}

	builder := actiongraph.New(base.Workspace.Graph, registry)
	for _, t := range targets {
		task, ok := lookup.Task(t.ID, t.TaskID)
		if !ok {
			continue
		}
		if _, err := builder.AddRunTask(lookup, t.ID, task, false); err != nil {
			return err
		}
	}
	ag := builder.Build()
	ag.TransitiveReduction()

	if opts.dot {
		base.UI.Output(ag.Dot())
		return nil
	}

	keys := make([]string, 0, len(ag.Nodes()))
	for key := range ag.Nodes() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		node := ag.Nodes()[key]
		deps := ag.DependsOn(key)
		sort.Strings(deps)
		base.UI.Output(fmt.Sprintf("%s", node.String()))
		for _, dep := range deps {
			base.UI.Output(fmt.Sprintf("  -> %s", ag.Nodes()[dep].String()))
		}
	}
	return nil
}

type lookupAdapter struct {
	base *cmdutil.CmdBase
}

func (l lookupAdapter) Project(id string) (string, []string, bool) {
	p, ok := l.base.Workspace.Graph.Project(id)
	if !ok {
		return "", nil, false
	}
	return p.Source.String(), p.Toolchains, true
}

func (l lookupAdapter) Task(projectID, taskID string) (*model.Task, bool) {
	t, ok := l.base.Workspace.Tasks[projectID+":"+taskID]
	return t, ok
}

func distinctToolchains(base *cmdutil.CmdBase) []string {
	seen := map[string]struct{}{}
	for _, t := range base.Workspace.Tasks {
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
