// Package query implements the "query" subcommand: read-only inspection
// of the Project Graph and (optionally) the Affected Tracker, without
// building or walking an Action Graph the way "run" does.
//
// Grounded on moon's "moon query projects"/"moon query tasks" pair
// (nextgen/project-graph), giving the Project Graph, VCS Port, and
// Affected Tracker a CLI-reachable surface beyond "run".
package query

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/moonrun/moonrun/internal/affected"
	"github.com/moonrun/moonrun/internal/cmdutil"
	"github.com/moonrun/moonrun/internal/vcsport"
)

type queryOpts struct {
	affectedOnly bool
	since        string
	tag          string
}

// QueryCmd builds the "query" subcommand with its "projects" and "tasks" children.
func QueryCmd(helper *cmdutil.Helper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect the project graph without running anything",
	}
	cmd.AddCommand(projectsCmd(helper))
	cmd.AddCommand(tasksCmd(helper))
	return cmd
}

func projectsCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &queryOpts{}
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			ids := base.Workspace.Graph.ProjectIDs()
			if opts.tag != "" {
				ids = base.Workspace.Graph.ProjectsWithTag(opts.tag)
			}

			var tracker *affected.Tracker
			if opts.affectedOnly {
				tracker, err = buildAffectedTracker(base, opts.since)
				if err != nil {
					return err
				}
			}

			sort.Strings(ids)
			for _, id := range ids {
				if tracker != nil && !tracker.Project(id).Affected() {
					continue
				}
				p, _ := base.Workspace.Graph.Project(id)
				cmd.Println(fmt.Sprintf("%s\t%s", id, p.Source))
			}
			return nil
		},
	}
	addQueryFlags(cmd, opts)
	return cmd
}

func tasksCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &queryOpts{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks declared across the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}

			var tracker *affected.Tracker
			if opts.affectedOnly {
				tracker, err = buildAffectedTracker(base, opts.since)
				if err != nil {
					return err
				}
			}

			ids := make([]string, 0, len(base.Workspace.Tasks))
			for id := range base.Workspace.Tasks {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				task := base.Workspace.Tasks[id]
				projectID, _ := splitTaskID(id)
				if opts.tag != "" {
					p, ok := base.Workspace.Graph.Project(projectID)
					if !ok {
						continue
					}
					if _, tagged := p.Tags[opts.tag]; !tagged {
						continue
					}
				}
				if tracker != nil && !tracker.Task(projectID, task.ID).Affected() {
					continue
				}
				cmd.Println(fmt.Sprintf("%s\t%s", id, task.Command))
			}
			return nil
		},
	}
	addQueryFlags(cmd, opts)
	return cmd
}

func addQueryFlags(cmd *cobra.Command, opts *queryOpts) {
	cmd.Flags().BoolVar(&opts.affectedOnly, "affected", false, "only list projects/tasks affected by uncommitted or since-ref changes")
	cmd.Flags().StringVar(&opts.since, "since", "", "git ref to diff against when --affected is set (default: working tree status)")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "only list projects carrying this tag")
}

func buildAffectedTracker(base *cmdutil.CmdBase, since string) (*affected.Tracker, error) {
	repoRoot, err := vcsport.FindRepoRoot(base.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("query: --affected requires a git repository: %w", err)
	}
	git := vcsport.NewGit(repoRoot, base.RepoRoot)

	var touched vcsport.TouchedFiles
	if since != "" {
		branch, err := git.LocalBranchRevision()
		if err != nil {
			return nil, err
		}
		touched, err = git.TouchedFilesBetween(since, branch)
		if err != nil {
			return nil, err
		}
	} else {
		touched, err = git.TouchedFiles(nil)
		if err != nil {
			return nil, err
		}
	}

	tracker := affected.NewTracker(base.Workspace.Graph)
	if err := tracker.TrackProjects(touched, affected.UpstreamNone, affected.DownstreamDirect); err != nil {
		return nil, err
	}
	if err := tracker.TrackTasks(touched, nil, func(string) (string, bool) { return "", false }); err != nil {
		return nil, err
	}
	return tracker, nil
}

func splitTaskID(id string) (string, string) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}
