// Package cmd holds the root cobra command for moonrun.
package cmd

import (
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/moonrun/moonrun/internal/cmd/graph"
	"github.com/moonrun/moonrun/internal/cmd/query"
	"github.com/moonrun/moonrun/internal/cmd/run"
	"github.com/moonrun/moonrun/internal/cmdutil"
)

const _defaultCmd string = "run"

type execOpts struct {
	heapFile       string
	cpuProfileFile string
	traceFile      string
}

func (eo *execOpts) addFlags(flags *pflag.FlagSet) {
	// Relative to the actual CWD, not --cwd: a user inspects these after
	// execution and may not know the resolved repo root.
	flags.StringVar(&eo.heapFile, "heap", "", "write a pprof heap profile to this file")
	flags.StringVar(&eo.cpuProfileFile, "cpuprofile", "", "write a pprof CPU profile to this file")
	flags.StringVar(&eo.traceFile, "trace", "", "write a pprof execution trace to this file")
}

// RunWithArgs runs moonrun with the specified arguments. args should not
// include the binary being invoked (e.g. "moonrun").
func RunWithArgs(args []string, version string) int {
	helper := cmdutil.NewHelper(version)
	root := getCmd(helper)
	root.SetArgs(resolveArgs(root, args))
	defer helper.Cleanup(root.Flags())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

// resolveArgs adds a default command to the supplied arguments if the
// invocation would otherwise resolve to the bare root command.
func resolveArgs(root *cobra.Command, args []string) []string {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "--version" || arg == "completion" {
			return args
		}
	}
	cmd, _, err := root.Traverse(args)
	if err != nil {
		// The command is going to error; defer to cobra to report it.
		return args
	} else if cmd.Name() == root.Name() {
		return append([]string{_defaultCmd}, args...)
	}
	return args
}

// getCmd returns the root cobra command.
func getCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &execOpts{}

	cmd := &cobra.Command{
		Use:              "moonrun",
		Short:            "A task runner for polyglot monorepos",
		TraverseChildren: true,
		Version:          helper.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.traceFile != "" {
				cleanup, err := createTraceFile(opts.traceFile)
				if err != nil {
					return err
				}
				helper.RegisterCleanup(cleanup)
			}
			if opts.heapFile != "" {
				cleanup, err := createHeapFile(opts.heapFile)
				if err != nil {
					return err
				}
				helper.RegisterCleanup(cleanup)
			}
			if opts.cpuProfileFile != "" {
				cleanup, err := createCpuprofileFile(opts.cpuProfileFile)
				if err != nil {
					return err
				}
				helper.RegisterCleanup(cleanup)
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	flags := cmd.PersistentFlags()
	helper.AddFlags(flags)
	opts.addFlags(flags)
	cmd.AddCommand(run.RunCmd(helper))
	cmd.AddCommand(query.QueryCmd(helper))
	cmd.AddCommand(graph.GraphCmd(helper))
	return cmd
}

type profileCleanup func() error

// Close implements io.Closer for profileCleanup.
func (pc profileCleanup) Close() error {
	return pc()
}

// To view a trace, use "go tool trace [file]".
func createTraceFile(traceFile string) (profileCleanup, error) {
	f, err := os.Create(traceFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create trace file: %v", traceFile)
	}
	if err := trace.Start(f); err != nil {
		return nil, errors.Wrap(err, "failed to start tracing")
	}
	return func() error {
		trace.Stop()
		return f.Close()
	}, nil
}

// To view a heap profile, use "go tool pprof [file]" and type "top".
func createHeapFile(heapFile string) (profileCleanup, error) {
	f, err := os.Create(heapFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create heap file: %v", heapFile)
	}
	return func() error {
		if err := pprof.WriteHeapProfile(f); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write heap file: %v", heapFile)
		}
		return f.Close()
	}, nil
}

// To view a CPU profile, drop the file into https://speedscope.app.
func createCpuprofileFile(cpuprofileFile string) (profileCleanup, error) {
	f, err := os.Create(cpuprofileFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create cpuprofile file: %v", cpuprofileFile)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return nil, errors.Wrap(err, "failed to start CPU profiling")
	}
	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}
