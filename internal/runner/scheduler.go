package runner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/moonrun/moonrun/internal/actiongraph"
)

// Dispatch executes the effect of one action node: a RunTask node hands off
// to a Runner, every other Kind is typically a no-op for the toolchains in
// play (the Port interface has no install or setup method to call; System
// only reports setup_toolchain through HasFunc), but the scheduler itself has no
// opinion on that — it only calls Dispatch and reacts to the error.
type Dispatch func(ctx context.Context, key string, node actiongraph.Node) error

// Scheduler walks an Action Graph with a bounded worker pool, dispatching a
// node only once every node it depends on has completed. It implements the
// Concurrency and Resource Model's scheduling and cancellation rules: a
// failed node's dependents are skipped (never dispatched) but independent
// subtrees keep running, unless FailFast cancels the whole walk.
//
// Grounded on core.Engine.Execute's semaphore-gated dag.Walk, generalized
// from one Concurrency-capped visitor over package-task vertices to a
// Dispatch callback over typed Action Graph nodes, and from its
// always-bail errored flag to an opt-in FailFast so the default matches
// this system's "continue with independent subtrees" propagation policy.
type Scheduler struct {
	Graph       *actiongraph.Graph
	Dispatch    Dispatch
	Concurrency int
	FailFast    bool
}

// Run walks the graph to completion (or until ctx is cancelled), returning
// nil if every node succeeded or an aggregated error naming each failure.
func (s *Scheduler) Run(ctx context.Context) error {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var failed int32

	errs := s.Graph.Walk(func(key string) error {
		if s.FailFast && atomic.LoadInt32(&failed) != 0 {
			return nil
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		node := s.Graph.Nodes()[key]
		if err := s.Dispatch(ctx, key, node); err != nil {
			atomic.StoreInt32(&failed, 1)
			if s.FailFast {
				cancel()
			}
			return fmt.Errorf("%s: %w", node.String(), err)
		}
		return nil
	})

	var merr *multierror.Error
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
