// Package actiongraph implements the Action Graph Builder: it compiles a
// run request into a DAG of typed action nodes with value-based
// deduplication, deterministic edges, cycle prevention, and transitive
// reduction rooted at SyncWorkspace.
//
// Grounded on internal/core/engine.go's Engine (a pyr-sh/dag.AcyclicGraph
// wrapping package-task vertices, built via repeated Connect calls and
// walked with Engine.Execute), generalized from "package-task string
// vertices" to the richer Node sum type this system's action graph needs.
package actiongraph

import (
	"fmt"

	"github.com/pyr-sh/dag"

	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/projectgraph"
	"github.com/moonrun/moonrun/internal/toolchainport"
)

// ErrWouldCycle names both endpoints of an edge the builder refused to add.
type ErrWouldCycle struct{ Source, Target string }

func (e *ErrWouldCycle) Error() string {
	return fmt.Sprintf("edge %q -> %q would introduce a cycle", e.Source, e.Target)
}

// ErrMissingToolchainRequirement fires when a toolchain's DefineRequirements
// names a toolchain ID the registry has no Port for.
type ErrMissingToolchainRequirement struct{ ID, DepID string }

func (e *ErrMissingToolchainRequirement) Error() string {
	return fmt.Sprintf("toolchain %q requires unknown toolchain %q", e.ID, e.DepID)
}

// Graph is the built Action Graph: a DAG of Nodes keyed by Node.Key(), with
// Required edges (source depends on target).
type Graph struct {
	dag   dag.AcyclicGraph
	nodes map[string]Node
}

// Nodes returns every distinct node in the graph.
func (g *Graph) Nodes() map[string]Node { return g.nodes }

// DependsOn returns the keys a node directly requires.
func (g *Graph) DependsOn(key string) []string {
	down := g.dag.DownEdges(key)
	out := make([]string, 0, down.Len())
	for _, v := range down.List() {
		out = append(out, v.(string))
	}
	return out
}

// TransitiveReduction removes edges redundant through the SyncWorkspace
// spanning tree, leaving a minimal valid prerequisite graph.
func (g *Graph) TransitiveReduction() {
	g.dag.TransitiveReduction()
}

// Dot renders the graph in Graphviz DOT format, grounded on
// graphvisualizer.GraphVisualizer.generateDotString's direct use of the
// underlying dag.AcyclicGraph's own Dot method.
func (g *Graph) Dot() string {
	return string(g.dag.Dot(&dag.DotOpts{Verbose: true, DrawCycles: true}))
}

// Builder constructs an Action Graph incrementally, deduplicating nodes by
// value and refusing edges that would introduce a cycle.
type Builder struct {
	graph      *projectgraph.Graph
	toolchains *toolchainport.Registry

	// SyncProjectDependencies mirrors the workspace option of the same
	// name: when true, SyncProject(P) also requires SyncProject(P') for
	// every direct dependency P'.
	SyncProjectDependencies bool

	dagv  dag.AcyclicGraph
	nodes map[string]Node
	pt    *passthrough
}

// New returns a Builder bound to a frozen Project Graph and a toolchain
// registry.
func New(graph *projectgraph.Graph, toolchains *toolchainport.Registry) *Builder {
	return &Builder{
		graph:      graph,
		toolchains: toolchains,
		nodes:      map[string]Node{},
	}
}

// Build finalizes the accumulated nodes/edges into an immutable Graph.
func (b *Builder) Build() *Graph {
	return &Graph{dag: b.dagv, nodes: b.nodes}
}

func (b *Builder) addNode(n Node) string {
	key := n.Key()
	if _, exists := b.nodes[key]; !exists {
		b.nodes[key] = n
		b.dagv.Add(key)
	}
	return key
}

func (b *Builder) connect(sourceKey, targetKey string) error {
	if sourceKey == targetKey {
		return nil
	}
	b.dagv.Connect(dag.BasicEdge(sourceKey, targetKey))
	if err := b.dagv.Validate(); err != nil {
		b.dagv.RemoveEdge(dag.BasicEdge(sourceKey, targetKey))
		return &ErrWouldCycle{Source: sourceKey, Target: targetKey}
	}
	return nil
}

// EnsureSyncWorkspace returns the key of the (singleton) SyncWorkspace
// node, creating it if absent. It has no dependencies and becomes the
// implicit root.
func (b *Builder) EnsureSyncWorkspace() string {
	return b.addNode(Node{Kind: KindSyncWorkspace})
}

// EnsureSetupProto returns the key of the SetupProto(version) node,
// wired to depend on SyncWorkspace.
func (b *Builder) EnsureSetupProto(version string) (string, error) {
	root := b.EnsureSyncWorkspace()
	key := b.addNode(Node{Kind: KindSetupProto, ProtoVersion: version})
	if err := b.connect(key, root); err != nil {
		return "", err
	}
	return key, nil
}

// EnsureSetupToolchain returns the key of SetupToolchain(id), recursively
// creating SetupToolchain nodes for every toolchain id's DefineRequirements
// names, with visited-set cycle prevention. protoVersion, when non-empty,
// also wires a SetupProto dependency.
func (b *Builder) EnsureSetupToolchain(id string, protoVersion string) (string, error) {
	return b.ensureSetupToolchain(id, protoVersion, map[string]bool{})
}

func (b *Builder) ensureSetupToolchain(id, protoVersion string, visited map[string]bool) (string, error) {
	key := b.addNode(Node{Kind: KindSetupToolchain, Toolchain: id})
	if visited[id] {
		return key, nil
	}
	visited[id] = true

	root := b.EnsureSyncWorkspace()
	if err := b.connect(key, root); err != nil {
		return "", err
	}

	if protoVersion != "" {
		protoKey, err := b.EnsureSetupProto(protoVersion)
		if err != nil {
			return "", err
		}
		if err := b.connect(key, protoKey); err != nil {
			return "", err
		}
	}

	port, ok := b.toolchains.Lookup(id)
	if !ok {
		return key, nil
	}
	for _, reqID := range port.DefineRequirements() {
		if _, ok := b.toolchains.Lookup(reqID); !ok {
			return "", &ErrMissingToolchainRequirement{ID: id, DepID: reqID}
		}
		depKey, err := b.ensureSetupToolchain(reqID, "", visited)
		if err != nil {
			return "", err
		}
		if err := b.connect(key, depKey); err != nil {
			return "", err
		}
	}
	return key, nil
}

// EnsureInstallDependencies returns the key of an InstallDependencies(T,
// project) node (or, when the toolchain doesn't implement
// install_dependencies, the SetupEnvironment/SetupToolchain node that
// stands in for it — callers do not distinguish).
func (b *Builder) EnsureInstallDependencies(toolchainID, projectID, projectSource string) (string, error) {
	toolchainKey, err := b.EnsureSetupToolchain(toolchainID, "")
	if err != nil {
		return "", err
	}

	port, ok := b.toolchains.Lookup(toolchainID)
	if !ok || !port.SupportsTier2() {
		return toolchainKey, nil
	}

	located := port.LocateDependenciesRoot(projectSource)
	if !located.Found {
		return toolchainKey, nil
	}

	envProjectID := projectID
	if located.InWorkspace {
		envProjectID = ""
	}
	envKey, err := b.ensureSetupEnvironment(toolchainID, located.Root, envProjectID, toolchainKey)
	if err != nil {
		return "", err
	}

	if !port.HasFunc("install_dependencies") {
		return envKey, nil
	}

	installKey := b.addNode(Node{
		Kind:      KindInstallDependencies,
		Toolchain: toolchainID,
		Root:      located.Root,
		ProjectID: envProjectID,
	})
	root := b.EnsureSyncWorkspace()
	if err := b.connect(installKey, root); err != nil {
		return "", err
	}
	if err := b.connect(installKey, toolchainKey); err != nil {
		return "", err
	}
	if err := b.connect(installKey, envKey); err != nil {
		return "", err
	}
	return installKey, nil
}

func (b *Builder) ensureSetupEnvironment(toolchainID, root, projectID, toolchainKey string) (string, error) {
	key := b.addNode(Node{Kind: KindSetupEnvironment, Toolchain: toolchainID, Root: root, ProjectID: projectID})
	if err := b.connect(key, toolchainKey); err != nil {
		return "", err
	}
	return key, nil
}

// EnsureSyncProject returns the key of SyncProject(P), requiring
// SyncWorkspace and, when SyncProjectDependencies is on, SyncProject(P')
// for every direct dependency, with visited-set cycle prevention.
func (b *Builder) EnsureSyncProject(projectID string) (string, error) {
	return b.ensureSyncProject(projectID, map[string]bool{})
}

func (b *Builder) ensureSyncProject(projectID string, visited map[string]bool) (string, error) {
	key := b.addNode(Node{Kind: KindSyncProject, ProjectID: projectID})
	if visited[projectID] {
		return key, nil
	}
	visited[projectID] = true

	root := b.EnsureSyncWorkspace()
	if err := b.connect(key, root); err != nil {
		return "", err
	}

	if !b.SyncProjectDependencies {
		return key, nil
	}
	for _, depID := range b.graph.DirectDependencies(projectID) {
		depKey, err := b.ensureSyncProject(depID, visited)
		if err != nil {
			return "", err
		}
		if err := b.connect(key, depKey); err != nil {
			return "", err
		}
	}
	return key, nil
}

// TaskLookup resolves a resolved-dep edge (projectID, taskID) to the
// project's toolchains and the task record itself, so the builder can fan
// out RunTask nodes without depending on a concrete project-graph type
// beyond what it already holds.
type TaskLookup interface {
	Project(id string) (projectSource string, toolchains []string, ok bool)
	Task(projectID, taskID string) (*model.Task, bool)
}

// AddRunTask adds a RunTask(target) node for a project's task: it requires
// SyncProject(P), every InstallDependencies(Ti, P) for the task's
// toolchains, and each dep-task's RunTask node (serial-chained when
// run_deps_in_parallel is off, otherwise each depended on directly). CI
// gating: when ci is true and the task disables run_in_ci, no node is
// created and the target is recorded as passthrough instead; a dependent
// gets no edge to a passthrough dep, which is skipped (passthrough targets
// contribute to hashing but never execute).
func (b *Builder) AddRunTask(lookup TaskLookup, projectID string, task *model.Task, ci bool) (string, error) {
	id := projectID + ":" + task.ID
	if ci && !task.Options.RunInCI {
		b.passthroughState().targets[id] = true
		return "", nil
	}

	key := b.addNode(Node{
		Kind:        KindRunTask,
		ID:          id,
		TargetLabel: task.Target.String(),
		Args:        task.Args,
		Env:         task.Env,
		Interactive: task.Options.Interactive,
		Persistent:  task.Options.Persistent,
		Priority:    task.Options.Priority,
	})

	syncKey, err := b.EnsureSyncProject(projectID)
	if err != nil {
		return "", err
	}
	if err := b.connect(key, syncKey); err != nil {
		return "", err
	}

	projectSource, _, ok := lookup.Project(projectID)
	if !ok {
		return "", fmt.Errorf("actiongraph: unknown project %q for task %q", projectID, task.ID)
	}
	for _, toolchainID := range task.Toolchains {
		installKey, err := b.EnsureInstallDependencies(toolchainID, projectID, projectSource)
		if err != nil {
			return "", err
		}
		if err := b.connect(key, installKey); err != nil {
			return "", err
		}
	}

	var depKeys []string
	for _, dep := range task.ResolvedDeps {
		depTask, ok := lookup.Task(dep.ProjectID, dep.TaskID)
		if !ok {
			continue
		}
		depKey, err := b.AddRunTask(lookup, dep.ProjectID, depTask, ci)
		if err != nil {
			return "", err
		}
		if depKey == "" {
			// The dependency was a CI passthrough and produced no node.
			continue
		}
		depKeys = append(depKeys, depKey)
	}

	if len(depKeys) == 0 {
		if err := b.connect(key, b.EnsureSyncWorkspace()); err != nil {
			return "", err
		}
		return key, nil
	}

	if task.Options.RunDepsInParallel {
		for _, depKey := range depKeys {
			if err := b.connect(key, depKey); err != nil {
				return "", err
			}
		}
	} else {
		// Serial chain: task <- dep1 <- dep2 <- ...; each dep depends only
		// on the previous.
		if err := b.connect(key, depKeys[0]); err != nil {
			return "", err
		}
		for i := 1; i < len(depKeys); i++ {
			if err := b.connect(depKeys[i-1], depKeys[i]); err != nil {
				return "", err
			}
		}
	}
	return key, nil
}

// passthrough tracks targets whose run_in_ci=false excluded them from
// scheduling as a primary RunTask node, per the CI-gating state machine.
// Dependents may still run; the passthrough state lets the hasher still
// contribute this task's identity without a node to execute.
type passthrough struct {
	targets map[string]bool
}

// Passthrough reports whether a task id ("project:task") was recorded as a
// CI passthrough rather than scheduled.
func (b *Builder) Passthrough(id string) bool {
	return b.passthroughState().targets[id]
}

func (b *Builder) passthroughState() *passthrough {
	if b.pt == nil {
		b.pt = &passthrough{targets: map[string]bool{}}
	}
	return b.pt
}

// Partition splits a stable-ordered target list into ceil(N/jobTotal)-sized
// contiguous windows and returns the jobIndex'th window, for CI job
// sharding. Deterministic for a stable input order.
func Partition(targets []string, jobIndex, jobTotal int) []string {
	if jobTotal <= 1 {
		return targets
	}
	windowSize := (len(targets) + jobTotal - 1) / jobTotal
	start := jobIndex * windowSize
	if start >= len(targets) {
		return nil
	}
	end := start + windowSize
	if end > len(targets) {
		end = len(targets)
	}
	return targets[start:end]
}

// Walk visits every node in dependency order: visit(key) runs only after
// visit has returned nil for every node key depends on. A non-nil error
// from visit skips that node's dependents (they are never dispatched) but
// does not halt sibling branches; every error returned by a visited node
// is collected and returned together.
//
// Grounded on core.Engine.Execute's direct delegation to
// dag.AcyclicGraph.Walk, generalized from an opaque taskID visitor to a
// node-key visitor so the caller can look up the corresponding Node.
func (g *Graph) Walk(visit func(key string) error) []error {
	return g.dag.Walk(func(v dag.Vertex) error {
		return visit(dag.VertexName(v))
	})
}
