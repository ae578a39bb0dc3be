package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonrun/moonrun/internal/cachestore"
	"github.com/moonrun/moonrun/internal/colorcache"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/process"
	"github.com/moonrun/moonrun/internal/taskhash"
	"github.com/moonrun/moonrun/internal/toolchainport"
	"github.com/moonrun/moonrun/internal/wpath"
)

type fakeVCS struct{}

func (fakeVCS) FileHashes(paths []wpath.WorkspaceRelative, _ bool) (map[wpath.WorkspaceRelative]string, error) {
	out := map[wpath.WorkspaceRelative]string{}
	for _, p := range paths {
		out[p] = "h:" + p.String()
	}
	return out, nil
}

func (fakeVCS) FileTree(wpath.WorkspaceRelative) ([]wpath.WorkspaceRelative, error) { return nil, nil }

func tempAbs(t *testing.T, sub string) wpath.AbsolutePath {
	t.Helper()
	dir := t.TempDir()
	if sub != "" {
		dir = filepath.Join(dir, sub)
	}
	ap, err := wpath.NewAbsolutePath(dir)
	require.NoError(t, err)
	return ap
}

func newTestRunner(t *testing.T) (*Runner, wpath.AbsolutePath) {
	t.Helper()
	root := tempAbs(t, "")
	require.NoError(t, root.MkdirAll(0o775))

	local, err := cachestore.NewLocalCache(root.Join(".moon", "cache", "outputs"))
	require.NoError(t, err)
	lastRun, err := cachestore.NewLastRunStore(root.Join(".moon", "cache", "states"))
	require.NoError(t, err)

	registry := toolchainport.NewRegistry()
	registry.Register(&toolchainport.System{})

	return &Runner{
		Toolchains:    registry,
		Hasher:        taskhash.NewTracker(fakeVCS{}),
		Local:         local,
		LastRun:       lastRun,
		Mutexes:       NewMutexRegistry(),
		Processes:     process.NewManager(hclog.NewNullLogger()),
		Colors:        colorcache.New(),
		Logger:        hclog.NewNullLogger(),
		WorkspaceRoot: root,
	}, root
}

func baseTask(outputRel wpath.WorkspaceRelative) *model.Task {
	opts := model.DefaultTaskOptions()
	return &model.Task{
		ID:          "build",
		Command:     "sh",
		Args:        []string{"-c", "echo hi > \"$MOON_WORKSPACE_ROOT/" + outputRel.String() + "\""},
		OutputFiles: []wpath.WorkspaceRelative{outputRel},
		Options:     opts,
	}
}

func TestRunExecutesAndArchivesOnMiss(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	task := baseTask("app/out.txt")
	req := Request{
		ProjectID:     "app",
		ProjectSource: "app",
		Task:          task,
		ToolchainID:   "system",
		HasherVersion: 1,
	}

	result, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, CacheMiss, result.CacheStatus)
	assert.True(t, r.Local.Exists(result.Hash))

	restored, readErr := os.ReadFile(root.Join("app", "out.txt").String())
	require.NoError(t, readErr)
	assert.Equal(t, "hi\n", string(restored))
}

func TestRunSecondInvocationHydratesFromPreviousOutput(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	task := baseTask("app/out.txt")
	req := Request{
		ProjectID:     "app",
		ProjectSource: "app",
		Task:          task,
		ToolchainID:   "system",
		HasherVersion: 1,
	}

	first, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, CacheMiss, first.CacheStatus)

	second, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CacheHitPreviousOutput, second.CacheStatus)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestRunHydratesFromLocalCacheWhenOutputMissingButArchived(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	task := baseTask("app/out.txt")
	req := Request{
		ProjectID:     "app",
		ProjectSource: "app",
		Task:          task,
		ToolchainID:   "system",
		HasherVersion: 1,
	}

	first, err := r.Run(context.Background(), req)
	require.NoError(t, err)

	// Simulate the output having been cleaned from the workspace, and the
	// lastRun state forgotten (e.g. a clone on a different machine), but
	// the local cache archive for this hash still present.
	require.NoError(t, os.Remove(root.Join("app", "out.txt").String()))
	lastRun, err := cachestore.NewLastRunStore(root.Join(".moon", "cache", "states2"))
	require.NoError(t, err)
	r.LastRun = lastRun

	second, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CacheHitLocal, second.CacheStatus)
	assert.Equal(t, first.Hash, second.Hash)

	restored, readErr := os.ReadFile(root.Join("app", "out.txt").String())
	require.NoError(t, readErr)
	assert.Equal(t, "hi\n", string(restored))
}

func TestRunFailsWhenCommandExitsNonZero(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	task := &model.Task{
		ID:      "build",
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Options: model.DefaultTaskOptions(),
	}
	req := Request{ProjectID: "app", ProjectSource: "app", Task: task, ToolchainID: "system", HasherVersion: 1}

	result, err := r.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunAllowFailureSuppressesError(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	opts := model.DefaultTaskOptions()
	opts.AllowFailure = true
	task := &model.Task{ID: "build", Command: "sh", Args: []string{"-c", "exit 3"}, Options: opts}
	req := Request{ProjectID: "app", ProjectSource: "app", Task: task, ToolchainID: "system", HasherVersion: 1}

	result, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.True(t, result.AllowedFailure)
}

func TestRunRetriesOnFailure(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, root.Join("app").MkdirAll(0o775))

	marker := root.Join("app", "attempts").String()
	opts := model.DefaultTaskOptions()
	opts.RetryCount = 2
	task := &model.Task{
		ID:      "build",
		Command: "sh",
		Args: []string{"-c", `
n=$(cat ` + marker + ` 2>/dev/null || echo 0)
n=$((n+1))
echo $n > ` + marker + `
if [ "$n" -lt 3 ]; then exit 1; fi
exit 0
`},
		Options: opts,
	}
	req := Request{ProjectID: "app", ProjectSource: "app", Task: task, ToolchainID: "system", HasherVersion: 1}

	result, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestMutexRegistrySerializesSameName(t *testing.T) {
	reg := NewMutexRegistry()
	var order []int
	release1 := reg.Acquire("lock")
	order = append(order, 1)
	release1()

	release2 := reg.Acquire("lock")
	order = append(order, 2)
	release2()

	assert.Equal(t, []int{1, 2}, order)
}

func TestMutexRegistryEmptyNameNeverBlocks(t *testing.T) {
	reg := NewMutexRegistry()
	release1 := reg.Acquire("")
	release2 := reg.Acquire("")
	release1()
	release2()
}
