// Package runner implements the Task Runner: the executor behind a
// single RunTask action node. It resolves the process command through a
// toolchain port, hashes the task, probes the cache, hydrates on a hit
// or spawns and archives on a miss, and persists the task's final state.
//
// Grounded on RunCache/TaskCache's restore-then-spawn-then-save flow
// (RestoreOutputs, OutputWriter, SaveOutputs) and process.Manager's
// child-process lifecycle, recomposed into one Run call that owns the
// whole per-task sequence instead of splitting cache and process
// concerns across the caller.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/moonrun/moonrun/internal/cachestore"
	"github.com/moonrun/moonrun/internal/colorcache"
	"github.com/moonrun/moonrun/internal/model"
	"github.com/moonrun/moonrun/internal/process"
	"github.com/moonrun/moonrun/internal/taskhash"
	"github.com/moonrun/moonrun/internal/toolchainport"
	"github.com/moonrun/moonrun/internal/wpath"
)

const heartbeatInterval = 30 * time.Second

// CacheStatus reports how a task's result was obtained.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHitLocal
	CacheHitRemote
	CacheHitPreviousOutput
)

func (s CacheStatus) String() string {
	switch s {
	case CacheHitLocal:
		return "cache hit (local)"
	case CacheHitRemote:
		return "cache hit (remote)"
	case CacheHitPreviousOutput:
		return "cache hit (previous output)"
	default:
		return "cache miss"
	}
}

// Request bundles everything the runner needs for one RunTask action,
// independent of how the caller discovered it in the action graph.
type Request struct {
	ProjectID     string
	ProjectSource wpath.WorkspaceRelative
	Task          *model.Task
	ToolchainID   string

	LoadedEnvFiles []map[string]string // one map per EnvFiles entry, applied in order
	AffectedFiles  []wpath.WorkspaceRelative

	DepsState            []taskhash.DepState
	ProjectDeps          []string
	ToolchainFingerprint map[string]string
	HasherVersion        int

	PassthroughArgs []string
	ForceMiss       bool // --force / --update-cache
	SkipArchive     bool // --force: skip writing the new archive too
}

// Result is the outcome of running (or hydrating) one task.
type Result struct {
	Hash           string
	ExitCode       int
	CacheStatus    CacheStatus
	AllowedFailure bool
	DurationMS     int64
}

// Runner owns the dependencies shared across every task it runs: the
// toolchain registry, hasher, cache tiers, last-run state, named mutexes,
// a process manager, and terminal color assignment.
type Runner struct {
	Toolchains    *toolchainport.Registry
	Hasher        *taskhash.Tracker
	Local         *cachestore.LocalCache
	Remote        *cachestore.RemoteCache // nil when no remote cache is configured
	LastRun       *cachestore.LastRunStore
	Mutexes       *MutexRegistry
	Processes     *process.Manager
	Colors        *colorcache.ColorCache
	Logger        hclog.Logger
	WorkspaceRoot wpath.AbsolutePath
}

// Run executes steps 1-9 of the Task Runner for req, returning once the
// task has either hydrated from cache or finished (or exhausted its
// retries) executing.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	targetID := req.ProjectID + ":" + req.Task.ID
	release := r.Mutexes.Acquire(req.Task.Options.Mutex)
	defer release()

	env := r.buildEnv(req)
	hash, _, err := r.hashTask(req)
	if err != nil {
		return Result{}, fmt.Errorf("runner: hashing %s: %w", targetID, err)
	}

	if !req.ForceMiss {
		if result, hit, err := r.tryHydratePreviousOutput(req, hash); err != nil {
			return Result{}, err
		} else if hit {
			r.Hasher.RecordCompletion(targetID, hash)
			return result, nil
		}
		if result, hit, err := r.tryCacheFetch(ctx, req, hash); err != nil {
			return Result{}, err
		} else if hit {
			r.Hasher.RecordCompletion(targetID, hash)
			return result, nil
		}
	}

	result, err := r.execute(ctx, req, hash, env)
	if err != nil {
		return result, err
	}
	r.Hasher.RecordCompletion(targetID, hash)
	return result, nil
}

func (r *Runner) hashTask(req Request) (string, map[string]interface{}, error) {
	inputEnv := map[string]string{}
	for _, key := range req.Task.InputEnv {
		inputEnv[key] = os.Getenv(key) // an unset variable hashes as empty
	}

	globInputs := make([]taskhash.GlobInput, 0, len(req.Task.InputGlobs))
	for _, g := range req.Task.InputGlobs {
		globInputs = append(globInputs, taskhash.GlobInput{Pattern: g, Cache: true})
	}

	hash, _, err := r.Hasher.TaskHash(taskhash.Request{
		Command:              req.Task.Command,
		ArgsResolved:         req.Task.Args,
		DepsState:            req.DepsState,
		ProjectDeps:          req.ProjectDeps,
		InputFiles:           req.Task.InputFiles,
		InputGlobs:           globInputs,
		InputEnv:             inputEnv,
		ToolchainFingerprint: req.ToolchainFingerprint,
		HasherVersion:        req.HasherVersion,
	})
	return hash, nil, err
}

// tryHydratePreviousOutput implements step 4's short-circuit: if the
// previous run's hash matches and every declared output still exists on
// disk, skip execution entirely.
func (r *Runner) tryHydratePreviousOutput(req Request, hash string) (Result, bool, error) {
	targetID := req.ProjectID + ":" + req.Task.ID
	prior, ok, err := r.LastRun.Read(targetID)
	if err != nil {
		return Result{}, false, err
	}
	if !ok || prior.ExitCode != 0 || prior.Hash != hash {
		return Result{}, false, nil
	}
	for _, out := range req.Task.OutputFiles {
		if !out.RestoreAnchor(r.WorkspaceRoot).FileExists() {
			return Result{}, false, nil
		}
	}
	r.Logger.Debug("hydrating from previous output", "target", targetID, "hash", hash)
	return Result{Hash: hash, ExitCode: 0, CacheStatus: CacheHitPreviousOutput}, true, nil
}

func (r *Runner) tryCacheFetch(ctx context.Context, req Request, hash string) (Result, bool, error) {
	targetID := req.ProjectID + ":" + req.Task.ID

	if r.Local.Exists(hash) {
		fetched, hit, err := r.Local.Fetch(hash, r.WorkspaceRoot)
		if err != nil {
			return Result{}, false, err
		}
		if hit {
			r.reportHit(req, targetID, hash, fetched)
			if err := r.LastRun.Write(targetID, cachestore.RunState{
				LastRunTime: 0, ExitCode: 0, Hash: hash, Outputs: stringifyPaths(req.Task.OutputFiles),
			}); err != nil {
				return Result{}, false, err
			}
			return Result{Hash: hash, ExitCode: 0, CacheStatus: CacheHitLocal}, true, nil
		}
	}

	if r.Remote == nil {
		return Result{}, false, nil
	}
	gzipArchive, hit, err := r.Remote.Download(ctx, hash)
	if err != nil {
		r.Logger.Warn("remote cache download failed, falling back to execution", "target", targetID, "err", err)
		return Result{}, false, nil
	}
	if !hit {
		return Result{}, false, nil
	}
	if err := r.hydrateFromRemoteArchive(req, hash, gzipArchive); err != nil {
		return Result{}, false, err
	}
	return Result{Hash: hash, ExitCode: 0, CacheStatus: CacheHitRemote}, true, nil
}

func (r *Runner) reportHit(_ Request, targetID, hash string, fetched cachestore.FetchResult) {
	r.Logger.Info("cache hit, replaying output", "target", targetID, "hash", hash)
	_ = fetched // stdout/stderr logs are already restored to disk by Fetch
}

// execute implements steps 6-9: spawn with retry, verify/archive outputs
// on success, and persist final state either way.
func (r *Runner) execute(ctx context.Context, req Request, hash string, env map[string]string) (Result, error) {
	targetID := req.ProjectID + ":" + req.Task.ID
	toolchain, ok := r.Toolchains.Lookup(req.ToolchainID)
	if !ok {
		return Result{}, fmt.Errorf("runner: unknown toolchain %q for %s", req.ToolchainID, targetID)
	}

	args := append(append([]string{}, req.Task.Args...), req.PassthroughArgs...)
	if req.Task.Options.AffectedFiles == model.AffectedFilesArgs || req.Task.Options.AffectedFiles == model.AffectedFilesBoth {
		args = append(args, affectedFilesList(req))
	}

	cmd, err := toolchain.CreateRunTargetCommand(ctx, toolchainport.CommandRequest{
		ProjectID:     req.ProjectID,
		ProjectSource: req.ProjectSource.String(),
		TaskID:        req.Task.ID,
		Command:       req.Task.Command,
		Args:          args,
		Cwd:           req.ProjectSource.RestoreAnchor(r.WorkspaceRoot).String(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("runner: building command for %s: %w", targetID, err)
	}
	for k, v := range env {
		cmd.Env[k] = v
	}

	attempts := req.Task.Options.RetryCount + 1
	var lastExit int
	var lastErr error
	stdout := newOutputSink(req.Task.Options.OutputStyle, r.Colors, targetID, "stdout")
	stderr := newOutputSink(req.Task.Options.OutputStyle, r.Colors, targetID, "stderr")

	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		lastExit, lastErr = r.spawnOnce(ctx, req, cmd, stdout, stderr)
		if lastExit == 0 {
			break
		}
		if attempt < attempts-1 {
			r.Logger.Warn("task failed, retrying", "target", targetID, "attempt", attempt+1, "exit", lastExit)
		}
	}
	duration := time.Since(start).Milliseconds()

	failed := lastExit != 0
	_ = stdout.flushOnFinish(loggerWriter{r.Logger, "stdout", targetID}, failed)
	_ = stderr.flushOnFinish(loggerWriter{r.Logger, "stderr", targetID}, failed)

	if failed && !req.Task.Options.AllowFailure {
		if err := r.LastRun.Write(targetID, cachestore.RunState{ExitCode: lastExit, Hash: hash}); err != nil {
			r.Logger.Warn("failed to persist last-run state", "target", targetID, "err", err)
		}
		if lastErr != nil {
			return Result{Hash: hash, ExitCode: lastExit, CacheStatus: CacheMiss, DurationMS: duration}, lastErr
		}
		return Result{Hash: hash, ExitCode: lastExit, CacheStatus: CacheMiss, DurationMS: duration},
			fmt.Errorf("runner: %s exited with code %d", targetID, lastExit)
	}

	if !failed && !req.SkipArchive {
		if err := r.archiveOutputs(req, hash, stdout, stderr); err != nil {
			return Result{}, err
		}
	}

	if err := r.LastRun.Write(targetID, cachestore.RunState{
		ExitCode: lastExit, Hash: hash, Outputs: stringifyPaths(req.Task.OutputFiles),
	}); err != nil {
		r.Logger.Warn("failed to persist last-run state", "target", targetID, "err", err)
	}

	return Result{
		Hash:           hash,
		ExitCode:       lastExit,
		CacheStatus:    CacheMiss,
		AllowedFailure: failed && req.Task.Options.AllowFailure,
		DurationMS:     duration,
	}, nil
}

func (r *Runner) spawnOnce(ctx context.Context, req Request, built toolchainport.Command, stdout, stderr *outputSink) (int, error) {
	targetID := req.ProjectID + ":" + req.Task.ID
	argv := built.Argv
	if req.Task.Options.Shell != nil && *req.Task.Options.Shell {
		shell := req.Task.Options.UnixShell
		if shell == "" {
			shell = "sh"
		}
		argv = []string{shell, "-c", strings.Join(built.Argv, " ")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = built.Cwd
	cmd.Env = make([]string, 0, len(built.Env))
	for k, v := range built.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stopHeartbeat := r.startHeartbeat(targetID, req.Task.Options.Persistent, req.Task.Options.Interactive)
	defer stopHeartbeat()

	timeout := time.Duration(req.Task.Options.Timeout) * time.Second
	err := r.Processes.ExecWithTimeout(cmd, timeout)
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*process.ChildExit); ok {
		return exitErr.ExitCode, nil
	}
	return 1, err
}

func (r *Runner) startHeartbeat(targetID string, persistent, interactive bool) func() {
	if persistent || interactive {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.Logger.Info("still running", "target", targetID)
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) archiveOutputs(req Request, hash string, stdout, stderr *outputSink) error {
	targetID := req.ProjectID + ":" + req.Task.ID
	var files []cachestore.OutputFile
	for _, out := range req.Task.OutputFiles {
		abs := out.RestoreAnchor(r.WorkspaceRoot)
		if !abs.FileExists() {
			return fmt.Errorf("runner: %s: declared output %q is missing after a successful run", targetID, out)
		}
		files = append(files, cachestore.OutputFile{Path: out, Absolute: abs})
	}

	if err := r.Local.Put(hash, r.WorkspaceRoot, files, stdout.Bytes(), stderr.Bytes()); err != nil {
		return fmt.Errorf("runner: archiving outputs for %s: %w", targetID, err)
	}

	if r.Remote != nil {
		archive, err := r.Local.ArchiveBytes(hash)
		if err != nil {
			return fmt.Errorf("runner: reading archive for remote upload: %w", err)
		}
		if err := r.Remote.Upload(context.Background(), hash, archive); err != nil {
			r.Logger.Warn("remote cache upload failed", "target", targetID, "err", err)
		}
	}
	return nil
}

func (r *Runner) hydrateFromRemoteArchive(req Request, hash string, gzipArchive []byte) error {
	// Promote the downloaded archive into the local store, then fetch
	// through the same restore path a local hit uses.
	if err := r.Local.PutArchive(hash, gzipArchive); err != nil {
		return err
	}
	fetched, hit, err := r.Local.Fetch(hash, r.WorkspaceRoot)
	if err != nil {
		return err
	}
	if !hit {
		return fmt.Errorf("runner: downloaded remote archive for %s did not restore", hash)
	}
	targetID := req.ProjectID + ":" + req.Task.ID
	r.reportHit(req, targetID, hash, fetched)
	return r.LastRun.Write(targetID, cachestore.RunState{Hash: hash, Outputs: stringifyPaths(req.Task.OutputFiles)})
}

func (r *Runner) buildEnv(req Request) map[string]string {
	env := map[string]string{}
	for _, loaded := range req.LoadedEnvFiles {
		for k, v := range loaded {
			env[k] = v
		}
	}
	for _, k := range req.Task.EnvKeys {
		env[k] = req.Task.Env[k]
	}

	projectRoot := req.ProjectSource.RestoreAnchor(r.WorkspaceRoot)
	env["MOON_PROJECT_ID"] = req.ProjectID
	env["MOON_PROJECT_ROOT"] = projectRoot.String()
	env["MOON_PROJECT_SOURCE"] = req.ProjectSource.String()
	env["MOON_TARGET"] = req.ProjectID + ":" + req.Task.ID
	env["MOON_WORKSPACE_ROOT"] = r.WorkspaceRoot.String()
	env["MOON_WORKING_DIR"] = projectRoot.String()
	env["MOON_CACHE_DIR"] = r.WorkspaceRoot.Join(".moon", "cache").String()
	for tool, version := range req.ToolchainFingerprint {
		env["PROTO_"+strings.ToUpper(tool)+"_VERSION"] = version
	}

	applyAffectedFiles(env, req)
	return env
}

func applyAffectedFiles(env map[string]string, req Request) {
	switch req.Task.Options.AffectedFiles {
	case model.AffectedFilesEnv, model.AffectedFilesBoth:
		env["MOON_AFFECTED_FILES"] = strings.Join(affectedFilesPaths(req), ",")
	}
}

// affectedFilesPaths renders the sorted, "./"-prefixed affected-file list,
// falling back to the literal "." sentinel when nothing is affected.
func affectedFilesPaths(req Request) []string {
	paths := make([]string, 0, len(req.AffectedFiles))
	for _, p := range req.AffectedFiles {
		paths = append(paths, "./"+p.String())
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return paths
}

// affectedFilesList renders the affected-files arg form: space-joined.
func affectedFilesList(req Request) string {
	return strings.Join(affectedFilesPaths(req), " ")
}

func stringifyPaths(paths []wpath.WorkspaceRelative) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}

// loggerWriter adapts hclog.Logger into an io.Writer for flushOnFinish,
// so buffered/failure-only output lands in the structured log stream
// rather than needing its own echo path.
type loggerWriter struct {
	logger hclog.Logger
	stream string
	target string
}

func (w loggerWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p), "target", w.target, "stream", w.stream)
	return len(p), nil
}
