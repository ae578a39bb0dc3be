package cachestore

import (
	"encoding/json"
	"fmt"

	"github.com/nightlyone/lockfile"

	"github.com/moonrun/moonrun/internal/wpath"
)

// RunState is the per-task lastRun.json content: the state needed to
// short-circuit a repeat run via HydrateFrom::PreviousOutput without
// touching the cache store at all.
type RunState struct {
	LastRunTime int64    `json:"lastRunTime"`
	ExitCode    int      `json:"exitCode"`
	Hash        string   `json:"hash"`
	Outputs     []string `json:"outputs"`
}

// LastRunStore reads/writes each task's lastRun.json, guarding every
// access with a sibling .lock file so concurrent workers racing the same
// task (which shouldn't normally happen, but a retried dependent might)
// never interleave a read with a write.
//
// Grounded on daemon.tryAcquirePidfileLock's nightlyone/lockfile usage
// (EnsureDir, lockfile.New, TryLock, returning the lock for the caller to
// release), generalized from a single process-wide pidfile lock to one
// lock per task ID.
type LastRunStore struct {
	dir wpath.AbsolutePath
}

// NewLastRunStore returns a store rooted at dir (the run command uses
// .moonrun/run), creating it if absent.
func NewLastRunStore(dir wpath.AbsolutePath) (*LastRunStore, error) {
	if err := dir.MkdirAll(0o775); err != nil {
		return nil, fmt.Errorf("cachestore: creating lastrun state dir: %w", err)
	}
	return &LastRunStore{dir: dir}, nil
}

func (s *LastRunStore) statePath(taskID string) wpath.AbsolutePath {
	return s.dir.Join(sanitizeTaskID(taskID) + ".lastRun.json")
}

func (s *LastRunStore) lockPath(taskID string) wpath.AbsolutePath {
	return s.dir.Join(sanitizeTaskID(taskID) + ".lock")
}

func sanitizeTaskID(taskID string) string {
	out := make([]rune, 0, len(taskID))
	for _, r := range taskID {
		if r == ':' || r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (s *LastRunStore) acquire(taskID string) (lockfile.Lockfile, error) {
	lock, err := lockfile.New(s.lockPath(taskID).String())
	if err != nil {
		// lockfile.New only errors on a non-absolute path; wpath.AbsolutePath
		// guarantees one, so this would indicate a packaging bug.
		panic(err)
	}
	if err := lock.TryLock(); err != nil {
		return "", fmt.Errorf("cachestore: locking state for %q: %w", taskID, err)
	}
	return lock, nil
}

// Write persists state for taskID, guarded by the task's lock.
func (s *LastRunStore) Write(taskID string, state RunState) error {
	lock, err := s.acquire(taskID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.statePath(taskID).WriteFile(data, 0o644)
}

// Read loads state for taskID, ok is false when no lastRun.json exists
// yet (a task that has never completed).
func (s *LastRunStore) Read(taskID string) (state RunState, ok bool, err error) {
	lock, err := s.acquire(taskID)
	if err != nil {
		return RunState{}, false, err
	}
	defer lock.Unlock()

	path := s.statePath(taskID)
	if !path.FileExists() {
		return RunState{}, false, nil
	}
	data, err := path.ReadFile()
	if err != nil {
		return RunState{}, false, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return RunState{}, false, err
	}
	return state, true, nil
}
