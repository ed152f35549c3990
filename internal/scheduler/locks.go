package scheduler

import (
	"sort"
	"sync"
)

// FileLocks provides per-path mutual exclusion for tasks that declare
// overlapping Files. Two concurrent tasks touching different paths proceed
// in parallel; tasks sharing a path serialize on it.
type FileLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for a single path, creating it on first use.
func (f *FileLocks) Lock(path string) {
	f.mu.Lock()
	pathLock, exists := f.locks[path]
	if !exists {
		pathLock = &sync.Mutex{}
		f.locks[path] = pathLock
	}
	f.mu.Unlock()

	// Acquire outside the table lock so unrelated paths do not contend.
	pathLock.Lock()
}

// Unlock releases the mutex for a single path.
func (f *FileLocks) Unlock(path string) {
	f.mu.Lock()
	pathLock, exists := f.locks[path]
	f.mu.Unlock()

	if exists {
		pathLock.Unlock()
	}
}

// LockAll acquires every path a task declares. Paths are locked in sorted
// order; two tasks locking overlapping sets in sorted order cannot
// deadlock.
func (f *FileLocks) LockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for _, path := range sorted {
		f.Lock(path)
	}
}

// UnlockAll releases every path, in reverse sorted order for symmetry with
// LockAll.
func (f *FileLocks) UnlockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		f.Unlock(sorted[i])
	}
}
