package distlock

import (
	"context"
	"sync"
)

// localLocks is process-wide so every LocalLock for the same key contends
// on the same entry.
var localLocks sync.Map // key -> *localEntry

type localEntry struct {
	mu   sync.Mutex
	held bool
}

// LocalLock implements DistLock with an in-process mutex. Only suitable
// for single-instance deployments (development mode); it provides no
// cross-host exclusion.
type LocalLock struct {
	key   string
	entry *localEntry
}

// NewLocalLock creates an in-process lock for the given key.
func NewLocalLock(key string) *LocalLock {
	e, _ := localLocks.LoadOrStore(key, &localEntry{})
	return &LocalLock{key: key, entry: e.(*localEntry)}
}

func (l *LocalLock) Acquire(_ context.Context) (bool, error) {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	if l.entry.held {
		return false, nil
	}
	l.entry.held = true
	return true, nil
}

func (l *LocalLock) Release(_ context.Context) error {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	l.entry.held = false
	return nil
}
