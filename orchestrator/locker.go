package orchestrator

import (
	"strings"
	"sync"
)

// instanceLocker serializes work on one instance. Entries are dropped once
// no goroutine holds or waits for them.
type instanceLocker struct {
	mu    sync.Mutex
	locks map[string]*instanceLockRef
}

type instanceLockRef struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocker() *instanceLocker {
	return &instanceLocker{
		locks: make(map[string]*instanceLockRef),
	}
}

func (l *instanceLocker) Lock(id string) func() {
	if l == nil {
		return func() {}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[id]
	if !ok || ref == nil {
		ref = &instanceLockRef{}
		l.locks[id] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *instanceLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
