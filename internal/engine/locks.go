package engine

import "sync"

// lockTable hands out per-job tokens so at most one worker advances a given
// job at a time. TryLock never blocks: a held token means the job is simply
// skipped this pass and picked up on a later tick.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

func (l *lockTable) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *lockTable) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
