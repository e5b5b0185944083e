package session

import "sync"

// Locks hands out one read/write lock per file name. Staging holds the read
// side so chunks of one session are written concurrently; completion checks,
// assembly and expiry hold the write side. Entries are dropped once no
// goroutine holds or waits for them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	rw   sync.RWMutex
	refs int
}

// NewLocks ...
func NewLocks() *Locks {
	return &Locks{entries: map[string]*lockEntry{}}
}

// RLock acquires the shared side of the lock for fileName.
func (l *Locks) RLock(fileName string) (unlock func()) {
	e := l.acquire(fileName)
	e.rw.RLock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.rw.RUnlock()
			l.release(fileName, e)
		})
	}
}

// Lock acquires the exclusive side of the lock for fileName.
func (l *Locks) Lock(fileName string) (unlock func()) {
	e := l.acquire(fileName)
	e.rw.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.rw.Unlock()
			l.release(fileName, e)
		})
	}
}

// Len returns the number of file names with a live lock entry.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locks) acquire(fileName string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fileName]
	if !ok {
		e = &lockEntry{}
		l.entries[fileName] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(fileName string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, fileName)
	}
}
