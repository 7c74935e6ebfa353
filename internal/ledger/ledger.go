// Package ledger tracks the URLs already stored during a run so repeated
// URLs are fast-forwarded instead of fetched again.
package ledger

import "sync"

// Ledger is an in-memory set of stored URLs, each mapped to the local path
// of its verified file. It is scoped to one process.
type Ledger struct {
	mu    sync.RWMutex
	paths map[string]string

	// per-URL locks serialize concurrent rows sharing a URL; an entry lives
	// only while some row holds or waits for it
	locksMu sync.Mutex
	locks   map[string]*urlLock
}

type urlLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		paths: make(map[string]string),
		locks: make(map[string]*urlLock),
	}
}

// Seen reports whether url was already stored in this run.
func (l *Ledger) Seen(url string) bool {
	_, ok := l.Path(url)
	return ok
}

// Path returns the local path recorded for url.
func (l *Ledger) Path(url string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.paths[url]
	return p, ok
}

// MarkSeen records that url was stored at path. Only call this after the
// file passed verification.
func (l *Ledger) MarkSeen(url, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths[url] = path
}

// Lock acquires the lock for url and returns its release function. Callers
// check Seen and MarkSeen while holding it, making check-and-fetch atomic
// per URL. The lock is dropped once its last holder releases it.
func (l *Ledger) Lock(url string) func() {
	l.locksMu.Lock()
	k, ok := l.locks[url]
	if !ok {
		k = &urlLock{}
		l.locks[url] = k
	}
	k.refs++
	l.locksMu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()

		l.locksMu.Lock()
		defer l.locksMu.Unlock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, url)
		}
	}
}

func (l *Ledger) lockCount() int {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	return len(l.locks)
}

// Len returns the number of stored URLs.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.paths)
}
