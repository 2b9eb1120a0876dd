package agentsvc

import (
	"sync"

	"github.com/user/gopherline/internal/types"
)

// keyLock hands out one mutex per session id. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
type keyLock struct {
	mu    sync.Mutex
	locks map[types.SessionID]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[types.SessionID]*refMutex)}
}

// Lock blocks until the id's mutex is held and returns its release func.
func (k *keyLock) Lock(id types.SessionID) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
