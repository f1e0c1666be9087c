/*
Package lock provides recon.Locker implementations.

  Local  in-process keyed mutex; enough for a single server
  Redis  distributed locks through bsm/redislock, for several servers
         sharing one database

Both acquire keys in the order given. The executor sorts keys first, so
two callers never wait on each other in opposite orders.
*/
package lock

import (
	"context"
	"sync"
)

// Local serializes callers within one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until every key is held or ctx is done. On error nothing is
// left held.
func (l *Local) Lock(ctx context.Context, keys []string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, k := range keys {
		s := l.acquire(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.drop(k)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// acquire registers interest in k and returns its slot.
func (l *Local) acquire(k string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *Local) unlock(k string) {
	l.mu.Lock()
	s := l.slots[k]
	l.mu.Unlock()
	<-s.ch
	l.drop(k)
}

// drop forgets the slot once nobody holds or waits on it.
func (l *Local) drop(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}
