package transfer

import (
	"context"
	"sort"
	"sync"
)

// lockTable hands out per-account locks. Locks are channels so a waiting
// caller can give up when its context ends.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*accountLock)}
}

// lockAll acquires the locks for ids in ascending id order, whatever role the
// accounts play in the transfer. Two transfers over the same pair therefore
// always queue on the same first lock and cannot deadlock.
func (t *lockTable) lockAll(ctx context.Context, ids ...string) (func(), error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)

	var held []string
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.release(held[i])
		}
	}

	for i, id := range ordered {
		if i > 0 && ordered[i-1] == id {
			continue
		}
		l := t.acquireRef(id)
		select {
		case l.ch <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			t.dropRef(id)
			unlock()
			return nil, ctx.Err()
		}
	}
	return unlock, nil
}

func (t *lockTable) acquireRef(id string) *accountLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[id]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) dropRef(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) release(id string) {
	t.mu.Lock()
	l := t.locks[id]
	t.mu.Unlock()

	<-l.ch
	t.dropRef(id)
}
