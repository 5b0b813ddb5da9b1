package relaygraph

import (
	"context"
	"sync"
)

// UnlockFunc releases a workspace lock. It is safe to call more than once.
type UnlockFunc func()

// Locker serializes syncs of the same workspace.
type Locker interface {
	Lock(ctx context.Context, workspaceID string) (UnlockFunc, error)
}

type keyedSlot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex whose waits honor ctx.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]*keyedSlot{}}
}

func (l *LocalLocker) Lock(ctx context.Context, workspaceID string) (UnlockFunc, error) {
	l.mu.Lock()
	slot, ok := l.slots[workspaceID]
	if !ok {
		slot = &keyedSlot{ch: make(chan struct{}, 1)}
		l.slots[workspaceID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(workspaceID, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(workspaceID, slot, true)
		})
	}, nil
}

func (l *LocalLocker) release(workspaceID string, slot *keyedSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, workspaceID)
	}
}

func (l *LocalLocker) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
