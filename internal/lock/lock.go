// Package lock serializes work on wallets. Callers take every key of one
// operation in a single Acquire call, with keys ordered by Order, so two
// operations over the same pair of wallets cannot deadlock.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended or the maximum wait elapsed.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives back every lock taken by one Acquire call
type Release func()

// Locker takes exclusive locks on a set of keys
type Locker interface {
	// Acquire locks keys in the order given. On error nothing stays held.
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// Order returns keys sorted ascending with duplicates removed. A transfer
// between X and Y locks the same sequence whichever side is the source.
func Order(keys ...string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

type entry struct {
	sem  chan struct{} // capacity one, holding it means owning the key
	refs int           // goroutines holding or waiting on the key
}

// MutexLocker is an in-process Locker. Per-key entries are reference
// counted and dropped once nobody holds or waits on them.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMutexLocker returns an empty MutexLocker
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*entry)}
}

// Acquire implements Locker
func (l *MutexLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		e := l.ref(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *MutexLocker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *MutexLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// release unlocks in reverse acquisition order
func (l *MutexLocker) release(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[held[i]]
		l.mu.Unlock()
		<-e.sem
		l.unref(held[i])
	}
}

// size reports how many keys have live entries
func (l *MutexLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// NopLocker takes no locks. Serialization then rests on conditional updates
// alone.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, ...string) (Release, error) {
	return func() {}, nil
}

var (
	_ Locker = (*MutexLocker)(nil)
	_ Locker = NopLocker{}
)
