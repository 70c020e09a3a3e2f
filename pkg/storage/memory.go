package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/goliatone/go-persisted"
)

// Memory is a shared in-memory medium. Each execution context attaches
// through Context and gets its own Store; a write made through one context
// notifies watchers registered by every other context, but never the
// writer's own. A Memory used directly acts as its default context.
//
// Delivery is asynchronous: each watcher drains an ordered queue on its own
// goroutine, so Set and Remove return without waiting on subscriber work and
// a watcher callback can never block, or deadlock against, the writer's call
// stack. Events for one watcher arrive in write order; cancelling a watch
// drops anything still queued for it.
type Memory struct {
	mu       sync.Mutex
	entries  map[string][]byte
	watchers []*memoryWatcher
	nextID   int

	defaultCtx *MemoryContext
}

type memoryWatcher struct {
	id    int
	owner *MemoryContext
	key   string
	fn    func(persisted.ChangeEvent)

	queueMu sync.Mutex
	queue   []persisted.ChangeEvent
	wake    chan struct{}
	done    chan struct{}
}

func (w *memoryWatcher) enqueue(event persisted.ChangeEvent) {
	w.queueMu.Lock()
	w.queue = append(w.queue, event)
	w.queueMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.queueMu.Lock()
			if len(w.queue) == 0 {
				w.queueMu.Unlock()
				break
			}
			event := w.queue[0]
			w.queue = w.queue[1:]
			w.queueMu.Unlock()
			w.fn(event)
		}
	}
}

// NewMemory constructs an empty medium.
func NewMemory() *Memory {
	m := &Memory{entries: map[string][]byte{}}
	m.defaultCtx = &MemoryContext{medium: m}
	return m
}

// Context attaches a new execution context to the medium.
func (m *Memory) Context() *MemoryContext {
	return &MemoryContext{medium: m}
}

// Get reads through the default context.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.defaultCtx.Get(ctx, key)
}

// Set writes through the default context.
func (m *Memory) Set(ctx context.Context, key string, raw []byte) error {
	return m.defaultCtx.Set(ctx, key, raw)
}

// Remove removes through the default context.
func (m *Memory) Remove(ctx context.Context, key string) error {
	return m.defaultCtx.Remove(ctx, key)
}

// Watch watches through the default context.
func (m *Memory) Watch(key string, fn func(persisted.ChangeEvent)) (func(), error) {
	return m.defaultCtx.Watch(key, fn)
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return cloneBytes(raw), true
}

func (m *Memory) set(origin *MemoryContext, key string, raw []byte) {
	stored := cloneBytes(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.entries[key]; ok && bytes.Equal(previous, stored) {
		return
	}
	m.entries[key] = stored
	m.notify(origin, key, persisted.NewChangeEvent(key, cloneBytes(stored), false))
}

func (m *Memory) remove(origin *MemoryContext, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	m.notify(origin, key, persisted.NewChangeEvent(key, nil, true))
}

// notify queues event for every watcher of key attached through a context
// other than origin. Enqueueing under m.mu keeps each watcher's queue in
// write order. Callers must hold m.mu.
func (m *Memory) notify(origin *MemoryContext, key string, event persisted.ChangeEvent) {
	for _, w := range m.watchers {
		if w.owner == origin || w.key != key {
			continue
		}
		w.enqueue(event)
	}
}

func (m *Memory) watch(owner *MemoryContext, key string, fn func(persisted.ChangeEvent)) func() {
	w := &memoryWatcher{
		owner: owner,
		key:   key,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	w.id = m.nextID
	m.nextID++
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	go w.run()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cand := range m.watchers {
			if cand.id == w.id {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				close(w.done)
				return
			}
		}
	}
}

// MemoryContext is one execution context's view of a shared Memory. It
// implements the cell Store and Watcher interfaces.
type MemoryContext struct {
	medium *Memory
}

// Get returns the entry at key, reporting ok=false when absent.
func (c *MemoryContext) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, ok := c.medium.get(key)
	return raw, ok, nil
}

// Set stores raw at key and notifies watchers attached through other
// contexts. Writing bytes identical to the current entry produces no
// notification.
func (c *MemoryContext) Set(_ context.Context, key string, raw []byte) error {
	c.medium.set(c, key, raw)
	return nil
}

// Remove deletes the entry at key. Removing a missing key is a no-op and
// produces no notification.
func (c *MemoryContext) Remove(_ context.Context, key string) error {
	c.medium.remove(c, key)
	return nil
}

// Watch registers fn for changes to key made through other contexts.
func (c *MemoryContext) Watch(key string, fn func(persisted.ChangeEvent)) (func(), error) {
	return c.medium.watch(c, key, fn), nil
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
