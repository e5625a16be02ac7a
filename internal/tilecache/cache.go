// Package tilecache maps tile keys to reference-counted entries whose pixel
// buffers come from the memory manager. The first getter of an absent key
// becomes its loader; everyone else waits on the entry's ready channel.
package tilecache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
)

// State is the lifecycle state of an entry.
type State int32

const (
	Loading State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Entry is one cached tile.
type Entry[T tile.Pixel] struct {
	key   tile.Key
	block *memory.Block[T]
	refs  atomic.Int32
	state atomic.Int32
	ready chan struct{}
	err   error // set before ready is closed

	freed bool // guarded by Cache.mu
}

func (e *Entry[T]) Key() tile.Key { return e.key }

// Ready is closed once the entry is Ready or Failed.
func (e *Entry[T]) Ready() <-chan struct{} { return e.ready }

func (e *Entry[T]) State() State { return State(e.state.Load()) }

func (e *Entry[T]) Refs() int { return int(e.refs.Load()) }

// Err returns the load error of a failed entry.
func (e *Entry[T]) Err() error {
	if e.State() != Failed {
		return nil
	}
	return e.err
}

// Data returns the tile pixels. Callers must hold a reference, and the
// contents are only meaningful once the entry is Ready.
func (e *Entry[T]) Data() []T { return e.block.Data() }

// Wait blocks until the entry settles and returns its load error, if any.
func (e *Entry[T]) Wait(ctx context.Context) error {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.Err()
}

// LevelStats are the per-level counters.
type LevelStats struct {
	Level        int `json:"level"`
	Hits         int `json:"hits"`
	Misses       int `json:"misses"`
	RetainedHits int `json:"retainedHits"`
	Failures     int `json:"failures"`
}

// Stats is a cache snapshot.
type Stats struct {
	Resident int          `json:"resident"`
	Retained int          `json:"retained"`
	Levels   []LevelStats `json:"levels"`
}

// Cache is the tile cache. It is safe for concurrent use.
type Cache[T tile.Pixel] struct {
	mem    *memory.Manager[T]
	logger *slog.Logger

	mu      sync.Mutex
	entries map[tile.Key]*Entry[T]
	stats   map[int]*LevelStats

	retained *lru.Cache[tile.Key, []T]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	retain int
	logger *slog.Logger
}

// WithRetention keeps copies of up to n freed tiles so they can be served
// again without a source read. Copies are not charged to the memory budget.
func WithRetention(n int) Option {
	return func(o *options) { o.retain = n }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a cache whose tile buffers are drawn from mem.
func New[T tile.Pixel](mem *memory.Manager[T], opts ...Option) (*Cache[T], error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[T]{
		mem:     mem,
		logger:  o.logger,
		entries: make(map[tile.Key]*Entry[T]),
		stats:   make(map[int]*LevelStats),
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if o.retain > 0 {
		r, err := lru.New[tile.Key, []T](o.retain)
		if err != nil {
			return nil, fmt.Errorf("create retention cache: %w", err)
		}
		c.retained = r
	}
	return c, nil
}

// Get returns the entry for key with its reference count incremented. When
// the key was absent a new Loading entry backed by a block of elems elements
// is inserted and loader is true: the caller must settle it with MarkReady or
// MarkFailed. Get blocks while the memory budget is exhausted.
func (c *Cache[T]) Get(ctx context.Context, key tile.Key, elems int) (e *Entry[T], loader bool, err error) {
	if e := c.lookup(key); e != nil {
		return e, false, nil
	}

	block, err := c.mem.Acquire(ctx, elems)
	if err != nil {
		return nil, false, fmt.Errorf("allocate tile %s: %w", key, err)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refs.Add(1)
		c.levelLocked(key.Level).Hits++
		c.mu.Unlock()
		block.Release()
		return e, false, nil
	}
	e = &Entry[T]{key: key, block: block, ready: make(chan struct{})}
	e.refs.Store(1)
	c.entries[key] = e
	c.levelLocked(key.Level).Misses++
	c.mu.Unlock()
	return e, true, nil
}

// Acquire returns the entry for key with its reference count incremented, or
// nil if the key is not resident. It never allocates.
func (c *Cache[T]) Acquire(key tile.Key) *Entry[T] {
	return c.lookup(key)
}

func (c *Cache[T]) lookup(key tile.Key) *Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	e.refs.Add(1)
	c.levelLocked(key.Level).Hits++
	return e
}

// Contains reports whether key is resident.
func (c *Cache[T]) Contains(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// MarkReady publishes a loaded entry and wakes its waiters.
func (c *Cache[T]) MarkReady(e *Entry[T]) {
	if !e.state.CompareAndSwap(int32(Loading), int32(Ready)) {
		panic(fmt.Sprintf("tilecache: entry %s already %s", e.key, e.State()))
	}
	close(e.ready)
}

// MarkFailed settles e with err. Waiters observe err and the entry leaves the
// map so that a later request retries the read.
func (c *Cache[T]) MarkFailed(e *Entry[T], err error) {
	e.err = err
	if !e.state.CompareAndSwap(int32(Loading), int32(Failed)) {
		panic(fmt.Sprintf("tilecache: entry %s already %s", e.key, e.State()))
	}
	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.levelLocked(e.key.Level).Failures++
	c.mu.Unlock()
	close(e.ready)
	c.logger.Debug("tile load failed", "tile", e.key.String(), "err", err)
}

// Release drops one reference. The last release frees the tile buffer.
func (c *Cache[T]) Release(e *Entry[T]) {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("tilecache: negative refcount on %s", e.key))
	}
	if n > 0 {
		return
	}

	c.mu.Lock()
	// A concurrent Get may have revived the entry after our decrement.
	if e.refs.Load() != 0 || e.freed {
		c.mu.Unlock()
		return
	}
	e.freed = true
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	if c.retained != nil && e.State() == Ready {
		c.retained.Add(e.key, append([]T(nil), e.block.Data()...))
	}
	e.block.Release()
}

// Retained copies a previously freed tile into dst. It reports false when no
// copy is held.
func (c *Cache[T]) Retained(key tile.Key, dst []T) bool {
	if c.retained == nil {
		return false
	}
	pix, ok := c.retained.Get(key)
	if !ok || len(pix) != len(dst) {
		return false
	}
	copy(dst, pix)
	c.mu.Lock()
	c.levelLocked(key.Level).RetainedHits++
	c.mu.Unlock()
	return true
}

// Len returns the number of resident entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitMiss returns the counters of one level.
func (c *Cache[T]) HitMiss(level int) LevelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stats[level]; ok {
		return *s
	}
	return LevelStats{Level: level}
}

// Stats returns a snapshot of all counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	st := Stats{Resident: len(c.entries)}
	for _, s := range c.stats {
		st.Levels = append(st.Levels, *s)
	}
	c.mu.Unlock()
	if c.retained != nil {
		st.Retained = c.retained.Len()
	}
	sort.Slice(st.Levels, func(i, j int) bool { return st.Levels[i].Level < st.Levels[j].Level })
	return st
}

// Purge drops every retained copy.
func (c *Cache[T]) Purge() {
	if c.retained != nil {
		c.retained.Purge()
	}
}

func (c *Cache[T]) levelLocked(level int) *LevelStats {
	s, ok := c.stats[level]
	if !ok {
		s = &LevelStats{Level: level}
		c.stats[level] = s
	}
	return s
}
