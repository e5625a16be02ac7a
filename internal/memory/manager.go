// Package memory implements the byte-budgeted buffer pool that backs every
// tile and view buffer of the engine. Acquire blocks while the budget is
// exhausted; waiters are served strictly in arrival order.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haloview/server/internal/tile"
)

var (
	// ErrInvalidBudget is returned for a non-positive budget.
	ErrInvalidBudget = errors.New("memory: budget must be positive")
	// ErrTooLarge is returned when a single block exceeds the whole budget.
	ErrTooLarge = errors.New("memory: block larger than budget")
)

// Stats is a snapshot of the manager counters.
type Stats struct {
	Budget   int64 `json:"budget"`
	InUse    int64 `json:"inUse"`
	Peak     int64 `json:"peak"`
	Waiting  int   `json:"waiting"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
}

// Manager hands out blocks of T while keeping the sum of outstanding block
// sizes at or below the budget.
type Manager[T tile.Pixel] struct {
	elemSize int64

	mu       sync.Mutex
	budget   int64
	inUse    int64
	peak     int64
	waiters  list.List // of *waiter
	acquired int64
	released int64

	pools sync.Map // int -> *sync.Pool
}

type waiter struct {
	need  int64
	ready chan struct{}
}

// NewManager creates a manager with budgetBytes of capacity.
func NewManager[T tile.Pixel](budgetBytes int64) (*Manager[T], error) {
	if budgetBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, budgetBytes)
	}
	return &Manager[T]{
		elemSize: tile.ElemSize[T](),
		budget:   budgetBytes,
	}, nil
}

// Budget returns the configured capacity in bytes.
func (m *Manager[T]) Budget() int64 { return m.budget }

// BytesFor returns the accounted size of a block of elems elements.
func (m *Manager[T]) BytesFor(elems int) int64 { return int64(elems) * m.elemSize }

// Acquire returns a block of elems elements, blocking until the budget allows
// it or ctx is done.
func (m *Manager[T]) Acquire(ctx context.Context, elems int) (*Block[T], error) {
	need := m.BytesFor(elems)
	if need > m.budget {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, need, m.budget)
	}

	m.mu.Lock()
	if m.waiters.Len() == 0 && m.inUse+need <= m.budget {
		m.grantLocked(need)
		m.mu.Unlock()
		return m.newBlock(elems, need), nil
	}
	w := &waiter{need: need, ready: make(chan struct{})}
	el := m.waiters.PushBack(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return m.newBlock(elems, need), nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-w.ready:
		// Granted while we were giving up; hand the bytes back.
		m.inUse -= need
		m.released++
	default:
		m.waiters.Remove(el)
	}
	m.wakeLocked()
	m.mu.Unlock()
	return nil, ctx.Err()
}

// Stats returns a snapshot of the counters.
func (m *Manager[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Budget:   m.budget,
		InUse:    m.inUse,
		Peak:     m.peak,
		Waiting:  m.waiters.Len(),
		Acquired: m.acquired,
		Released: m.released,
	}
}

func (m *Manager[T]) grantLocked(need int64) {
	m.inUse += need
	m.acquired++
	if m.inUse > m.peak {
		m.peak = m.inUse
	}
}

// wakeLocked grants queued requests from the front while they fit. A large
// waiter at the head holds back smaller ones behind it so it cannot starve.
func (m *Manager[T]) wakeLocked() {
	for e := m.waiters.Front(); e != nil; e = m.waiters.Front() {
		w := e.Value.(*waiter)
		if m.inUse+w.need > m.budget {
			return
		}
		m.grantLocked(w.need)
		m.waiters.Remove(e)
		close(w.ready)
	}
}

func (m *Manager[T]) release(b *Block[T]) {
	m.put(b.data)
	m.mu.Lock()
	m.inUse -= b.bytes
	m.released++
	m.wakeLocked()
	m.mu.Unlock()
}

func (m *Manager[T]) newBlock(elems int, bytes int64) *Block[T] {
	return &Block[T]{mgr: m, data: m.get(elems), bytes: bytes}
}

func (m *Manager[T]) pool(elems int) *sync.Pool {
	if p, ok := m.pools.Load(elems); ok {
		return p.(*sync.Pool)
	}
	p, _ := m.pools.LoadOrStore(elems, &sync.Pool{
		New: func() any {
			buf := make([]T, elems)
			return &buf
		},
	})
	return p.(*sync.Pool)
}

func (m *Manager[T]) get(elems int) []T {
	return *(m.pool(elems).Get().(*[]T))
}

func (m *Manager[T]) put(buf []T) {
	m.pool(len(buf)).Put(&buf)
}

// Block is a buffer issued by a Manager. It is owned by exactly one holder
// and must be released once.
type Block[T tile.Pixel] struct {
	mgr      *Manager[T]
	data     []T
	bytes    int64
	released atomic.Bool
}

// Data returns the buffer. It must not be used after Release.
func (b *Block[T]) Data() []T { return b.data }

// Bytes returns the accounted size of the block.
func (b *Block[T]) Bytes() int64 { return b.bytes }

// Release returns the block to its manager. Releasing twice panics.
func (b *Block[T]) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("memory: block released twice")
	}
	b.mgr.release(b)
	b.data = nil
}
