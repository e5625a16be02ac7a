// Package pipeline runs view requests through intake, tile load/wait,
// assembly and delivery stages connected by bounded queues.
//
// Admission is serialized: a single intake goroutine takes the tile
// references and memory of one request at a time, so two requests never hold
// part of their working sets while waiting on each other. Loaders never push
// downstream and therefore always make progress; every other stage only waits
// on work that is already queued upstream of it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/tilecache"
	"github.com/haloview/server/internal/view"
)

var (
	// ErrClosed is returned by Submit once Finish has been called.
	ErrClosed = errors.New("pipeline: no more requests accepted")
	// ErrRequestTooLarge is returned for a request whose view buffer and
	// covering tiles cannot fit in the memory budget together.
	ErrRequestTooLarge = errors.New("pipeline: request working set exceeds memory budget")
)

// TileReadError reports a request that failed because one of its tiles could
// not be read. Region and Seq identify the request so it can be resubmitted.
type TileReadError struct {
	Region view.Region
	Seq    uint64
	Key    tile.Key
	Err    error
}

func (e *TileReadError) Error() string {
	return fmt.Sprintf("view %s: read tile %s: %v", e.Region, e.Key, e.Err)
}

func (e *TileReadError) Unwrap() error { return e.Err }

// Result is the outcome of one request: a view or an error.
type Result[T tile.Pixel] struct {
	Seq    uint64
	Region view.Region
	View   *view.View[T]
	Err    error
}

// Config wires a pipeline to its collaborators.
type Config[T tile.Pixel] struct {
	Source    tile.Source[T]
	Memory    *memory.Manager[T]
	Cache     *tilecache.Cache[T]
	Assembler view.Assembler[T]

	// Workers is the size of each worker pool (loaders, waiters, assemblers).
	Workers int
	// QueueCapacity bounds each inter-stage queue.
	QueueCapacity int
	// OutputCapacity bounds the consumer-facing queue.
	OutputCapacity int
	// PreserveOrder delivers streamed results in submission order.
	PreserveOrder bool

	Logger *slog.Logger
}

type job[T tile.Pixel] struct {
	seq     uint64
	req     view.Request
	keys    []tile.Key
	entries []*tilecache.Entry[T]
	block   *memory.Block[T]
	reply   chan Result[T]
	err     error
}

type loadTask[T tile.Pixel] struct {
	entry *tilecache.Entry[T]
}

// Pipeline is a running set of stages. Create it with New and call Start.
type Pipeline[T tile.Pixel] struct {
	cfg    Config[T]
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	submitMu sync.Mutex
	pending  []*job[T]
	closed   bool
	notify   chan struct{}
	nextSeq  uint64

	loadQ     chan loadTask[T]
	waitQ     chan *job[T]
	assembleQ chan *job[T]
	deliverQ  chan *job[T]
	out       chan Result[T]
	done      chan struct{}

	inFlight  atomic.Int64
	startOnce sync.Once
	finish    sync.Once
}

// New validates cfg and builds an idle pipeline.
func New[T tile.Pixel](cfg Config[T]) (*Pipeline[T], error) {
	if cfg.Source == nil || cfg.Memory == nil || cfg.Cache == nil {
		return nil, errors.New("pipeline: source, memory and cache are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4 * cfg.Workers
	}
	if cfg.OutputCapacity <= 0 {
		cfg.OutputCapacity = cfg.QueueCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline[T]{
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
		loadQ:     make(chan loadTask[T], cfg.QueueCapacity),
		waitQ:     make(chan *job[T], cfg.QueueCapacity),
		assembleQ: make(chan *job[T], cfg.QueueCapacity),
		deliverQ:  make(chan *job[T], cfg.QueueCapacity),
		out:       make(chan Result[T], cfg.OutputCapacity),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the stage goroutines.
func (p *Pipeline[T]) Start() {
	p.startOnce.Do(func() {
		go p.intake()

		var loaders sync.WaitGroup
		for range p.cfg.Workers {
			loaders.Add(1)
			go func() {
				defer loaders.Done()
				p.loader()
			}()
		}

		var waiters sync.WaitGroup
		for range p.cfg.Workers {
			waiters.Add(1)
			go func() {
				defer waiters.Done()
				p.waiter()
			}()
		}
		go func() {
			waiters.Wait()
			close(p.assembleQ)
		}()

		var assemblers sync.WaitGroup
		for range p.cfg.Workers {
			assemblers.Add(1)
			go func() {
				defer assemblers.Done()
				p.assembler()
			}()
		}
		go func() {
			assemblers.Wait()
			close(p.deliverQ)
		}()

		go p.deliver()
	})
}

// CheckRequest reports whether q can ever be admitted under the budget.
func (p *Pipeline[T]) CheckRequest(q view.Request) error {
	need := p.cfg.Memory.BytesFor(q.Elems()) +
		int64(len(q.Coverage()))*p.cfg.Memory.BytesFor(q.Geometry.TileElems())
	if need > p.cfg.Memory.Budget() {
		return fmt.Errorf("%w: %s needs %d bytes, budget %d", ErrRequestTooLarge, q.Region, need, p.cfg.Memory.Budget())
	}
	return nil
}

// Submit enqueues a streamed request and returns its sequence number. It
// never blocks; the result appears on Out.
func (p *Pipeline[T]) Submit(q view.Request) (uint64, error) {
	if err := p.CheckRequest(q); err != nil {
		return 0, err
	}
	return p.push(&job[T]{req: q}, true)
}

// Do runs one request outside the streamed output and waits for its view.
func (p *Pipeline[T]) Do(ctx context.Context, q view.Request) (*view.View[T], error) {
	if err := p.CheckRequest(q); err != nil {
		return nil, err
	}
	reply := make(chan Result[T], 1)
	if _, err := p.push(&job[T]{req: q, reply: reply}, false); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.View, res.Err
	case <-ctx.Done():
		go func() {
			if res := <-reply; res.View != nil {
				res.View.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *Pipeline[T]) push(j *job[T], streamed bool) (uint64, error) {
	p.submitMu.Lock()
	if p.closed {
		p.submitMu.Unlock()
		return 0, ErrClosed
	}
	if streamed {
		j.seq = p.nextSeq
		p.nextSeq++
	}
	p.pending = append(p.pending, j)
	p.inFlight.Add(1)
	p.submitMu.Unlock()
	p.signal()
	return j.seq, nil
}

func (p *Pipeline[T]) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Out is the consumer-facing queue. It is closed once the pipeline drained.
func (p *Pipeline[T]) Out() <-chan Result[T] { return p.out }

// Done is closed when every stage has exited.
func (p *Pipeline[T]) Done() <-chan struct{} { return p.done }

// InFlight is the number of accepted requests not yet delivered.
func (p *Pipeline[T]) InFlight() int { return int(p.inFlight.Load()) }

// Finish stops accepting requests. Accepted requests still run to completion.
func (p *Pipeline[T]) Finish() {
	p.finish.Do(func() {
		p.submitMu.Lock()
		p.closed = true
		p.submitMu.Unlock()
		p.signal()
	})
}

// Abort finishes the pipeline and fails every request that has not started
// loading. Results still flow to Out and must be drained.
func (p *Pipeline[T]) Abort() {
	p.Finish()
	p.cancel()
}

func (p *Pipeline[T]) next() (*job[T], bool) {
	for {
		p.submitMu.Lock()
		if len(p.pending) > 0 {
			j := p.pending[0]
			p.pending[0] = nil
			p.pending = p.pending[1:]
			p.submitMu.Unlock()
			return j, true
		}
		if p.closed {
			p.submitMu.Unlock()
			return nil, false
		}
		p.submitMu.Unlock()
		<-p.notify
	}
}

// intake computes coverage, takes a reference on every covered tile,
// dispatches loads for the tiles it is first to reference and reserves the
// view buffer.
func (p *Pipeline[T]) intake() {
	defer close(p.waitQ)
	defer close(p.loadQ)

	for {
		j, ok := p.next()
		if !ok {
			return
		}
		p.admit(j)
		p.waitQ <- j
	}
}

func (p *Pipeline[T]) admit(j *job[T]) {
	if err := p.ctx.Err(); err != nil {
		j.err = err
		return
	}
	j.keys = j.req.Coverage()
	elems := j.req.Geometry.TileElems()
	for _, key := range j.keys {
		e, loader, err := p.cfg.Cache.Get(p.ctx, key, elems)
		if err != nil {
			j.err = err
			return
		}
		j.entries = append(j.entries, e)
		if loader {
			p.loadQ <- loadTask[T]{entry: e}
		}
	}
	block, err := p.cfg.Memory.Acquire(p.ctx, j.req.Elems())
	if err != nil {
		j.err = fmt.Errorf("allocate view %s: %w", j.req.Region, err)
		return
	}
	j.block = block
}

func (p *Pipeline[T]) loader() {
	for task := range p.loadQ {
		e := task.entry
		if err := p.ctx.Err(); err != nil {
			p.cfg.Cache.MarkFailed(e, err)
			continue
		}
		if p.cfg.Cache.Retained(e.Key(), e.Data()) {
			p.cfg.Cache.MarkReady(e)
			continue
		}
		if err := p.cfg.Source.ReadTile(p.ctx, e.Key(), e.Data()); err != nil {
			p.cfg.Cache.MarkFailed(e, err)
			continue
		}
		p.cfg.Cache.MarkReady(e)
	}
}

// waiter blocks until every tile of a request has settled. Waiting for all
// of them, even after one failed, guarantees no loader still writes into a
// buffer whose reference is about to be dropped.
func (p *Pipeline[T]) waiter() {
	for j := range p.waitQ {
		for _, e := range j.entries {
			<-e.Ready()
			if j.err == nil && e.State() == tilecache.Failed {
				j.err = &TileReadError{Region: j.req.Region, Seq: j.seq, Key: e.Key(), Err: e.Err()}
			}
		}
		if j.err != nil {
			p.releaseJob(j)
		}
		p.assembleQ <- j
	}
}

func (p *Pipeline[T]) assembler() {
	for j := range p.assembleQ {
		if j.err == nil {
			p.assemble(j)
		}
		p.deliverQ <- j
	}
}

func (p *Pipeline[T]) assemble(j *job[T]) {
	byKey := make(map[tile.Key]*tilecache.Entry[T], len(j.entries))
	for _, e := range j.entries {
		byKey[e.Key()] = e
	}
	err := p.cfg.Assembler.Assemble(j.req, func(k tile.Key) []T { return byKey[k].Data() }, j.block.Data())
	for _, e := range j.entries {
		p.cfg.Cache.Release(e)
	}
	j.entries = nil
	if err != nil {
		j.err = err
		j.block.Release()
		j.block = nil
	}
}

func (p *Pipeline[T]) releaseJob(j *job[T]) {
	for _, e := range j.entries {
		p.cfg.Cache.Release(e)
	}
	j.entries = nil
	if j.block != nil {
		j.block.Release()
		j.block = nil
	}
	p.logger.Debug("request failed", "region", j.req.Region.String(), "err", j.err)
}

func (p *Pipeline[T]) deliver() {
	defer close(p.done)
	defer close(p.out)

	reorder := make(map[uint64]Result[T])
	var next uint64
	for j := range p.deliverQ {
		res := Result[T]{Seq: j.seq, Region: j.req.Region, Err: j.err}
		if j.err == nil {
			res.View = view.New(j.req, j.block, j.keys, j.seq)
		}
		if j.reply != nil {
			j.reply <- res
			p.inFlight.Add(-1)
			continue
		}
		if !p.cfg.PreserveOrder {
			p.emit(res)
			continue
		}
		reorder[res.Seq] = res
		for {
			r, ok := reorder[next]
			if !ok {
				break
			}
			delete(reorder, next)
			next++
			p.emit(r)
		}
	}
}

func (p *Pipeline[T]) emit(res Result[T]) {
	p.out <- res
	p.inFlight.Add(-1)
}
