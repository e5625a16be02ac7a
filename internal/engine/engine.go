// Package engine is the facade over the view pipeline: configure once,
// submit view requests without blocking, and retrieve assembled views one at
// a time until the engine drains.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/pipeline"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/tilecache"
	"github.com/haloview/server/internal/traversal"
	"github.com/haloview/server/internal/view"
)

var (
	// ErrInvalidConfig is returned by New for unusable options.
	ErrInvalidConfig = errors.New("engine: invalid configuration")
	// ErrBudgetTooSmall is returned by New when the budget cannot hold one
	// full view at level 0 together with the tiles it covers.
	ErrBudgetTooSmall = errors.New("engine: memory budget too small for one view")
	// ErrUsage is returned for requests submitted after FinishedRequestingTiles.
	ErrUsage = errors.New("engine: request after finished requesting tiles")
	// ErrDrained is returned by RetrieveView once every view was delivered
	// and no more requests can arrive.
	ErrDrained = errors.New("engine: no more views")
	// ErrOutOfRange is returned for regions or levels outside the pyramid.
	ErrOutOfRange = view.ErrOutOfRange
	// ErrRequestTooLarge is returned for a region whose working set exceeds
	// the memory budget.
	ErrRequestTooLarge = pipeline.ErrRequestTooLarge
)

// TileReadError is the per-view failure carrying the tile that could not be read.
type TileReadError = pipeline.TileReadError

// View is an assembled view. Release it when done.
type View[T tile.Pixel] = view.View[T]

// Config holds the construction-time options.
type Config[T tile.Pixel] struct {
	Source tile.Source[T]
	// Radius is the halo width in pixels.
	Radius int
	// MemoryBudget caps the bytes of outstanding tile and view buffers.
	MemoryBudget int64
	// Workers is the size of each stage's worker pool.
	Workers int
	Ghost   view.GhostPolicy[T]
	// QueueCapacity bounds inter-stage queues; default 4 x Workers.
	QueueCapacity int
	// OutputQueueCapacity bounds the retrieve queue; default QueueCapacity.
	OutputQueueCapacity int
	// PreserveOrder delivers views in request order.
	PreserveOrder bool
	// RetainTiles keeps copies of up to that many freed tiles. The copies are
	// heap memory outside MemoryBudget, costing up to RetainTiles x tile area
	// x pixel size bytes. Zero or negative disables retention.
	RetainTiles int
	Logger      *slog.Logger
}

// Stats is a snapshot of the engine.
type Stats struct {
	Memory   memory.Stats    `json:"memory"`
	Cache    tilecache.Stats `json:"cache"`
	InFlight int             `json:"inFlight"`
}

// Engine delivers haloed views of one tile source.
type Engine[T tile.Pixel] struct {
	src    tile.Source[T]
	radius int
	logger *slog.Logger

	mem   *memory.Manager[T]
	cache *tilecache.Cache[T]
	pipe  *pipeline.Pipeline[T]

	finishOnce sync.Once
}

// New validates cfg, sizes the memory budget and starts the pipeline.
func New[T tile.Pixel](cfg Config[T]) (*Engine[T], error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: nil tile source", ErrInvalidConfig)
	}
	if cfg.Radius < 0 {
		return nil, fmt.Errorf("%w: negative radius %d", ErrInvalidConfig, cfg.Radius)
	}
	if cfg.Source.LevelCount() < 1 {
		return nil, fmt.Errorf("%w: source has no levels", ErrInvalidConfig)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	base, err := cfg.Source.Geometry(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if need := MinBudget[T](base, cfg.Radius); cfg.MemoryBudget < need {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrBudgetTooSmall, cfg.MemoryBudget, need)
	}
	mem, err := memory.NewManager[T](cfg.MemoryBudget)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cache, err := tilecache.New(mem, tilecache.WithRetention(cfg.RetainTiles), tilecache.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Config[T]{
		Source:         cfg.Source,
		Memory:         mem,
		Cache:          cache,
		Assembler:      view.Assembler[T]{Ghost: cfg.Ghost},
		Workers:        cfg.Workers,
		QueueCapacity:  cfg.QueueCapacity,
		OutputCapacity: cfg.OutputQueueCapacity,
		PreserveOrder:  cfg.PreserveOrder,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	pipe.Start()

	logger.Info("engine started",
		"radius", cfg.Radius, "budget", cfg.MemoryBudget, "workers", cfg.Workers,
		"ghost", cfg.Ghost.String(), "levels", cfg.Source.LevelCount())
	return &Engine[T]{
		src:    cfg.Source,
		radius: cfg.Radius,
		logger: logger,
		mem:    mem,
		cache:  cache,
		pipe:   pipe,
	}, nil
}

// MinBudget is the smallest budget that can serve a one-tile view at level 0:
// the (tile + 2*radius) view buffer plus every tile that view touches.
func MinBudget[T tile.Pixel](base tile.Geometry, radius int) int64 {
	h := min(base.TileHeight, base.ImageHeight)
	w := min(base.TileWidth, base.ImageWidth)
	viewElems := (h + 2*radius) * (w + 2*radius)
	tilesDown := min(1+2*ceilDiv(radius, base.TileHeight), base.Rows())
	tilesAcross := min(1+2*ceilDiv(radius, base.TileWidth), base.Cols())
	elems := viewElems + tilesDown*tilesAcross*base.TileElems()
	return int64(elems) * tile.ElemSize[T]()
}

// Radius returns the halo width.
func (e *Engine[T]) Radius() int { return e.radius }

// Source returns the tile source.
func (e *Engine[T]) Source() tile.Source[T] { return e.src }

// Plan validates a region and returns the haloed request without submitting it.
func (e *Engine[T]) Plan(region view.Region) (view.Request, error) {
	if region.Level < 0 || region.Level >= e.src.LevelCount() {
		return view.Request{}, fmt.Errorf("%w: level %d", ErrOutOfRange, region.Level)
	}
	g, err := e.src.Geometry(region.Level)
	if err != nil {
		return view.Request{}, err
	}
	return view.Plan(g, region, e.radius)
}

// RequestView submits a region. It never blocks; the view is observed
// through RetrieveView.
func (e *Engine[T]) RequestView(region view.Region) error {
	q, err := e.Plan(region)
	if err != nil {
		return err
	}
	if _, err := e.pipe.Submit(q); err != nil {
		if errors.Is(err, pipeline.ErrClosed) {
			return ErrUsage
		}
		return err
	}
	return nil
}

// RequestTile submits the view of exactly one tile.
func (e *Engine[T]) RequestTile(row, col, level int) error {
	g, err := tile.CheckKey(e.src, tile.Key{Row: row, Col: col, Level: level})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	r0, c0, r1, c1 := g.TileBounds(row, col)
	return e.RequestView(view.Region{Row: r0, Col: c0, Height: r1 - r0, Width: c1 - c0, Level: level})
}

// RequestAllTiles submits one view per tile of level, in the given order,
// and returns how many were submitted.
func (e *Engine[T]) RequestAllTiles(level int, order traversal.Order) (int, error) {
	if level < 0 || level >= e.src.LevelCount() {
		return 0, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	g, err := e.src.Geometry(level)
	if err != nil {
		return 0, err
	}
	keys, err := traversal.Keys(order, g.Rows(), g.Cols(), level)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := e.RequestTile(k.Row, k.Col, k.Level); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// RequestBounds submits the views of every tile intersecting the pixel box
// [minRow, maxRow] x [minCol, maxCol] (inclusive), clamped to the image.
func (e *Engine[T]) RequestBounds(minRow, minCol, maxRow, maxCol, level int) (int, error) {
	if level < 0 || level >= e.src.LevelCount() {
		return 0, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	g, err := e.src.Geometry(level)
	if err != nil {
		return 0, err
	}
	box := view.Rect{Row: minRow, Col: minCol, Height: maxRow - minRow + 1, Width: maxCol - minCol + 1}
	keys := view.Coverage(g, box, level)
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: box [%d,%d]x[%d,%d] outside image", ErrOutOfRange, minRow, maxRow, minCol, maxCol)
	}
	for i, k := range keys {
		if err := e.RequestTile(k.Row, k.Col, k.Level); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// RetrieveView blocks until a view is available. It returns ErrDrained once
// FinishedRequestingTiles was called and every view was delivered, and a
// *TileReadError for a request whose tiles could not be read. The caller
// owns the returned view.
func (e *Engine[T]) RetrieveView(ctx context.Context) (*View[T], error) {
	select {
	case res, ok := <-e.pipe.Out():
		if !ok {
			return nil, ErrDrained
		}
		return res.View, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fetch assembles one view synchronously, sharing cache and memory with the
// streamed requests. It does not appear on RetrieveView.
func (e *Engine[T]) Fetch(ctx context.Context, region view.Region) (*View[T], error) {
	q, err := e.Plan(region)
	if err != nil {
		return nil, err
	}
	v, err := e.pipe.Do(ctx, q)
	if errors.Is(err, pipeline.ErrClosed) {
		return nil, ErrUsage
	}
	return v, err
}

// FinishedRequestingTiles signals that no more requests will be submitted.
// It is safe to call more than once.
func (e *Engine[T]) FinishedRequestingTiles() {
	e.finishOnce.Do(func() {
		e.pipe.Finish()
		e.logger.Debug("finished requesting tiles")
	})
}

// Busy reports whether requests are still being processed or their views
// are queued awaiting RetrieveView.
func (e *Engine[T]) Busy() bool {
	return e.pipe.InFlight() > 0 || len(e.pipe.Out()) > 0
}

// Wait blocks until the pipeline drained after FinishedRequestingTiles: every
// request has been delivered to the retrieve queue. Views may still be
// queued; drain them with RetrieveView.
func (e *Engine[T]) Wait(ctx context.Context) error {
	select {
	case <-e.pipe.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HitMiss returns the cache counters for one level.
func (e *Engine[T]) HitMiss(level int) tilecache.LevelStats { return e.cache.HitMiss(level) }

// Stats returns memory and cache statistics.
func (e *Engine[T]) Stats() Stats {
	return Stats{
		Memory:   e.mem.Stats(),
		Cache:    e.cache.Stats(),
		InFlight: e.pipe.InFlight(),
	}
}

// Close stops accepting requests, fails work that has not started and
// releases every view nobody retrieved.
func (e *Engine[T]) Close() {
	e.FinishedRequestingTiles()
	e.pipe.Abort()
	for res := range e.pipe.Out() {
		if res.View != nil {
			res.View.Release()
		}
	}
	<-e.pipe.Done()
	e.cache.Purge()
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
