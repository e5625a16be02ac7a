package view

import (
	"sync/atomic"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
)

// View is an assembled, ghost-filled buffer covering a region plus its halo.
// The consumer owns it and must call Release when done.
type View[T tile.Pixel] struct {
	req      Request
	block    *memory.Block[T]
	tiles    []tile.Key
	seq      uint64
	released atomic.Bool
}

// New wraps an assembled block. Library users receive views from the engine
// rather than building them.
func New[T tile.Pixel](req Request, block *memory.Block[T], tiles []tile.Key, seq uint64) *View[T] {
	return &View[T]{req: req, block: block, tiles: tiles, seq: seq}
}

// Region is the requested area.
func (v *View[T]) Region() Region { return v.req.Region }

// Request is the planned request the view was built from.
func (v *View[T]) Request() Request { return v.req }

// Rect is the halo-expanded rectangle clipped to the image.
func (v *View[T]) Rect() Rect { return v.req.Clipped }

// Expanded is the unclipped halo-expanded rectangle; the buffer spans it.
func (v *View[T]) Expanded() Rect { return v.req.Expanded }

func (v *View[T]) Ghost() Ghost { return v.req.Ghost }

func (v *View[T]) Radius() int { return v.req.Radius }

// Width is the buffer row stride.
func (v *View[T]) Width() int { return v.req.Expanded.Width }

func (v *View[T]) Height() int { return v.req.Expanded.Height }

// Tiles lists the tiles the view was stitched from.
func (v *View[T]) Tiles() []tile.Key { return v.tiles }

// Seq is the submission sequence number of the request.
func (v *View[T]) Seq() uint64 { return v.seq }

// Data is the row-major buffer of Height()*Width() elements.
func (v *View[T]) Data() []T { return v.block.Data() }

// At returns the pixel at row/col relative to the region origin. Negative
// coordinates, and coordinates past the region size, reach into the halo.
func (v *View[T]) At(row, col int) T {
	r := v.req.Radius
	return v.block.Data()[(row+r)*v.Width()+col+r]
}

// Interior copies the pixels of Rect out of the buffer.
func (v *View[T]) Interior() []T {
	rect, exp := v.req.Clipped, v.req.Expanded
	out := make([]T, 0, rect.Area())
	data := v.block.Data()
	for r := rect.Row; r < rect.Bottom(); r++ {
		off := (r-exp.Row)*exp.Width + rect.Col - exp.Col
		out = append(out, data[off:off+rect.Width]...)
	}
	return out
}

// Release returns the buffer to the memory manager. Further calls are no-ops.
func (v *View[T]) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.block.Release()
	}
}
