package view

import (
	"fmt"
	"strings"

	"github.com/haloview/server/internal/tile"
)

type ghostKind uint8

const (
	ghostConstant ghostKind = iota
	ghostReplicate
)

// GhostPolicy decides how pixels of the halo that fall outside the image are
// filled. The zero value fills with zero.
type GhostPolicy[T tile.Pixel] struct {
	kind  ghostKind
	value T
}

// Constant fills the ghost region with value.
func Constant[T tile.Pixel](value T) GhostPolicy[T] {
	return GhostPolicy[T]{kind: ghostConstant, value: value}
}

// Replicate extends the nearest in-image row or column outward. Corners take
// the nearest in-image corner pixel.
func Replicate[T tile.Pixel]() GhostPolicy[T] {
	return GhostPolicy[T]{kind: ghostReplicate}
}

// ParseGhostPolicy maps "constant" or "replicate" to a policy.
func ParseGhostPolicy[T tile.Pixel](name string, fill T) (GhostPolicy[T], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "constant":
		return Constant(fill), nil
	case "replicate", "fill":
		return Replicate[T](), nil
	}
	return GhostPolicy[T]{}, fmt.Errorf("view: unknown ghost policy %q", name)
}

func (p GhostPolicy[T]) String() string {
	if p.kind == ghostReplicate {
		return "replicate"
	}
	return fmt.Sprintf("constant(%v)", p.value)
}

// Assembler stitches tiles into view buffers.
type Assembler[T tile.Pixel] struct {
	Ghost GhostPolicy[T]
}

// Assemble writes the view for q into dst, which must hold q.Elems()
// elements. pixels returns the buffer of each covered tile. The result does
// not depend on the order tiles are visited.
func (a Assembler[T]) Assemble(q Request, pixels func(tile.Key) []T, dst []T) error {
	if len(dst) < q.Elems() {
		return fmt.Errorf("view: buffer holds %d elements, need %d", len(dst), q.Elems())
	}
	g := q.Geometry
	exp := q.Expanded
	for _, key := range q.Coverage() {
		src := pixels(key)
		if len(src) < g.TileElems() {
			return fmt.Errorf("view: tile %s holds %d elements, need %d", key, len(src), g.TileElems())
		}
		r0, c0, r1, c1 := g.TileBounds(key.Row, key.Col)
		part := Rect{Row: r0, Col: c0, Height: r1 - r0, Width: c1 - c0}.Intersect(q.Clipped)
		for r := part.Row; r < part.Bottom(); r++ {
			s := (r-r0)*g.TileWidth + (part.Col - c0)
			d := (r-exp.Row)*exp.Width + (part.Col - exp.Col)
			copy(dst[d:d+part.Width], src[s:s+part.Width])
		}
	}
	a.fillGhost(q, dst)
	return nil
}

func (a Assembler[T]) fillGhost(q Request, dst []T) {
	gh := q.Ghost
	if !gh.Any() {
		return
	}
	w, h := q.Expanded.Width, q.Expanded.Height
	if a.Ghost.kind == ghostConstant {
		v := a.Ghost.value
		for r := range h {
			row := dst[r*w : (r+1)*w]
			if r < gh.Top || r >= h-gh.Bottom {
				fill(row, v)
				continue
			}
			fill(row[:gh.Left], v)
			fill(row[w-gh.Right:], v)
		}
		return
	}

	for r := gh.Top; r < h-gh.Bottom; r++ {
		row := dst[r*w : (r+1)*w]
		fill(row[:gh.Left], row[gh.Left])
		fill(row[w-gh.Right:], row[w-gh.Right-1])
	}
	first := dst[gh.Top*w : (gh.Top+1)*w]
	for r := range gh.Top {
		copy(dst[r*w:(r+1)*w], first)
	}
	last := dst[(h-gh.Bottom-1)*w : (h-gh.Bottom)*w]
	for r := h - gh.Bottom; r < h; r++ {
		copy(dst[r*w:(r+1)*w], last)
	}
}

func fill[T any](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}
