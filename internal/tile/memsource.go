package tile

import (
	"context"
	"fmt"
)

// MemorySource serves tiles cut from in-memory level images. It backs the
// image-file source and is convenient in tests.
type MemorySource[T Pixel] struct {
	levels []memLevel[T]
}

type memLevel[T Pixel] struct {
	geom Geometry
	pix  []T
}

// NewMemorySource builds a single-level source from a row-major image.
func NewMemorySource[T Pixel](pix []T, width, height, tileWidth, tileHeight int) (*MemorySource[T], error) {
	s := &MemorySource[T]{}
	if err := s.AddLevel(pix, width, height, tileWidth, tileHeight); err != nil {
		return nil, err
	}
	return s, nil
}

// AddLevel appends the next (coarser) level.
func (s *MemorySource[T]) AddLevel(pix []T, width, height, tileWidth, tileHeight int) error {
	g := Geometry{ImageWidth: width, ImageHeight: height, TileWidth: tileWidth, TileHeight: tileHeight}
	if err := g.Validate(); err != nil {
		return err
	}
	if len(pix) != width*height {
		return fmt.Errorf("tile: level %d has %d pixels, want %d", len(s.levels), len(pix), width*height)
	}
	s.levels = append(s.levels, memLevel[T]{geom: g, pix: pix})
	return nil
}

func (s *MemorySource[T]) LevelCount() int { return len(s.levels) }

func (s *MemorySource[T]) Geometry(level int) (Geometry, error) {
	if level < 0 || level >= len(s.levels) {
		return Geometry{}, fmt.Errorf("%w: level %d", ErrOutOfRange, level)
	}
	return s.levels[level].geom, nil
}

// Pixels exposes the raw level image.
func (s *MemorySource[T]) Pixels(level int) []T {
	return s.levels[level].pix
}

func (s *MemorySource[T]) ReadTile(ctx context.Context, key Key, dst []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, err := CheckKey[T](s, key)
	if err != nil {
		return err
	}
	if len(dst) < g.TileElems() {
		return fmt.Errorf("tile: buffer holds %d elements, need %d", len(dst), g.TileElems())
	}
	lvl := s.levels[key.Level]
	r0, c0, r1, c1 := g.TileBounds(key.Row, key.Col)
	w := c1 - c0
	for r := r0; r < r1; r++ {
		copy(dst[(r-r0)*g.TileWidth:(r-r0)*g.TileWidth+w], lvl.pix[r*g.ImageWidth+c0:r*g.ImageWidth+c1])
	}
	return nil
}
