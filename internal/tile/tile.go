// Package tile defines the vocabulary shared by every stage of the view engine:
// tile coordinates, pyramid geometry and the Source contract implemented by
// storage backends.
package tile

import (
	"context"
	"errors"
	"fmt"
	"unsafe"
)

// ErrOutOfRange is returned when a coordinate or level lies outside the pyramid.
var ErrOutOfRange = errors.New("tile: coordinate out of range")

// Pixel is the set of element types a pyramid can hold.
type Pixel interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// ElemSize returns the size in bytes of one pixel of type T.
func ElemSize[T Pixel]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// Key identifies one tile in the pyramid.
type Key struct {
	Row   int
	Col   int
	Level int
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d)@%d", k.Row, k.Col, k.Level)
}

// Geometry describes one pyramid level.
type Geometry struct {
	ImageWidth  int `json:"imageWidth"`
	ImageHeight int `json:"imageHeight"`
	TileWidth   int `json:"tileWidth"`
	TileHeight  int `json:"tileHeight"`
}

// Rows is the number of tile rows in the grid.
func (g Geometry) Rows() int { return ceilDiv(g.ImageHeight, g.TileHeight) }

// Cols is the number of tile columns in the grid.
func (g Geometry) Cols() int { return ceilDiv(g.ImageWidth, g.TileWidth) }

// TileElems is the element count of one full tile buffer.
func (g Geometry) TileElems() int { return g.TileWidth * g.TileHeight }

// Contains reports whether row/col address a tile of this grid.
func (g Geometry) Contains(row, col int) bool {
	return row >= 0 && col >= 0 && row < g.Rows() && col < g.Cols()
}

// TileBounds returns the image-space extent of a tile, clipped to the image.
func (g Geometry) TileBounds(row, col int) (r0, c0, r1, c1 int) {
	r0 = row * g.TileHeight
	c0 = col * g.TileWidth
	r1 = min(r0+g.TileHeight, g.ImageHeight)
	c1 = min(c0+g.TileWidth, g.ImageWidth)
	return r0, c0, r1, c1
}

// Validate rejects degenerate geometry.
func (g Geometry) Validate() error {
	if g.ImageWidth <= 0 || g.ImageHeight <= 0 {
		return fmt.Errorf("tile: invalid image size %dx%d", g.ImageWidth, g.ImageHeight)
	}
	if g.TileWidth <= 0 || g.TileHeight <= 0 {
		return fmt.Errorf("tile: invalid tile size %dx%d", g.TileWidth, g.TileHeight)
	}
	return nil
}

// Source produces decoded tile pixels. Implementations must be safe for
// concurrent use by multiple loaders.
type Source[T Pixel] interface {
	// LevelCount returns the number of pyramid levels; level 0 is full resolution.
	LevelCount() int
	// Geometry returns the grid of one level.
	Geometry(level int) (Geometry, error)
	// ReadTile fills dst, a row-major buffer of TileWidth*TileHeight elements.
	// Elements of an edge tile that fall outside the image are left unspecified.
	ReadTile(ctx context.Context, key Key, dst []T) error
}

// CheckKey validates key against src and returns the level geometry.
func CheckKey[T Pixel](src Source[T], key Key) (Geometry, error) {
	if key.Level < 0 || key.Level >= src.LevelCount() {
		return Geometry{}, fmt.Errorf("%w: level %d", ErrOutOfRange, key.Level)
	}
	g, err := src.Geometry(key.Level)
	if err != nil {
		return Geometry{}, err
	}
	if !g.Contains(key.Row, key.Col) {
		return Geometry{}, fmt.Errorf("%w: tile %s", ErrOutOfRange, key)
	}
	return g, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
