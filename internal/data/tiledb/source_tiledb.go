//go:build tiledb

package tiledb

import (
	"context"
	"fmt"
	"math"

	tdb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/haloview/server/internal/tile"
)

// Source reads tiles from dense TileDB arrays. The attribute datatype must
// match T.
type Source[T tile.Pixel] struct {
	uri       string
	attribute string
	ctx       *tdb.Context
	levels    []tile.Geometry
}

// NewSource opens every level under uri and records its geometry.
func NewSource[T tile.Pixel](uri, attribute string) (*Source[T], error) {
	base, err := ResolveURI(uri)
	if err != nil {
		return nil, err
	}
	if attribute == "" {
		attribute = DefaultAttribute
	}
	ctx, err := tdb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	s := &Source[T]{uri: base, attribute: attribute, ctx: ctx}
	for lvl := 0; ; lvl++ {
		g, err := s.loadGeometry(LevelURI(base, lvl))
		if err != nil {
			if lvl == 0 {
				ctx.Free()
				return nil, err
			}
			break
		}
		s.levels = append(s.levels, g)
	}
	return s, nil
}

func (s *Source[T]) loadGeometry(uri string) (tile.Geometry, error) {
	arr, err := tdb.NewArray(s.ctx, uri)
	if err != nil {
		return tile.Geometry{}, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tdb.TILEDB_READ); err != nil {
		return tile.Geometry{}, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return tile.Geometry{}, err
	}
	defer schema.Free()
	domain, err := schema.Domain()
	if err != nil {
		return tile.Geometry{}, err
	}
	defer domain.Free()

	var g tile.Geometry
	for _, d := range []struct {
		name   string
		size   *int
		extent *int
	}{
		{"row", &g.ImageHeight, &g.TileHeight},
		{"col", &g.ImageWidth, &g.TileWidth},
	} {
		dim, err := domain.DimensionFromName(d.name)
		if err != nil {
			return tile.Geometry{}, fmt.Errorf("dimension %q: %w", d.name, err)
		}
		ext, err := dim.Extent()
		dim.Free()
		if err != nil {
			return tile.Geometry{}, fmt.Errorf("dimension %q extent: %w", d.name, err)
		}
		e, err := scalarInt64(ext)
		if err != nil {
			return tile.Geometry{}, fmt.Errorf("dimension %q extent: %w", d.name, err)
		}
		*d.extent = int(e)

		// Use the non-empty domain so an oversized declared domain does not
		// inflate the image.
		ned, isEmpty, err := arr.NonEmptyDomainFromName(d.name)
		if err != nil {
			return tile.Geometry{}, fmt.Errorf("failed to get non-empty domain of %q: %w", d.name, err)
		}
		if isEmpty || ned == nil {
			return tile.Geometry{}, fmt.Errorf("array %s is empty", uri)
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return tile.Geometry{}, err
		}
		if lo != 0 {
			return tile.Geometry{}, fmt.Errorf("dimension %q starts at %d, want 0", d.name, lo)
		}
		*d.size = int(hi + 1)
	}
	return g, g.Validate()
}

func (s *Source[T]) LevelCount() int { return len(s.levels) }

func (s *Source[T]) Geometry(level int) (tile.Geometry, error) {
	if level < 0 || level >= len(s.levels) {
		return tile.Geometry{}, fmt.Errorf("%w: level %d", tile.ErrOutOfRange, level)
	}
	return s.levels[level], nil
}

// ReadTile reads the in-image part of one tile with a row-major subarray
// query and lays it out with the tile stride.
func (s *Source[T]) ReadTile(ctx context.Context, key tile.Key, dst []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, err := tile.CheckKey[T](s, key)
	if err != nil {
		return err
	}
	r0, c0, r1, c1 := g.TileBounds(key.Row, key.Col)
	h, w := r1-r0, c1-c0

	arr, err := tdb.NewArray(s.ctx, LevelURI(s.uri, key.Level))
	if err != nil {
		return fmt.Errorf("failed to open level %d: %w", key.Level, err)
	}
	defer arr.Free()
	if err := arr.Open(tdb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open level %d for read: %w", key.Level, err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("row", tdb.MakeRange[int64](int64(r0), int64(r1-1))); err != nil {
		return fmt.Errorf("failed to set row range: %w", err)
	}
	if err := sub.AddRangeByName("col", tdb.MakeRange[int64](int64(c0), int64(c1-1))); err != nil {
		return fmt.Errorf("failed to set col range: %w", err)
	}

	q, err := tdb.NewQuery(s.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tdb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set query layout: %w", err)
	}

	// Full tiles land directly in dst; edge tiles go through a packed buffer.
	buf := dst[:h*w]
	packed := w != g.TileWidth
	if packed {
		buf = make([]T, h*w)
	}
	if _, err := q.SetDataBuffer(s.attribute, buf); err != nil {
		return fmt.Errorf("failed to set %q buffer: %w", s.attribute, err)
	}
	if err := q.Submit(); err != nil {
		return fmt.Errorf("query %s failed: %w", key, err)
	}
	status, err := q.Status()
	if err != nil {
		return err
	}
	if status != tdb.TILEDB_COMPLETED {
		return fmt.Errorf("unexpected TileDB query status for %s: %v", key, status)
	}
	if packed {
		for r := h - 1; r >= 0; r-- {
			copy(dst[r*g.TileWidth:r*g.TileWidth+w], buf[r*w:(r+1)*w])
		}
	}
	return nil
}

// Close frees the TileDB context.
func (s *Source[T]) Close() {
	if s.ctx != nil {
		s.ctx.Free()
	}
}

func scalarInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 value exceeds int64 range")
		}
		return int64(x), nil
	case uint32:
		return int64(x), nil
	}
	return 0, fmt.Errorf("unsupported scalar type %T", v)
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
