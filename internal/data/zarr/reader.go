// Package zarr serves image pyramids stored as Zarr v3 arrays, one 2-D array
// per level (level_0, level_1, ...) whose chunks are the tiles.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/haloview/server/internal/tile"
)

// LevelDir returns the array directory of one pyramid level.
func LevelDir(basePath string, level int) string {
	return filepath.Join(basePath, fmt.Sprintf("level_%d", level))
}

// Reader is a tile.Source over a Zarr pyramid. It is safe for concurrent use.
type Reader[T tile.Pixel] struct {
	basePath string
	levels   []*level
	decoder  *zstd.Decoder
}

type level struct {
	path     string
	meta     *ArrayMeta
	geom     tile.Geometry
	elemSize int
	fill     float64
}

// NewReader opens the pyramid rooted at basePath.
func NewReader[T tile.Pixel](basePath string) (*Reader[T], error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	r := &Reader[T]{basePath: basePath, decoder: decoder}

	for z := 0; ; z++ {
		path := LevelDir(basePath, z)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		if err := r.loadLevel(path); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to load level %d: %w", z, err)
		}
	}
	if len(r.levels) == 0 {
		r.Close()
		return nil, fmt.Errorf("no levels found under %s", basePath)
	}
	return r, nil
}

func (r *Reader[T]) loadLevel(path string) error {
	meta, err := loadArrayMeta(path)
	if err != nil {
		return err
	}
	g, err := meta.geometry()
	if err != nil {
		return err
	}
	size, _ := dtypeSize(meta.DataType)
	fill, err := meta.fillValue()
	if err != nil {
		return err
	}
	r.levels = append(r.levels, &level{path: path, meta: meta, geom: g, elemSize: size, fill: fill})
	return nil
}

func (r *Reader[T]) LevelCount() int { return len(r.levels) }

func (r *Reader[T]) Geometry(lvl int) (tile.Geometry, error) {
	if lvl < 0 || lvl >= len(r.levels) {
		return tile.Geometry{}, fmt.Errorf("%w: level %d", tile.ErrOutOfRange, lvl)
	}
	return r.levels[lvl].geom, nil
}

// DataType returns the stored element type of a level.
func (r *Reader[T]) DataType(lvl int) string { return r.levels[lvl].meta.DataType }

// ReadTile decodes the chunk at key into dst. A chunk missing from the store
// is all fill value.
func (r *Reader[T]) ReadTile(ctx context.Context, key tile.Key, dst []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, err := tile.CheckKey[T](r, key)
	if err != nil {
		return err
	}
	if len(dst) < g.TileElems() {
		return fmt.Errorf("buffer holds %d elements, need %d", len(dst), g.TileElems())
	}
	lvl := r.levels[key.Level]

	data, err := r.readChunk(lvl, key.Row, key.Col)
	if errors.Is(err, os.ErrNotExist) {
		fill(dst[:g.TileElems()], T(lvl.fill))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chunk %s: %w", key, err)
	}

	n := len(data) / lvl.elemSize
	switch {
	case n == g.TileElems():
		decodeInto(lvl.meta.DataType, data, dst[:n])
	default:
		// Some writers store edge chunks truncated to the array bounds.
		r0, c0, r1, c1 := g.TileBounds(key.Row, key.Col)
		h, w := r1-r0, c1-c0
		if n != h*w {
			return fmt.Errorf("chunk %s holds %d elements, want %d or %d", key, n, g.TileElems(), h*w)
		}
		for row := range h {
			src := data[row*w*lvl.elemSize : (row+1)*w*lvl.elemSize]
			decodeInto(lvl.meta.DataType, src, dst[row*g.TileWidth:row*g.TileWidth+w])
		}
	}
	return nil
}

// readChunk reads and decompresses one chunk.
func (r *Reader[T]) readChunk(lvl *level, row, col int) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(lvl.path, chunkKey(lvl.meta, row, col)))
	if err != nil {
		return nil, err
	}
	if !lvl.meta.compressed() {
		return raw, nil
	}
	decompressed, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

// chunkKey returns the chunk path relative to the array directory.
func chunkKey(meta *ArrayMeta, row, col int) string {
	idx := []string{strconv.Itoa(row), strconv.Itoa(col)}
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if meta.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		return filepath.FromSlash(strings.Join(idx, sep))
	}
	if sep == "" {
		sep = "/"
	}
	return filepath.FromSlash("c" + sep + strings.Join(idx, sep))
}

// Close releases the decoder.
func (r *Reader[T]) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func fill[T any](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}
