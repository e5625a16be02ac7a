package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/haloview/server/internal/tile"
)

// WriteOptions control how a pyramid is written.
type WriteOptions struct {
	// Compress stores chunks with the zstd codec.
	Compress bool
	// FillValue is recorded in the metadata and pads edge chunks.
	FillValue float64
	// SkipFillChunks omits chunks whose pixels all equal FillValue.
	SkipFillChunks bool
}

// WriteSource copies every level of src into a Zarr pyramid at basePath,
// using the source tiles as chunks.
func WriteSource[T tile.Pixel](ctx context.Context, basePath string, src tile.Source[T], opts WriteOptions) error {
	var enc *zstd.Encoder
	if opts.Compress {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
	}

	dtype := dtypeOf[T]()
	for lvl := range src.LevelCount() {
		g, err := src.Geometry(lvl)
		if err != nil {
			return err
		}
		dir := LevelDir(basePath, lvl)
		if err := writeArrayMeta(dir, g, dtype, opts); err != nil {
			return fmt.Errorf("level %d: %w", lvl, err)
		}

		buf := make([]T, g.TileElems())
		var raw []byte
		for row := range g.Rows() {
			for col := range g.Cols() {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := tile.Key{Row: row, Col: col, Level: lvl}
				if err := src.ReadTile(ctx, key, buf); err != nil {
					return fmt.Errorf("read %s: %w", key, err)
				}
				padEdge(g, row, col, buf, T(opts.FillValue))
				if opts.SkipFillChunks && allEqual(buf, T(opts.FillValue)) {
					continue
				}
				raw = encode(dtype, buf, raw[:0])
				data := raw
				if enc != nil {
					data = enc.EncodeAll(raw, nil)
				}
				path := filepath.Join(dir, chunkKey(&ArrayMeta{}, row, col))
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("write chunk %s: %w", key, err)
				}
			}
		}
	}
	return nil
}

func writeArrayMeta(dir string, g tile.Geometry, dtype string, opts WriteOptions) error {
	meta := ArrayMeta{
		Shape:      []int{g.ImageHeight, g.ImageWidth},
		DataType:   dtype,
		FillValue:  opts.FillValue,
		ZarrFormat: 3,
		NodeType:   "array",
		Codecs:     []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}},
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = []int{g.TileHeight, g.TileWidth}
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	if opts.Compress {
		meta.Codecs = append(meta.Codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 0, "checksum": false}})
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "zarr.json"), data, 0o644)
}

// padEdge sets the part of an edge tile outside the image to v.
func padEdge[T tile.Pixel](g tile.Geometry, row, col int, buf []T, v T) {
	r0, c0, r1, c1 := g.TileBounds(row, col)
	h, w := r1-r0, c1-c0
	for r := range g.TileHeight {
		line := buf[r*g.TileWidth : (r+1)*g.TileWidth]
		if r >= h {
			fill(line, v)
			continue
		}
		fill(line[w:], v)
	}
}

func allEqual[T comparable](s []T, v T) bool {
	for _, x := range s {
		if x != v {
			return false
		}
	}
	return true
}
