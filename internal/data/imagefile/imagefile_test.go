package imagefile

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/haloview/server/internal/tile"
)

func TestFromImageLevels(t *testing.T) {
	img := Pattern(100, 60)
	src, err := FromImage[uint16](img, Options{TileWidth: 32, TileHeight: 32})
	require.NoError(t, err)

	// 100x60 -> 50x30 -> 25x15, which fits in one tile.
	require.Equal(t, 3, src.LevelCount())
	g1, err := src.Geometry(1)
	require.NoError(t, err)
	require.Equal(t, tile.Geometry{ImageWidth: 50, ImageHeight: 30, TileWidth: 32, TileHeight: 32}, g1)

	buf := make([]uint16, 32*32)
	require.NoError(t, src.ReadTile(context.Background(), tile.Key{Row: 1, Col: 2}, buf))
	require.Equal(t, img.Gray16At(64, 32).Y, buf[0])
}

func TestFromImageLevelCap(t *testing.T) {
	src, err := FromImage[uint8](Pattern(64, 64), Options{TileWidth: 4, TileHeight: 4, Levels: 3})
	require.NoError(t, err)
	require.Equal(t, 3, src.LevelCount())
	g, _ := src.Geometry(2)
	require.Equal(t, 16, g.ImageWidth)
}

func TestOpenTIFFAndPNG(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000*y + x)})
		}
	}
	dir := t.TempDir()

	tifPath := filepath.Join(dir, "img.tif")
	f, err := os.Create(tifPath)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}))
	require.NoError(t, f.Close())

	pngPath := filepath.Join(dir, "img.png")
	f, err = os.Create(pngPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	for _, path := range []string{tifPath, pngPath} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			src, err := Open[uint16](path, Options{TileWidth: 4, TileHeight: 4, Levels: 1})
			require.NoError(t, err)
			buf := make([]uint16, 16)
			require.NoError(t, src.ReadTile(context.Background(), tile.Key{Row: 1, Col: 1}, buf))
			require.Equal(t, uint16(4004), buf[0])
			require.Equal(t, uint16(7007), buf[15])
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open[uint16](filepath.Join(t.TempDir(), "nope.tif"), Options{TileWidth: 4, TileHeight: 4})
	require.ErrorIs(t, err, os.ErrNotExist)
}
