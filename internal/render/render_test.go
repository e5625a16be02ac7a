package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestNewRendererUnknownColormap(t *testing.T) {
	_, err := NewRenderer(Config{DefaultColormap: "rainbow"})
	require.Error(t, err)
}

func TestRange(t *testing.T) {
	lo, hi := Range([]float32{3, float32(math.NaN()), -1, float32(math.Inf(1)), 7})
	require.Equal(t, -1.0, lo)
	require.Equal(t, 7.0, hi)

	lo, hi = Range([]float64{math.NaN()})
	require.Zero(t, lo)
	require.Zero(t, hi)
}

func newView(t *testing.T, region view.Region, radius int) *view.View[uint16] {
	t.Helper()
	g := tile.Geometry{ImageWidth: 8, ImageHeight: 8, TileWidth: 8, TileHeight: 8}
	q, err := view.Plan(g, region, radius)
	require.NoError(t, err)

	mem, err := memory.NewManager[uint16](1 << 10)
	require.NoError(t, err)
	block, err := mem.Acquire(context.Background(), q.Elems())
	require.NoError(t, err)
	for i := range block.Data() {
		block.Data()[i] = uint16(i)
	}
	return view.New(q, block, q.Coverage(), 0)
}

func TestRegionDropsHalo(t *testing.T) {
	r, err := NewRenderer(Config{})
	require.NoError(t, err)

	v := newView(t, view.Region{Row: 3, Col: 3, Height: 2, Width: 2}, 1)
	defer v.Release()
	data, err := Region(r, v, "")
	require.NoError(t, err)

	img := decode(t, data)
	require.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	// Gray ramp: the darkest region pixel is black, the brightest white.
	require.Equal(t, color.RGBA{0, 0, 0, 255}, color.RGBAModel.Convert(img.At(0, 0)))
	require.Equal(t, color.RGBA{255, 255, 255, 255}, color.RGBAModel.Convert(img.At(1, 1)))
}

func TestViewOutline(t *testing.T) {
	v := newView(t, view.Region{Row: 2, Col: 2, Height: 4, Width: 4}, 2)
	defer v.Release()

	plain, err := NewRenderer(Config{DefaultColormap: "viridis"})
	require.NoError(t, err)
	outlined, err := NewRenderer(Config{DefaultColormap: "viridis", Outline: true})
	require.NoError(t, err)

	a, err := View(plain, v, "")
	require.NoError(t, err)
	b, err := View(outlined, v, "")
	require.NoError(t, err)

	ia, ib := decode(t, a), decode(t, b)
	require.Equal(t, image.Rect(0, 0, 8, 8), ia.Bounds())
	require.Equal(t, ia.At(0, 0), ib.At(0, 0), "halo corner is untouched")
	require.NotEqual(t, ia.At(2, 2), ib.At(2, 2), "region corner is stroked")
}
