package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haloview/server/internal/cache"
	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/render"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
)

func newService(t *testing.T) *ViewService {
	t.Helper()
	const w, h = 20, 12
	pix := make([]float32, w*h)
	for i := range pix {
		pix[i] = float32(i)
	}
	src, err := tile.NewMemorySource(pix, w, h, 8, 8)
	require.NoError(t, err)

	eng, err := engine.New(engine.Config[float32]{
		Source:       src,
		Radius:       2,
		MemoryBudget: 1 << 20,
		Workers:      2,
		Ghost:        view.Replicate[float32](),
	})
	require.NoError(t, err)

	c, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 8, ImageTTL: time.Minute, QueryCacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	r, err := render.NewRenderer(render.Config{DefaultColormap: "viridis"})
	require.NoError(t, err)

	s := NewViewService(ViewServiceConfig{
		DatasetID: "demo",
		Format:    "memory",
		Ghost:     view.Replicate[float32](),
		Engine:    eng,
		Cache:     c,
		Renderer:  r,
	})
	t.Cleanup(s.Close)
	return s
}

func TestMetadata(t *testing.T) {
	s := newService(t)
	md, err := s.Metadata()
	require.NoError(t, err)
	require.Equal(t, "demo", md.DatasetID)
	require.Equal(t, 2, md.Radius)
	require.Equal(t, "replicate", md.Ghost)
	require.Len(t, md.Levels, 1)
	require.Equal(t, tile.Geometry{ImageWidth: 20, ImageHeight: 12, TileWidth: 8, TileHeight: 8}, md.Levels[0])
	require.Contains(t, md.Colormaps, "viridis")
}

func TestGetViewPNG(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	region := view.Region{Row: 0, Col: 0, Height: 4, Width: 6}

	data, err := s.GetViewPNG(ctx, region, "magma")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	// The image spans the expanded rectangle, ghost included.
	require.Equal(t, 10, img.Bounds().Dx())
	require.Equal(t, 8, img.Bounds().Dy())

	again, err := s.GetViewPNG(ctx, region, "magma")
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.EqualValues(t, 1, s.cache.Stats()["image_cache_len"])
}

func TestGetTilePNG(t *testing.T) {
	s := newService(t)
	data, err := s.GetTilePNG(context.Background(), 0, 1, 2, "")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	// Edge tile (1,2) is clipped to 4x4.
	require.Equal(t, 4, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())

	_, err = s.GetTilePNG(context.Background(), 0, 2, 0, "")
	require.True(t, errors.Is(err, engine.ErrOutOfRange), "got %v", err)
}

func TestGetViewStats(t *testing.T) {
	s := newService(t)
	data, err := s.GetViewStats(context.Background(), view.Region{Row: 1, Col: 1, Height: 2, Width: 2})
	require.NoError(t, err)

	var st ViewStats
	require.NoError(t, json.Unmarshal(data, &st))
	// Pixels 21, 22, 41, 42.
	require.Equal(t, 4, st.Count)
	require.Equal(t, 21.0, st.Min)
	require.Equal(t, 42.0, st.Max)
	require.InDelta(t, 31.5, st.Mean, 1e-9)
	require.InDelta(t, math.Sqrt(100.25), st.Std, 1e-9)
	require.Equal(t, view.Ghost{Top: 1, Left: 1}, st.Ghost)
	require.Equal(t, view.Rect{Row: 0, Col: 0, Height: 5, Width: 5}, st.Rect)

	_, err = s.GetViewStats(context.Background(), view.Region{Row: 10, Col: 0, Height: 4, Width: 4})
	require.ErrorIs(t, err, engine.ErrOutOfRange)
}

func TestStoreImageLogsRejectedEntry(t *testing.T) {
	s := newService(t)
	small, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 1, ImageTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { small.Close() })
	s.cache = small

	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	// One shard of a 1 MiB cache holds 16 KiB; a larger entry is refused.
	s.storeImage("big", make([]byte, 64<<10))
	require.Contains(t, buf.String(), "[ViewService] Failed to cache image big")
	_, ok := small.GetImage("big")
	require.False(t, ok)

	buf.Reset()
	s.storeImage("small", []byte("png"))
	require.Empty(t, buf.String())
	data, ok := small.GetImage("small")
	require.True(t, ok)
	require.Equal(t, []byte("png"), data)
}
