// Package service provides the business logic behind the HTTP surface:
// rendering views and tiles of a dataset and summarizing view contents.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"

	"github.com/haloview/server/internal/cache"
	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/render"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
	"github.com/haloview/server/pkg/colormap"
)

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	DatasetID string
	Name      string
	Format    string
	Ghost     view.GhostPolicy[float32]
	Engine    *engine.Engine[float32]
	Cache     *cache.Manager
	Renderer  *render.Renderer
}

// ViewService serves rendered views of one dataset. It owns the engine.
type ViewService struct {
	datasetID string
	name      string
	format    string
	ghost     view.GhostPolicy[float32]
	engine    *engine.Engine[float32]
	cache     *cache.Manager
	renderer  *render.Renderer
}

// Metadata describes a dataset.
type Metadata struct {
	DatasetID string          `json:"dataset_id"`
	Name      string          `json:"name,omitempty"`
	Format    string          `json:"format"`
	DataType  string          `json:"dtype,omitempty"`
	Radius    int             `json:"radius"`
	Ghost     string          `json:"ghost"`
	Levels    []tile.Geometry `json:"levels"`
	Colormaps []string        `json:"colormaps"`
}

// ViewStats summarizes the region pixels of one view.
type ViewStats struct {
	Region   view.Region `json:"region"`
	Radius   int         `json:"radius"`
	Rect     view.Rect   `json:"rect"`
	Expanded view.Rect   `json:"expanded"`
	Ghost    view.Ghost  `json:"ghost"`
	Tiles    []tile.Key  `json:"tiles"`
	Count    int         `json:"count"`
	NaNs     int         `json:"nan_count"`
	Min      float64     `json:"min"`
	Max      float64     `json:"max"`
	Mean     float64     `json:"mean"`
	Std      float64     `json:"std"`
}

// NewViewService creates a new view service.
func NewViewService(cfg ViewServiceConfig) *ViewService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	return &ViewService{
		datasetID: datasetID,
		name:      cfg.Name,
		format:    cfg.Format,
		ghost:     cfg.Ghost,
		engine:    cfg.Engine,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
	}
}

// DatasetID returns the dataset identifier.
func (s *ViewService) DatasetID() string { return s.datasetID }

// Ghost returns the ghost policy of the dataset.
func (s *ViewService) Ghost() view.GhostPolicy[float32] { return s.ghost }

// Engine returns the engine serving this dataset.
func (s *ViewService) Engine() *engine.Engine[float32] { return s.engine }

// Metadata returns dataset metadata.
func (s *ViewService) Metadata() (*Metadata, error) {
	src := s.engine.Source()
	md := &Metadata{
		DatasetID: s.datasetID,
		Name:      s.name,
		Format:    s.format,
		Radius:    s.engine.Radius(),
		Ghost:     s.ghost.String(),
		Colormaps: colormap.Names(),
	}
	if typed, ok := src.(interface{ DataType(level int) string }); ok {
		md.DataType = typed.DataType(0)
	}
	for lvl := range src.LevelCount() {
		g, err := src.Geometry(lvl)
		if err != nil {
			return nil, err
		}
		md.Levels = append(md.Levels, g)
	}
	return md, nil
}

// GetViewPNG returns the haloed view of region as a PNG.
func (s *ViewService) GetViewPNG(ctx context.Context, region view.Region, cmap string) ([]byte, error) {
	cacheKey := cache.ViewKey(s.datasetID, region, s.engine.Radius(), cmap)
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	v, err := s.engine.Fetch(ctx, region)
	if err != nil {
		return nil, err
	}
	defer v.Release()

	data, err := render.View(s.renderer, v, cmap)
	if err != nil {
		return nil, fmt.Errorf("failed to render view: %w", err)
	}
	s.storeImage(cacheKey, data)
	return data, nil
}

// storeImage caches an encoded image. A failed store only costs a re-render.
func (s *ViewService) storeImage(key string, data []byte) {
	if err := s.cache.SetImage(key, data); err != nil {
		log.Printf("[ViewService] Failed to cache image %s (%d bytes): %v", key, len(data), err)
	}
}

// GetTilePNG returns one tile, without its halo, as a PNG.
func (s *ViewService) GetTilePNG(ctx context.Context, level, row, col int, cmap string) ([]byte, error) {
	cacheKey := cache.TileKey(s.datasetID, level, row, col, cmap)
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	g, err := tile.CheckKey(s.engine.Source(), tile.Key{Row: row, Col: col, Level: level})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrOutOfRange, err)
	}
	r0, c0, r1, c1 := g.TileBounds(row, col)
	v, err := s.engine.Fetch(ctx, view.Region{Row: r0, Col: c0, Height: r1 - r0, Width: c1 - c0, Level: level})
	if err != nil {
		return nil, err
	}
	defer v.Release()

	data, err := render.Region(s.renderer, v, cmap)
	if err != nil {
		return nil, fmt.Errorf("failed to render tile: %w", err)
	}
	s.storeImage(cacheKey, data)
	return data, nil
}

// GetViewStats returns the JSON-encoded ViewStats of region.
func (s *ViewService) GetViewStats(ctx context.Context, region view.Region) ([]byte, error) {
	cacheKey := cache.StatsKey(s.datasetID, region, s.engine.Radius())
	if data, ok := s.cache.GetQuery(cacheKey); ok {
		return data, nil
	}

	v, err := s.engine.Fetch(ctx, region)
	if err != nil {
		return nil, err
	}
	st := Summarize(v)
	v.Release()

	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	s.cache.SetQuery(cacheKey, data)
	return data, nil
}

// Summarize computes ViewStats over the region pixels of v.
func Summarize[T tile.Pixel](v *view.View[T]) ViewStats {
	reg := v.Region()
	st := ViewStats{
		Region:   reg,
		Radius:   v.Radius(),
		Rect:     v.Rect(),
		Expanded: v.Expanded(),
		Ghost:    v.Ghost(),
		Tiles:    v.Tiles(),
	}
	var sum, sumSq float64
	st.Min, st.Max = math.Inf(1), math.Inf(-1)
	for y := range reg.Height {
		for x := range reg.Width {
			f := float64(v.At(y, x))
			if math.IsNaN(f) {
				st.NaNs++
				continue
			}
			st.Count++
			sum += f
			sumSq += f * f
			st.Min, st.Max = min(st.Min, f), max(st.Max, f)
		}
	}
	if st.Count == 0 {
		st.Min, st.Max = 0, 0
		return st
	}
	n := float64(st.Count)
	st.Mean = sum / n
	st.Std = math.Sqrt(max(0, sumSq/n-st.Mean*st.Mean))
	return st
}

// Close stops the engine.
func (s *ViewService) Close() {
	s.engine.Close()
}
