// Package render turns view and tile buffers into colormapped PNG images
// using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
	"github.com/haloview/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	// Outline strokes the region boundary on views that carry a halo.
	Outline bool
}

// Renderer encodes pixel buffers as PNG.
type Renderer struct {
	config     Config
	cmap       colormap.Colormap
	bufferPool sync.Pool
}

// NewRenderer creates a renderer. An unknown default colormap is an error.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	cmap, ok := colormap.Get(cfg.DefaultColormap)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", cfg.DefaultColormap)
	}
	return &Renderer{
		config: cfg,
		cmap:   cmap,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}, nil
}

// Colormap resolves name, falling back to the default colormap.
func (r *Renderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.Get(name); ok {
		return c
	}
	return r.cmap
}

// Range returns the finite minimum and maximum of pix. It returns 0, 0 when
// pix has no finite values.
func Range[T tile.Pixel](pix []T) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range pix {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo, hi = min(lo, f), max(hi, f)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// View renders the whole expanded buffer of v. Intensities are normalized to
// the range of the region interior so ghost fill values do not skew them.
func View[T tile.Pixel](r *Renderer, v *view.View[T], cmapName string) ([]byte, error) {
	lo, hi := Range(v.Interior())
	img := colorize(v.Data(), v.Width(), v.Height(), lo, hi, r.Colormap(cmapName))

	var outline image.Rectangle
	if r.config.Outline && v.Radius() > 0 {
		reg := v.Region()
		outline = image.Rect(v.Radius(), v.Radius(), v.Radius()+reg.Width, v.Radius()+reg.Height)
	}
	return r.encode(img, outline)
}

// Region renders only the requested region of v, without its halo.
func Region[T tile.Pixel](r *Renderer, v *view.View[T], cmapName string) ([]byte, error) {
	reg := v.Region()
	pix := make([]T, 0, reg.Height*reg.Width)
	for y := range reg.Height {
		for x := range reg.Width {
			pix = append(pix, v.At(y, x))
		}
	}
	lo, hi := Range(pix)
	return r.encode(colorize(pix, reg.Width, reg.Height, lo, hi, r.Colormap(cmapName)), image.Rectangle{})
}

func colorize[T tile.Pixel](pix []T, w, h int, lo, hi float64, cmap colormap.Colormap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	span := hi - lo
	if span == 0 {
		span = 1
	}
	for y := range h {
		for x := range w {
			img.Set(x, y, cmap.At((float64(pix[y*w+x])-lo)/span))
		}
	}
	return img
}

func (r *Renderer) encode(img *image.RGBA, outline image.Rectangle) ([]byte, error) {
	if !outline.Empty() {
		dc := gg.NewContextForRGBA(img)
		dc.SetRGBA(1, 0, 0, 0.8)
		dc.SetLineWidth(1)
		dc.DrawRectangle(float64(outline.Min.X)+0.5, float64(outline.Min.Y)+0.5,
			float64(outline.Dx()-1), float64(outline.Dy()-1))
		dc.Stroke()
	}

	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy out; the buffer is reused.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
