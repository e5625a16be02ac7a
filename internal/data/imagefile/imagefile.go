// Package imagefile builds an in-memory tile pyramid from a single TIFF or
// PNG image. Coarser levels are produced by halving with bilinear sampling.
package imagefile

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/haloview/server/internal/tile"
)

// Options control pyramid construction.
type Options struct {
	TileWidth  int
	TileHeight int
	// Levels caps the pyramid depth. Zero keeps halving until a level fits
	// in one tile.
	Levels int
}

// Open decodes the image at path and builds its pyramid.
func Open[T tile.Pixel](path string, opts Options) (*tile.MemorySource[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	src, err := FromImage[T](img, opts)
	if err != nil {
		return nil, fmt.Errorf("%s image %s: %w", format, path, err)
	}
	return src, nil
}

// FromImage builds a pyramid from img. Pixels are converted to grayscale:
// 8-bit for one-byte pixel types, 16-bit otherwise.
func FromImage[T tile.Pixel](img image.Image, opts Options) (*tile.MemorySource[T], error) {
	if opts.TileWidth <= 0 || opts.TileHeight <= 0 {
		return nil, fmt.Errorf("invalid tile size %dx%d", opts.TileWidth, opts.TileHeight)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	var src *tile.MemorySource[T]
	cur := toGray[T](img, b.Dx(), b.Dy())
	for lvl := 0; ; lvl++ {
		w, h := cur.Bounds().Dx(), cur.Bounds().Dy()
		pix := pixels[T](cur)
		if src == nil {
			var err error
			if src, err = tile.NewMemorySource(pix, w, h, opts.TileWidth, opts.TileHeight); err != nil {
				return nil, err
			}
		} else if err := src.AddLevel(pix, w, h, opts.TileWidth, opts.TileHeight); err != nil {
			return nil, err
		}

		if opts.Levels > 0 && lvl+1 >= opts.Levels {
			break
		}
		if opts.Levels == 0 && w <= opts.TileWidth && h <= opts.TileHeight {
			break
		}
		if w == 1 && h == 1 {
			break
		}
		cur = half[T](cur)
	}
	return src, nil
}

func toGray[T tile.Pixel](img image.Image, w, h int) draw.Image {
	var dst draw.Image
	if tile.ElemSize[T]() == 1 {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewGray16(image.Rect(0, 0, w, h))
	}
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

func half[T tile.Pixel](img draw.Image) draw.Image {
	b := img.Bounds()
	w, h := max(1, (b.Dx()+1)/2), max(1, (b.Dy()+1)/2)
	var dst draw.Image
	if tile.ElemSize[T]() == 1 {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewGray16(image.Rect(0, 0, w, h))
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func pixels[T tile.Pixel](img draw.Image) []T {
	b := img.Bounds()
	out := make([]T, 0, b.Dx()*b.Dy())
	switch g := img.(type) {
	case *image.Gray:
		for y := range b.Dy() {
			for _, v := range g.Pix[y*g.Stride : y*g.Stride+b.Dx()] {
				out = append(out, T(v))
			}
		}
	case *image.Gray16:
		for y := range b.Dy() {
			row := g.Pix[y*g.Stride : y*g.Stride+2*b.Dx()]
			for x := 0; x < len(row); x += 2 {
				out = append(out, T(uint16(row[x])<<8|uint16(row[x+1])))
			}
		}
	}
	return out
}

// Pattern returns a synthetic 16-bit test image: smooth gradients with a
// ring pattern, so neighbouring tiles differ visibly.
func Pattern(width, height int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	cx, cy := float64(width)/2, float64(height)/2
	for y := range height {
		for x := range width {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			v := 0.5 + 0.25*math.Sin(d/8) + 0.25*float64(x+y)/float64(width+height)
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 0xFFFF))})
		}
	}
	return img
}
