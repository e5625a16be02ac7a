// Package view plans haloed view requests against a pyramid level, computes
// the tiles that cover them and stitches those tiles into a view buffer.
package view

import (
	"errors"
	"fmt"

	"github.com/haloview/server/internal/tile"
)

// ErrOutOfRange is returned for a region that does not lie inside the image
// at its level, or that names a level the pyramid does not have.
var ErrOutOfRange = errors.New("view: region out of range")

// Region is a requested area of one pyramid level, before halo expansion.
type Region struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Height int `json:"height"`
	Width  int `json:"width"`
	Level  int `json:"level"`
}

func (r Region) String() string {
	return fmt.Sprintf("[%d+%d, %d+%d]@%d", r.Row, r.Height, r.Col, r.Width, r.Level)
}

// Rect is an axis-aligned rectangle in image pixel coordinates. It may extend
// past the image.
type Rect struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Bottom is the exclusive end row.
func (r Rect) Bottom() int { return r.Row + r.Height }

// Right is the exclusive end column.
func (r Rect) Right() int { return r.Col + r.Width }

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Height <= 0 || r.Width <= 0 }

// Area is the pixel count of r.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Height * r.Width
}

// Intersect returns the overlap of r and o.
func (r Rect) Intersect(o Rect) Rect {
	top, left := max(r.Row, o.Row), max(r.Col, o.Col)
	bottom, right := min(r.Bottom(), o.Bottom()), min(r.Right(), o.Right())
	if bottom <= top || right <= left {
		return Rect{}
	}
	return Rect{Row: top, Col: left, Height: bottom - top, Width: right - left}
}

// Ghost is how far the expanded rectangle overruns the image on each side.
type Ghost struct {
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
	Right  int `json:"right"`
}

// Any reports whether there is any ghost region.
func (g Ghost) Any() bool { return g.Top+g.Bottom+g.Left+g.Right > 0 }

// Request is a validated view request: the region, its halo-expanded
// rectangle, the part of it inside the image and the ghost widths.
type Request struct {
	Region   Region        `json:"region"`
	Radius   int           `json:"radius"`
	Geometry tile.Geometry `json:"geometry"`
	Expanded Rect          `json:"expanded"`
	Clipped  Rect          `json:"clipped"`
	Ghost    Ghost         `json:"ghost"`
}

// Elems is the element count of the view buffer, which spans the whole
// expanded rectangle.
func (q Request) Elems() int { return q.Expanded.Area() }

// Plan validates region against geom and derives the haloed request.
func Plan(geom tile.Geometry, region Region, radius int) (Request, error) {
	if radius < 0 {
		return Request{}, fmt.Errorf("view: negative radius %d", radius)
	}
	if region.Height <= 0 || region.Width <= 0 {
		return Request{}, fmt.Errorf("%w: empty region %s", ErrOutOfRange, region)
	}
	image := Rect{Height: geom.ImageHeight, Width: geom.ImageWidth}
	rr := Rect{Row: region.Row, Col: region.Col, Height: region.Height, Width: region.Width}
	if rr.Intersect(image) != rr {
		return Request{}, fmt.Errorf("%w: %s outside %dx%d image", ErrOutOfRange, region, geom.ImageHeight, geom.ImageWidth)
	}

	exp := Rect{
		Row:    region.Row - radius,
		Col:    region.Col - radius,
		Height: region.Height + 2*radius,
		Width:  region.Width + 2*radius,
	}
	return Request{
		Region:   region,
		Radius:   radius,
		Geometry: geom,
		Expanded: exp,
		Clipped:  exp.Intersect(image),
		Ghost: Ghost{
			Top:    max(0, -exp.Row),
			Bottom: max(0, exp.Bottom()-geom.ImageHeight),
			Left:   max(0, -exp.Col),
			Right:  max(0, exp.Right()-geom.ImageWidth),
		},
	}, nil
}

// Coverage returns the tiles intersecting rect, rows then columns. rect is
// clipped to the image first.
func Coverage(geom tile.Geometry, rect Rect, level int) []tile.Key {
	rect = rect.Intersect(Rect{Height: geom.ImageHeight, Width: geom.ImageWidth})
	if rect.Empty() {
		return nil
	}
	r0, r1 := rect.Row/geom.TileHeight, (rect.Bottom()-1)/geom.TileHeight
	c0, c1 := rect.Col/geom.TileWidth, (rect.Right()-1)/geom.TileWidth
	keys := make([]tile.Key, 0, (r1-r0+1)*(c1-c0+1))
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			keys = append(keys, tile.Key{Row: r, Col: c, Level: level})
		}
	}
	return keys
}

// Coverage returns the tiles the request reads.
func (q Request) Coverage() []tile.Key {
	return Coverage(q.Geometry, q.Clipped, q.Region.Level)
}
