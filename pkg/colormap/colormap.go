// Package colormap maps normalized intensities to colors.
package colormap

import (
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Linear interpolates between evenly spaced stops.
type Linear struct {
	stops []color.RGBA
}

// At returns the color at position t, clamped to [0, 1].
func (c Linear) At(t float64) color.Color {
	if t != t || t <= 0 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}
	idx := t * float64(len(c.stops)-1)
	lo := int(idx)
	hi := min(lo+1, len(c.stops)-1)
	return lerp(c.stops[lo], c.stops[hi], idx-float64(lo))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8(float64(x) + t*(float64(y)-float64(x)) + 0.5) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Gray is a black to white ramp.
var Gray = Linear{stops: []color.RGBA{{0, 0, 0, 255}, {255, 255, 255, 255}}}

// Viridis (matplotlib viridis)
var Viridis = Linear{
	stops: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Magma (matplotlib magma)
var Magma = Linear{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Plasma (matplotlib plasma)
var Plasma = Linear{
	stops: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

var byName = map[string]Colormap{
	"gray":    Gray,
	"viridis": Viridis,
	"magma":   Magma,
	"plasma":  Plasma,
}

// Get looks up a colormap by case-insensitive name.
func Get(name string) (Colormap, bool) {
	c, ok := byName[strings.ToLower(name)]
	return c, ok
}

// Names lists the registered colormaps in sorted order.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
