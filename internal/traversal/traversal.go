// Package traversal orders the tiles of a pyramid level for bulk requests.
// Orders that keep consecutive tiles adjacent let neighbouring views share
// cached tiles.
package traversal

import (
	"fmt"
	"strings"

	"github.com/google/hilbert"

	"github.com/haloview/server/internal/tile"
)

// Order is a tile traversal order.
type Order int

const (
	Snake Order = iota
	Naive
	Diagonal
	Spiral
	Hilbert
)

var names = map[Order]string{
	Snake:    "snake",
	Naive:    "naive",
	Diagonal: "diagonal",
	Spiral:   "spiral",
	Hilbert:  "hilbert",
}

func (o Order) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// Parse maps a name to an Order. The empty string selects Snake.
func Parse(s string) (Order, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Snake, nil
	}
	for o, n := range names {
		if n == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("traversal: unknown order %q", s)
}

// Keys returns every tile of a rows x cols grid exactly once, in order o.
func Keys(o Order, rows, cols, level int) ([]tile.Key, error) {
	if rows <= 0 || cols <= 0 {
		return nil, nil
	}
	keys := make([]tile.Key, 0, rows*cols)
	add := func(r, c int) { keys = append(keys, tile.Key{Row: r, Col: c, Level: level}) }

	switch o {
	case Naive:
		for r := range rows {
			for c := range cols {
				add(r, c)
			}
		}
	case Snake:
		for r := range rows {
			for i := range cols {
				if r%2 == 0 {
					add(r, i)
				} else {
					add(r, cols-1-i)
				}
			}
		}
	case Diagonal:
		// Anti-diagonals, each walked from bottom-left to top-right.
		for s := 0; s <= rows+cols-2; s++ {
			for r := min(s, rows-1); r >= 0 && s-r < cols; r-- {
				add(r, s-r)
			}
		}
	case Spiral:
		spiral(rows, cols, add)
	case Hilbert:
		if err := hilbertOrder(rows, cols, add); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("traversal: unknown order %d", int(o))
	}
	return keys, nil
}

// spiral walks clockwise from the top-left corner towards the centre.
func spiral(rows, cols int, add func(r, c int)) {
	top, bottom, left, right := 0, rows-1, 0, cols-1
	for top <= bottom && left <= right {
		for c := left; c <= right; c++ {
			add(top, c)
		}
		for r := top + 1; r <= bottom; r++ {
			add(r, right)
		}
		if top < bottom {
			for c := right - 1; c >= left; c-- {
				add(bottom, c)
			}
		}
		if left < right {
			for r := bottom - 1; r > top; r-- {
				add(r, left)
			}
		}
		top, bottom, left, right = top+1, bottom-1, left+1, right-1
	}
}

func hilbertOrder(rows, cols int, add func(r, c int)) error {
	side := 1
	for side < max(rows, cols) {
		side <<= 1
	}
	h, err := hilbert.NewHilbert(side)
	if err != nil {
		return fmt.Errorf("traversal: hilbert curve of side %d: %w", side, err)
	}
	for d := range side * side {
		x, y, err := h.Map(d)
		if err != nil {
			return fmt.Errorf("traversal: hilbert map %d: %w", d, err)
		}
		if y < rows && x < cols {
			add(y, x)
		}
	}
	return nil
}
