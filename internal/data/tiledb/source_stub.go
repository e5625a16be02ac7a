//go:build !tiledb

package tiledb

import "github.com/haloview/server/internal/tile"

// Source is unavailable without "-tags tiledb".
type Source[T tile.Pixel] struct {
	tile.Source[T]
}

// NewSource validates the pyramid path, then reports ErrUnsupported so that
// configuration errors still surface first.
func NewSource[T tile.Pixel](uri, attribute string) (*Source[T], error) {
	if _, err := ResolveURI(uri); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (s *Source[T]) Close() {}
