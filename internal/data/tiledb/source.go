// Package tiledb serves image pyramids stored as dense 2-D TileDB arrays,
// one array per level (<uri>/level_0, <uri>/level_1, ...) with dimensions
// "row" and "col". The array tile extents are the pyramid tiles.
package tiledb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultAttribute is the pixel attribute read when none is configured.
const DefaultAttribute = "intensity"

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build with: go build -tags tiledb)")

// ResolveURI cleans a local pyramid path and checks that level 0 exists.
// Remote URIs (s3://, tiledb://) are passed through unchanged.
func ResolveURI(uri string) (string, error) {
	p := strings.TrimSpace(uri)
	if p == "" {
		return "", errors.New("empty tiledb uri")
	}
	if strings.Contains(p, "://") {
		return strings.TrimSuffix(p, "/"), nil
	}
	p = filepath.Clean(os.ExpandEnv(p))
	if _, err := os.Stat(LevelURI(p, 0)); err != nil {
		return "", fmt.Errorf("tiledb pyramid not found at %s: %w", p, err)
	}
	return p, nil
}

// LevelURI returns the array URI of one level.
func LevelURI(base string, level int) string {
	return fmt.Sprintf("%s/level_%d", base, level)
}
