// Command traverse streams haloed views over every tile of a pyramid level
// and reports throughput and cache behaviour.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"github.com/haloview/server/internal/data/imagefile"
	"github.com/haloview/server/internal/data/tiledb"
	"github.com/haloview/server/internal/data/zarr"
	"github.com/haloview/server/internal/tile"
)

var verbose = flag.Bool("v", false, "Log engine debug output")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&demoCmd{}, "")

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(int(subcommands.Execute(context.Background())))
}

// openSource opens path as float32 tiles, picking the reader from format or,
// when format is empty, from the path.
func openSource(path, format string, tileSize int) (tile.Source[float32], func(), error) {
	if format == "" {
		format = deduceFormat(path)
	}
	switch format {
	case "zarr":
		r, err := zarr.NewReader[float32](path)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "tiledb":
		s, err := tiledb.NewSource[float32](path, tiledb.DefaultAttribute)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "imagefile":
		s, err := imagefile.Open[float32](path, imagefile.Options{TileWidth: tileSize, TileHeight: tileSize})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown format %q", format)
}

func deduceFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".png":
		return "imagefile"
	case ".tdb", ".tiledb":
		return "tiledb"
	}
	return "zarr"
}
