package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/google/subcommands"

	"github.com/haloview/server/internal/data/imagefile"
	"github.com/haloview/server/internal/data/zarr"
)

type demoCmd struct {
	outputPath string
	width      int
	height     int
	tileSize   int
	levels     int
	compress   bool
}

func (c *demoCmd) Name() string     { return "demo" }
func (c *demoCmd) Synopsis() string { return "write a synthetic zarr pyramid" }
func (c *demoCmd) Usage() string {
	return "traverse demo -o <path> [-width px -height px -tile px -levels n]\n"
}
func (c *demoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.outputPath, "o", "demo.zarr", "Output zarr store")
	f.IntVar(&c.width, "width", 4096, "Image width")
	f.IntVar(&c.height, "height", 4096, "Image height")
	f.IntVar(&c.tileSize, "tile", 256, "Tile (chunk) size")
	f.IntVar(&c.levels, "levels", 0, "Pyramid levels; 0 halves until one tile remains")
	f.BoolVar(&c.compress, "zstd", true, "Compress chunks with zstd")
}

func (c *demoCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	src, err := imagefile.FromImage[uint16](imagefile.Pattern(c.width, c.height), imagefile.Options{
		TileWidth:  c.tileSize,
		TileHeight: c.tileSize,
		Levels:     c.levels,
	})
	if err != nil {
		slog.Error("failed to build pattern", "err", err)
		return subcommands.ExitFailure
	}
	if err := zarr.WriteSource(ctx, c.outputPath, src, zarr.WriteOptions{Compress: c.compress}); err != nil {
		slog.Error("failed to write store", "path", c.outputPath, "err", err)
		return subcommands.ExitFailure
	}
	slog.Info("wrote demo store", "path", c.outputPath, "width", c.width, "height", c.height, "levels", src.LevelCount())
	return subcommands.ExitSuccess
}
