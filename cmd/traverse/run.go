package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"

	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/traversal"
	"github.com/haloview/server/internal/view"
)

type runCmd struct {
	path      string
	format    string
	tileSize  int
	level     int
	order     string
	radius    int
	ghost     string
	ghostFill float64
	budgetMB  int
	workers   int
	retain    int
	ordered   bool
}

func (c *runCmd) Name() string     { return "run" }
func (c *runCmd) Synopsis() string { return "stream haloed views over every tile of a level" }
func (c *runCmd) Usage() string {
	return "traverse run -i <path> [-level n] [-order snake|naive|diagonal|spiral|hilbert] [-radius px]\n"
}
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "i", "", "Input pyramid or image")
	f.StringVar(&c.format, "f", "", "Input format (zarr, imagefile, tiledb); deduced from the path if empty")
	f.IntVar(&c.tileSize, "tile", 256, "Tile size for imagefile inputs")
	f.IntVar(&c.level, "level", 0, "Pyramid level")
	f.StringVar(&c.order, "order", "snake", "Traversal order")
	f.IntVar(&c.radius, "radius", 16, "Halo radius in pixels")
	f.StringVar(&c.ghost, "ghost", "replicate", "Ghost policy (constant, replicate)")
	f.Float64Var(&c.ghostFill, "fill", 0, "Fill value for the constant ghost policy")
	f.IntVar(&c.budgetMB, "budget", 256, "Memory budget in MiB")
	f.IntVar(&c.workers, "workers", 4, "Workers per pipeline stage")
	f.IntVar(&c.retain, "retain", 0, "Freed tiles to keep as copies outside the budget; 0 disables")
	f.BoolVar(&c.ordered, "ordered", false, "Deliver views in request order")
}

func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.path == "" {
		slog.Error("missing input path")
		return subcommands.ExitUsageError
	}
	if err := c.run(ctx); err != nil {
		slog.Error("traversal failed", "err", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *runCmd) run(ctx context.Context) error {
	order, err := traversal.Parse(c.order)
	if err != nil {
		return err
	}
	ghost, err := view.ParseGhostPolicy(c.ghost, float32(c.ghostFill))
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(c.path, c.format, c.tileSize)
	if err != nil {
		return err
	}
	defer closeSrc()

	eng, err := engine.New(engine.Config[float32]{
		Source:        src,
		Radius:        c.radius,
		MemoryBudget:  int64(c.budgetMB) << 20,
		Workers:       c.workers,
		Ghost:         ghost,
		PreserveOrder: c.ordered,
		RetainTiles:   c.retain,
		Logger:        slog.Default().With("component", "engine"),
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	total, err := eng.RequestAllTiles(c.level, order)
	eng.FinishedRequestingTiles()
	if err != nil {
		return err
	}
	slog.Info("requested views", "path", c.path, "level", c.level, "order", order, "views", total, "radius", c.radius, "ghost", ghost)

	bar := progressbar.NewOptions(total, progressbar.OptionShowIts(), progressbar.OptionShowCount())
	var delivered, failed int
	var pixels int64
	for {
		v, err := eng.RetrieveView(ctx)
		if errors.Is(err, engine.ErrDrained) {
			break
		}
		var readErr *engine.TileReadError
		switch {
		case errors.As(err, &readErr):
			failed++
			slog.Warn("view failed", "seq", readErr.Seq, "region", readErr.Region, "tile", readErr.Key, "err", readErr.Err)
		case err != nil:
			return err
		default:
			delivered++
			pixels += int64(v.Width() * v.Height())
			v.Release()
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Println()

	elapsed := time.Since(start)
	hm := eng.HitMiss(c.level)
	st := eng.Stats()
	fmt.Printf("views:    %d delivered, %d failed in %s (%.1f views/s)\n",
		delivered, failed, elapsed.Round(time.Millisecond), float64(delivered)/elapsed.Seconds())
	fmt.Printf("pixels:   %d assembled\n", pixels)
	fmt.Printf("tiles:    %d hits, %d misses, %d retained hits, %d failures\n",
		hm.Hits, hm.Misses, hm.RetainedHits, hm.Failures)
	fmt.Printf("memory:   peak %d of %d bytes\n", st.Memory.Peak, st.Memory.Budget)
	if c.retain > 0 {
		fmt.Printf("retained: %d tile copies held outside the budget\n", st.Cache.Retained)
	}
	if failed > 0 {
		return fmt.Errorf("%d views failed", failed)
	}
	return nil
}
