package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/jobstore"
	"github.com/haloview/server/internal/service"
	"github.com/haloview/server/internal/traversal"
	"github.com/haloview/server/internal/view"
)

// JobEngineConfig sizes the engine each traversal job runs on.
type JobEngineConfig struct {
	MemoryBudget int64
	Workers      int
	RetainTiles  int
	// BatchSize is how many view results are written per transaction.
	BatchSize int
	Logger    *slog.Logger
}

// TraversalExecutor returns an Executor that walks the tiles of a dataset
// level on a private engine and stores per-view statistics.
func TraversalExecutor(reg *DatasetRegistry, cfg JobEngineConfig) Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return func(ctx context.Context, store *jobstore.Store, job *jobstore.Job) error {
		svc := reg.Get(job.Params.DatasetID)
		if svc == nil {
			return fmt.Errorf("dataset %q not found", job.Params.DatasetID)
		}
		eng, err := newJobEngine(svc, job.Params, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()
		return runTraversal(ctx, eng, store, job, cfg.BatchSize)
	}
}

func newJobEngine(svc *service.ViewService, p jobstore.JobParams, cfg JobEngineConfig) (*engine.Engine[float32], error) {
	base := svc.Engine()
	radius := base.Radius()
	if p.Radius != nil {
		radius = *p.Radius
	}
	ghost := svc.Ghost()
	if p.Ghost != "" {
		var err error
		if ghost, err = view.ParseGhostPolicy(p.Ghost, float32(p.GhostFill)); err != nil {
			return nil, err
		}
	}
	return engine.New(engine.Config[float32]{
		Source:        base.Source(),
		Radius:        radius,
		MemoryBudget:  cfg.MemoryBudget,
		Workers:       cfg.Workers,
		Ghost:         ghost,
		PreserveOrder: p.PreserveOrder,
		RetainTiles:   cfg.RetainTiles,
		Logger:        cfg.Logger,
	})
}

// ValidateJobParams checks params against the dataset before a job is queued.
func ValidateJobParams(svc *service.ViewService, p jobstore.JobParams) error {
	if _, err := traversal.Parse(p.Order); err != nil {
		return err
	}
	if p.Radius != nil && *p.Radius < 0 {
		return fmt.Errorf("negative radius %d", *p.Radius)
	}
	if _, err := view.ParseGhostPolicy(p.Ghost, float32(p.GhostFill)); err != nil {
		return err
	}
	src := svc.Engine().Source()
	if p.Level < 0 || p.Level >= src.LevelCount() {
		return fmt.Errorf("%w: level %d", engine.ErrOutOfRange, p.Level)
	}
	if b := p.Bounds; b != nil && (b.MaxRow < b.MinRow || b.MaxCol < b.MinCol) {
		return fmt.Errorf("invalid bounds %+v", *b)
	}
	return nil
}

func runTraversal(ctx context.Context, eng *engine.Engine[float32], store *jobstore.Store, job *jobstore.Job, batchSize int) error {
	p := job.Params
	order, err := traversal.Parse(p.Order)
	if err != nil {
		return err
	}

	var total int
	if b := p.Bounds; b != nil {
		total, err = eng.RequestBounds(b.MinRow, b.MinCol, b.MaxRow, b.MaxCol, p.Level)
	} else {
		total, err = eng.RequestAllTiles(p.Level, order)
	}
	eng.FinishedRequestingTiles()
	if err != nil {
		return err
	}

	progress := jobstore.JobProgress{Total: total}
	if err := store.UpdateJobProgress(job.ID, progress); err != nil {
		return err
	}

	batch := make([]*jobstore.ViewResult, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertResults(job.ID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return store.UpdateJobProgress(job.ID, progress)
	}

	// seq is the delivery index.
	for seq := 0; ; seq++ {
		v, err := eng.RetrieveView(ctx)
		if errors.Is(err, engine.ErrDrained) {
			break
		}
		var readErr *engine.TileReadError
		switch {
		case errors.As(err, &readErr):
			progress.Failed++
			batch = append(batch, resultFromReadError(seq, readErr))
		case err != nil:
			return err
		default:
			st := service.Summarize(v)
			v.Release()
			progress.Done++
			batch = append(batch, resultFromStats(seq, st))
		}
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func resultFromReadError(seq int, readErr *engine.TileReadError) *jobstore.ViewResult {
	return &jobstore.ViewResult{
		Seq:    seq,
		Row:    readErr.Region.Row,
		Col:    readErr.Region.Col,
		Height: readErr.Region.Height,
		Width:  readErr.Region.Width,
		Level:  readErr.Region.Level,
		Error:  readErr.Error(),
	}
}

func resultFromStats(seq int, st service.ViewStats) *jobstore.ViewResult {
	return &jobstore.ViewResult{
		Seq:         seq,
		Row:         st.Region.Row,
		Col:         st.Region.Col,
		Height:      st.Region.Height,
		Width:       st.Region.Width,
		Level:       st.Region.Level,
		GhostTop:    st.Ghost.Top,
		GhostBottom: st.Ghost.Bottom,
		GhostLeft:   st.Ghost.Left,
		GhostRight:  st.Ghost.Right,
		Count:       st.Count,
		Min:         st.Min,
		Max:         st.Max,
		Mean:        st.Mean,
		Std:         st.Std,
	}
}
