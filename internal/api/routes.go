// Package api provides HTTP handlers for the HaloView server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/haloview/server/internal/cache"
	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/jobstore"
	"github.com/haloview/server/internal/service"
	"github.com/haloview/server/internal/view"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	Cache       *cache.Manager
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))
		datasetRoutes(r, cfg)
	})

	// The same routes without a prefix serve the default dataset.
	r.Group(func(r chi.Router) {
		r.Use(defaultDatasetMiddleware(cfg.Registry))
		datasetRoutes(r, cfg)
	})

	return r
}

func datasetRoutes(r chi.Router, cfg RouterConfig) {
	r.Get("/views/{level}/{row}/{col}/{height}/{width}.png", viewPNGHandler)
	r.Get("/tiles/{level}/{row}/{col}.png", tilePNGHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata", metadataHandler)
		r.Get("/stats", statsHandler(cfg.Cache))
		r.Get("/views/{level}/{row}/{col}/{height}/{width}", viewStatsHandler)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobSubmitHandler(cfg.JobManager))
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/results", jobResultsHandler(cfg.JobManager))
			r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
		})
	})
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from the URL and injects its view
// service into the context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func defaultDatasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svc := registry.Default()
			if svc == nil {
				http.Error(w, "no default dataset configured", http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.ViewService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.ViewService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var readErr *engine.TileReadError
	switch {
	case errors.Is(err, engine.ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrRequestTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.As(err, &readErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrUsage):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// parseIntParams reads the named URL params as integers.
func parseIntParams(r *http.Request, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(chi.URLParam(r, name))
		if err != nil {
			return nil, errors.New("invalid " + name)
		}
		out[i] = v
	}
	return out, nil
}

func parseRegion(r *http.Request) (view.Region, error) {
	v, err := parseIntParams(r, "level", "row", "col", "height", "width")
	if err != nil {
		return view.Region{}, err
	}
	return view.Region{Level: v[0], Row: v[1], Col: v[2], Height: v[3], Width: v[4]}, nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	md, err := svc.Metadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, md)
}

func statsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		resp := map[string]interface{}{
			"dataset_id": svc.DatasetID(),
			"engine":     svc.Engine().Stats(),
		}
		if c != nil {
			resp["cache"] = c.Stats()
		}
		writeJSON(w, resp)
	}
}

func viewPNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	region, err := parseRegion(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := svc.GetViewPNG(r.Context(), region, r.URL.Query().Get("colormap"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writePNG(w, data)
}

func tilePNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	v, err := parseIntParams(r, "level", "row", "col")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := svc.GetTilePNG(r.Context(), v[0], v[1], v[2], r.URL.Query().Get("colormap"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writePNG(w, data)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func viewStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	region, err := parseRegion(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := svc.GetViewStats(r.Context(), region)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Traversal job handlers

type jobSubmitRequest struct {
	Level         int              `json:"level"`
	Order         string           `json:"order"`
	Bounds        *jobstore.Bounds `json:"bounds"`
	Radius        *int             `json:"radius"`
	Ghost         string           `json:"ghost"`
	GhostFill     float64          `json:"ghost_fill"`
	PreserveOrder bool             `json:"preserve_order"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getDatasetService(r)

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		params := jobstore.JobParams{
			DatasetID:     svc.DatasetID(),
			Level:         req.Level,
			Order:         strings.ToLower(req.Order),
			Bounds:        req.Bounds,
			Radius:        req.Radius,
			Ghost:         req.Ghost,
			GhostFill:     req.GhostFill,
			PreserveOrder: req.PreserveOrder,
		}
		if err := ValidateJobParams(svc, params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(params)
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.Store().ListJobsByDataset(getDatasetService(r).DatasetID())
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, map[string]interface{}{"jobs": jobs})
	}
}

// datasetJob loads the job named in the URL if it belongs to the request's
// dataset. It writes the error response and returns nil otherwise.
func datasetJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != getDatasetService(r).DatasetID() {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, job)
	}
}

func jobResultsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(jm, w, r)
		if job == nil {
			return
		}

		offset, limit := 0, 100
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = min(v, 1000)
			}
		}

		items, total, err := jm.Store().QueryResults(job.ID, r.URL.Query().Get("order_by"), offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []*jobstore.ViewResult{}
		}

		writeJSON(w, map[string]interface{}{
			"job_id":   job.ID,
			"status":   job.Status,
			"progress": job.Progress,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"items":    items,
		})
	}
}

func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(jm, w, r)
		if job == nil {
			return
		}
		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}
