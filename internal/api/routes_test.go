package api

import (
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/haloview/server/internal/cache"
	"github.com/haloview/server/internal/data/zarr"
	"github.com/haloview/server/internal/engine"
	"github.com/haloview/server/internal/render"
	"github.com/haloview/server/internal/service"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/view"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	registry *DatasetRegistry
	cache    *cache.Manager
}

// writeTestStore writes a 40x24 two-level pyramid with 16x16 tiles.
func writeTestStore(t *testing.T) string {
	t.Helper()
	const w, h = 40, 24
	pix := make([]uint16, w*h)
	for i := range pix {
		pix[i] = uint16(i)
	}
	src, err := tile.NewMemorySource(pix, w, h, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	half := make([]uint16, 20*12)
	for i := range half {
		half[i] = uint16(i)
	}
	if err := src.AddLevel(half, 20, 12, 16, 16); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "demo.zarr")
	if err := zarr.WriteSource(context.Background(), dir, src, zarr.WriteOptions{Compress: true}); err != nil {
		t.Fatalf("failed to write test store: %v", err)
	}
	return dir
}

func newTestService(t *testing.T, id string, c *cache.Manager) *service.ViewService {
	t.Helper()
	reader, err := zarr.NewReader[float32](writeTestStore(t))
	if err != nil {
		t.Fatalf("Failed to initialize Zarr reader: %v", err)
	}
	t.Cleanup(func() { reader.Close() })

	eng, err := engine.New(engine.Config[float32]{
		Source:       reader,
		Radius:       4,
		MemoryBudget: 1 << 20,
		Workers:      2,
		Ghost:        view.Constant[float32](0),
	})
	if err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}

	r, err := render.NewRenderer(render.Config{DefaultColormap: "viridis", Outline: true})
	if err != nil {
		t.Fatal(err)
	}
	return service.NewViewService(service.ViewServiceConfig{
		DatasetID: id,
		Format:    "zarr",
		Ghost:     view.Constant[float32](0),
		Engine:    eng,
		Cache:     c,
		Renderer:  r,
	})
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T, jm *JobManager) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 16,
		ImageTTL:         5 * time.Minute,
		QueryCacheSize:   100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	registry := NewDatasetRegistry("", "")
	registry.Register("demo", "Demo image", newTestService(t, "demo", cacheManager))
	registry.Register("other", "", newTestService(t, "other", cacheManager))

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
	})
	ts := &testServer{
		server:   httptest.NewServer(router),
		registry: registry,
		cache:    cacheManager,
	}
	t.Cleanup(func() {
		ts.server.Close()
		registry.Close()
		cacheManager.Close()
	})
	return ts
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	resp := ts.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("expected body 'OK', got '%s'", string(body))
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	var payload struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
		Title    string        `json:"title"`
	}
	decodeJSON(t, ts.get(t, "/api/datasets"), &payload)

	if payload.Default != "demo" {
		t.Errorf("expected default demo, got %q", payload.Default)
	}
	if len(payload.Datasets) != 2 || payload.Datasets[0].Name != "Demo image" || payload.Datasets[1].Name != "other" {
		t.Errorf("unexpected datasets %+v", payload.Datasets)
	}
	if payload.Datasets[0].Levels != 2 {
		t.Errorf("expected 2 levels, got %d", payload.Datasets[0].Levels)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	for _, path := range []string{"/api/metadata", "/d/other/api/metadata"} {
		var md service.Metadata
		decodeJSON(t, ts.get(t, path), &md)
		if md.Radius != 4 || len(md.Levels) != 2 || md.DataType != "uint16" {
			t.Errorf("%s: unexpected metadata %+v", path, md)
		}
		if md.Levels[0].ImageWidth != 40 || md.Levels[1].ImageWidth != 20 {
			t.Errorf("%s: unexpected levels %+v", path, md.Levels)
		}
	}
}

func TestUnknownDataset(t *testing.T) {
	ts := setupTestServer(t, nil)
	resp := ts.get(t, "/d/missing/api/metadata")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestViewEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	resp := ts.get(t, "/views/0/0/0/10/12.png?colormap=magma")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("failed to decode PNG: %v", err)
	}
	// The image covers the halo-expanded rectangle.
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 18 {
		t.Fatalf("unexpected image size %v", b)
	}
}

func TestViewEndpointErrors(t *testing.T) {
	ts := setupTestServer(t, nil)
	for _, tt := range []struct {
		path string
		code int
	}{
		{"/views/0/20/0/10/10.png", http.StatusNotFound},
		{"/views/5/0/0/1/1.png", http.StatusNotFound},
		{"/views/0/x/0/1/1.png", http.StatusBadRequest},
		{"/api/views/0/0/0/0/4", http.StatusNotFound},
	} {
		if resp := ts.get(t, tt.path); resp.StatusCode != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, resp.StatusCode)
		}
	}
}

func TestTileEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	resp := ts.get(t, "/d/demo/tiles/0/1/2.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("failed to decode PNG: %v", err)
	}
	// Edge tile (1,2) of a 40x24 image with 16px tiles is 8x8.
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Fatalf("unexpected tile size %v", b)
	}
}

func TestViewStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	var st service.ViewStats
	decodeJSON(t, ts.get(t, "/api/views/0/0/0/2/2"), &st)
	// Pixels 0, 1, 40, 41.
	if st.Count != 4 || st.Min != 0 || st.Max != 41 || st.Mean != 20.5 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.Ghost != (view.Ghost{Top: 4, Left: 4}) {
		t.Fatalf("unexpected ghost %+v", st.Ghost)
	}

	var stats map[string]any
	decodeJSON(t, ts.get(t, "/api/stats"), &stats)
	if stats["dataset_id"] != "demo" {
		t.Fatalf("unexpected stats payload %v", stats)
	}
	if _, ok := stats["engine"].(map[string]any); !ok {
		t.Fatalf("missing engine stats in %v", stats)
	}
}

func TestJobsWithoutManager(t *testing.T) {
	ts := setupTestServer(t, nil)
	resp := ts.get(t, "/api/jobs")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}
