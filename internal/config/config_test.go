package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
  title: "Slides"
data:
  liver:
    name: "Liver section"
    path: "/data/liver.zarr"
  scan:
    format: imagefile
    path: "/data/scan.tif"
    tile_size: 512
    levels: 3
  array:
    format: TileDB
    path: "/data/array"
    attribute: intensity
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 3 {
		t.Fatalf("expected 3 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.Default != "liver" {
		t.Errorf("expected default dataset 'liver', got %q", cfg.Data.Default)
	}

	liver := cfg.Data.Datasets["liver"]
	if liver.Format != "zarr" || liver.Name != "Liver section" {
		t.Errorf("unexpected liver dataset: %+v", liver)
	}
	scan := cfg.Data.Datasets["scan"]
	if scan.TileSize != 512 || scan.Levels != 3 {
		t.Errorf("unexpected scan dataset: %+v", scan)
	}
	array := cfg.Data.Datasets["array"]
	if array.Format != "tiledb" || array.Attribute != "intensity" {
		t.Errorf("unexpected array dataset: %+v", array)
	}

	// Check order preserved
	ids := cfg.Data.DatasetIDs()
	if len(ids) != 3 || ids[0] != "liver" || ids[1] != "scan" || ids[2] != "array" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
	if cfg.Server.Title != "Slides" {
		t.Errorf("unexpected title %q", cfg.Server.Title)
	}
}

func TestLoad_ExplicitDefault(t *testing.T) {
	content := `
data:
  default: b
  a:
    path: "/a.zarr"
  b:
    path: "/b.zarr"
`
	cfg := loadFromString(t, content)
	if cfg.Data.Default != "b" {
		t.Errorf("expected default dataset 'b', got %q", cfg.Data.Default)
	}
	if ids := cfg.Data.DatasetIDs(); len(ids) != 2 {
		t.Errorf("unexpected dataset ids %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    path: "/test/image.zarr"
engine:
  radius: 8
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Engine.Radius != 8 || cfg.Engine.Workers != 4 || cfg.Engine.Ghost != "replicate" {
		t.Errorf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Cache.ImageTTL() != 10*time.Minute {
		t.Errorf("expected default TTL 10m, got %v", cfg.Cache.ImageTTL())
	}
	if cfg.Data.Datasets["test"].TileSize != 256 {
		t.Errorf("expected default tile size 256, got %d", cfg.Data.Datasets["test"].TileSize)
	}
	if cfg.Jobs.SQLitePath == "" || cfg.Jobs.MaxConcurrent != 1 {
		t.Errorf("unexpected jobs config %+v", cfg.Jobs)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.Default != "demo" {
		t.Errorf("expected demo dataset, got %q", cfg.Data.Default)
	}
	if ids := cfg.Data.DatasetIDs(); len(ids) != 1 || ids[0] != "demo" {
		t.Errorf("expected 1 default dataset, got %v", ids)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"unknown format":  "data:\n  a:\n    format: hdf5\n    path: /a\n",
		"missing path":    "data:\n  a:\n    format: zarr\n",
		"unknown default": "data:\n  default: z\n  a:\n    path: /a\n",
		"duplicate":       "data:\n  a:\n    path: /a\n  a:\n    path: /b\n",
		"negative radius": "engine:\n  radius: -2\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
