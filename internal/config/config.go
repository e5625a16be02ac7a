// Package config handles configuration loading for the HaloView server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Engine EngineConfig `yaml:"engine"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one tiled image.
type DatasetConfig struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"` // zarr, imagefile, tiledb or demo
	Path   string `yaml:"path"`

	// Used by the imagefile and demo formats, which have no stored tiling.
	// Levels 0 halves until a level fits in one tile.
	TileSize int `yaml:"tile_size"`
	Levels   int `yaml:"levels"`
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`

	// Attribute is the TileDB attribute holding pixel values; empty selects
	// the reader's default.
	Attribute string `yaml:"attribute"`
}

// DataConfig lists datasets in file order. The first one is the default
// unless Default names another.
type DataConfig struct {
	Default  string
	Datasets map[string]DatasetConfig
	order    []string
}

// DatasetIDs returns dataset IDs in the order they appear in the file.
func (d DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML reads the data section, keeping the order of the dataset
// mapping. The key "default" selects the default dataset.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: data must be a mapping (line %d)", node.Line)
	}
	d.Datasets = make(map[string]DatasetConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if key == "default" {
			if err := val.Decode(&d.Default); err != nil {
				return err
			}
			continue
		}
		var ds DatasetConfig
		if err := val.Decode(&ds); err != nil {
			return fmt.Errorf("config: dataset %q: %w", key, err)
		}
		if _, dup := d.Datasets[key]; dup {
			return fmt.Errorf("config: duplicate dataset %q", key)
		}
		d.Datasets[key] = ds
		d.order = append(d.order, key)
	}
	return nil
}

// EngineConfig sizes the view engine built for each dataset.
type EngineConfig struct {
	Radius         int     `yaml:"radius"`
	MemoryBudgetMB int     `yaml:"memory_budget_mb"`
	Workers        int     `yaml:"workers"`
	Ghost          string  `yaml:"ghost"`
	GhostFill      float64 `yaml:"ghost_fill"`
	RetainTiles    int     `yaml:"retain_tiles"`
	PreserveOrder  bool    `yaml:"preserve_order"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageCacheSizeMB int `yaml:"image_cache_size_mb"`
	ImageTTLMinutes  int `yaml:"image_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// ImageTTL returns the image cache TTL as a duration.
func (c CacheConfig) ImageTTL() time.Duration {
	return time.Duration(c.ImageTTLMinutes) * time.Minute
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string `yaml:"default_colormap"`
	Outline         bool   `yaml:"outline"`
}

// JobsConfig contains traversal job settings.
type JobsConfig struct {
	MaxConcurrent  int    `yaml:"max_concurrent"`
	SQLitePath     string `yaml:"sqlite_path"`
	RetentionDays  int    `yaml:"retention_days"`
	MemoryBudgetMB int    `yaml:"memory_budget_mb"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration: one synthetic dataset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Default: "demo",
			Datasets: map[string]DatasetConfig{
				"demo": {Name: "Demo pattern", Format: "demo", TileSize: 256, Levels: 4, Width: 4096, Height: 4096},
			},
			order: []string{"demo"},
		},
		Engine: EngineConfig{
			Radius:         16,
			MemoryBudgetMB: 256,
			Workers:        4,
			Ghost:          "replicate",
		},
		Cache: CacheConfig{
			ImageCacheSizeMB: 256,
			ImageTTLMinutes:  10,
			QueryCacheSize:   1024,
		},
		Render: RenderConfig{
			DefaultColormap: "viridis",
		},
		Jobs: JobsConfig{
			MaxConcurrent:  1,
			SQLitePath:     "./data/jobs.sqlite",
			RetentionDays:  7,
			MemoryBudgetMB: 128,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.Default == "" {
		cfg.Data.Default = cfg.Data.order[0]
	}
	for id, ds := range cfg.Data.Datasets {
		ds.Format = strings.ToLower(ds.Format)
		if ds.Format == "" {
			ds.Format = "zarr"
		}
		if ds.TileSize == 0 {
			ds.TileSize = 256
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Engine.Radius == 0 {
		cfg.Engine.Radius = defaults.Engine.Radius
	}
	if cfg.Engine.MemoryBudgetMB == 0 {
		cfg.Engine.MemoryBudgetMB = defaults.Engine.MemoryBudgetMB
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = defaults.Engine.Workers
	}
	if cfg.Engine.Ghost == "" {
		cfg.Engine.Ghost = defaults.Engine.Ghost
	}
	if cfg.Cache.ImageCacheSizeMB == 0 {
		cfg.Cache.ImageCacheSizeMB = defaults.Cache.ImageCacheSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.MemoryBudgetMB == 0 {
		cfg.Jobs.MemoryBudgetMB = defaults.Jobs.MemoryBudgetMB
	}
}

func (cfg *Config) validate() error {
	if _, ok := cfg.Data.Datasets[cfg.Data.Default]; !ok {
		return fmt.Errorf("config: default dataset %q is not defined", cfg.Data.Default)
	}
	for _, id := range cfg.Data.order {
		ds := cfg.Data.Datasets[id]
		switch ds.Format {
		case "zarr", "imagefile", "tiledb":
			if ds.Path == "" {
				return fmt.Errorf("config: dataset %q: %s format needs a path", id, ds.Format)
			}
		case "demo":
			if ds.Width <= 0 || ds.Height <= 0 {
				return fmt.Errorf("config: dataset %q: demo format needs width and height", id)
			}
		default:
			return fmt.Errorf("config: dataset %q: unknown format %q", id, ds.Format)
		}
	}
	if cfg.Engine.Radius < 0 {
		return fmt.Errorf("config: negative engine radius %d", cfg.Engine.Radius)
	}
	return nil
}
