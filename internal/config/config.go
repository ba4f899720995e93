// Package config handles configuration loading for the eyelocater server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Runs   RunsConfig   `yaml:"runs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	MainPath        string `yaml:"main_path"`
	ReferencePath   string `yaml:"reference_path"`
	ReferenceColumn string `yaml:"reference_column"`
	OutputDir       string `yaml:"output_dir"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PreviewSizeMB     int `yaml:"preview_size_mb"`
	PreviewTTLMinutes int `yaml:"preview_ttl_minutes"`
	DatasetEntries    int `yaml:"dataset_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	PreviewSize      int     `yaml:"preview_size"`
	PlotWidthInches  float64 `yaml:"plot_width_inches"`
	PlotHeightInches float64 `yaml:"plot_height_inches"`
	DotSize          float64 `yaml:"dot_size"`
	DefaultColormap  string  `yaml:"default_colormap"`
}

// RunsConfig contains run store and worker settings.
type RunsConfig struct {
	DBPath        string `yaml:"db_path"`
	Workers       int    `yaml:"workers"`
	RetentionDays int    `yaml:"retention_days"`
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

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			MainPath:        "./data/main.stereo",
			ReferencePath:   "./data/reference.stereo",
			ReferenceColumn: "celltype",
			OutputDir:       "./output",
		},
		Cache: CacheConfig{
			PreviewSizeMB:     256,
			PreviewTTLMinutes: 10,
			DatasetEntries:    8,
		},
		Render: RenderConfig{
			PreviewSize:      512,
			PlotWidthInches:  6,
			PlotHeightInches: 6,
			DotSize:          2,
			DefaultColormap:  "viridis",
		},
		Runs: RunsConfig{
			DBPath:        "./data/runs.db",
			Workers:       2,
			RetentionDays: 14,
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
	if cfg.Data.MainPath == "" {
		cfg.Data.MainPath = defaults.Data.MainPath
	}
	if cfg.Data.ReferencePath == "" {
		cfg.Data.ReferencePath = defaults.Data.ReferencePath
	}
	if cfg.Data.ReferenceColumn == "" {
		cfg.Data.ReferenceColumn = defaults.Data.ReferenceColumn
	}
	if cfg.Data.OutputDir == "" {
		cfg.Data.OutputDir = defaults.Data.OutputDir
	}
	if cfg.Cache.PreviewSizeMB == 0 {
		cfg.Cache.PreviewSizeMB = defaults.Cache.PreviewSizeMB
	}
	if cfg.Cache.PreviewTTLMinutes == 0 {
		cfg.Cache.PreviewTTLMinutes = defaults.Cache.PreviewTTLMinutes
	}
	if cfg.Cache.DatasetEntries == 0 {
		cfg.Cache.DatasetEntries = defaults.Cache.DatasetEntries
	}
	if cfg.Render.PreviewSize == 0 {
		cfg.Render.PreviewSize = defaults.Render.PreviewSize
	}
	if cfg.Render.PlotWidthInches == 0 {
		cfg.Render.PlotWidthInches = defaults.Render.PlotWidthInches
	}
	if cfg.Render.PlotHeightInches == 0 {
		cfg.Render.PlotHeightInches = defaults.Render.PlotHeightInches
	}
	if cfg.Render.DotSize == 0 {
		cfg.Render.DotSize = defaults.Render.DotSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Runs.DBPath == "" {
		cfg.Runs.DBPath = defaults.Runs.DBPath
	}
	if cfg.Runs.Workers == 0 {
		cfg.Runs.Workers = defaults.Runs.Workers
	}
	if cfg.Runs.RetentionDays == 0 {
		cfg.Runs.RetentionDays = defaults.Runs.RetentionDays
	}
}
