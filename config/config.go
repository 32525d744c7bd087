// Package config handles esrt.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/esrt/heap"
)

// FileName is the name of the configuration file.
const FileName = "esrt.toml"

var log = commonlog.GetLogger("esrt.config")

// Config represents an esrt.toml file. Zero fields select the defaults of
// the package that consumes them.
type Config struct {
	Heap    HeapConfig    `toml:"heap"`
	Classes ClassConfig   `toml:"classes"`
	Stack   StackConfig   `toml:"stack"`
	Numbers NumbersConfig `toml:"numbers"`
	Log     LogConfig     `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// HeapConfig tunes the collector and page allocator.
type HeapConfig struct {
	PageSize            int           `toml:"page_size"`
	PagesPerChunk       int           `toml:"pages_per_chunk"`
	MaxChunks           int           `toml:"max_chunks"`
	LoadFactor          float64       `toml:"load_factor"`
	MinCollectBytes     int           `toml:"min_collect_bytes"`
	QuickListMax        int           `toml:"quicklist_max"`
	MarkStackSegment    int           `toml:"mark_stack_segment"`
	MaintenanceInterval time.Duration `toml:"maintenance_interval"`
}

// ClassConfig tunes hidden class table growth.
type ClassConfig struct {
	LinearGrowthLimit int     `toml:"linear_growth_limit"`
	GrowthRate        float64 `toml:"growth_rate"`
	HashThreshold     int     `toml:"hash_threshold"`
}

// StackConfig sizes the register and frame stacks.
type StackConfig struct {
	InitialBlock int     `toml:"initial_block"`
	GrowRatio    float64 `toml:"grow_ratio"`
	MaxFrames    int     `toml:"max_frames"`
}

// NumbersConfig tunes number to string conversion.
type NumbersConfig struct {
	SmallIntCache int `toml:"small_int_cache"`
}

// LogConfig selects log verbosity for the CLI.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns a configuration with every field left to its default.
func Default() *Config {
	return &Config{}
}

// Load parses the esrt.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	return LoadFile(path)
}

// LoadFile parses a configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", path, key)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find an esrt.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects values no default can repair.
func (c *Config) Validate() error {
	switch {
	case c.Heap.PageSize < 0:
		return fmt.Errorf("heap.page_size must not be negative")
	case c.Heap.MaxChunks < 0:
		return fmt.Errorf("heap.max_chunks must not be negative")
	case c.Heap.LoadFactor != 0 && c.Heap.LoadFactor <= 1:
		return fmt.Errorf("heap.load_factor must be greater than 1, got %g", c.Heap.LoadFactor)
	case c.Heap.MaintenanceInterval < 0:
		return fmt.Errorf("heap.maintenance_interval must not be negative")
	case c.Classes.GrowthRate != 0 && c.Classes.GrowthRate <= 1:
		return fmt.Errorf("classes.growth_rate must be greater than 1, got %g", c.Classes.GrowthRate)
	case c.Stack.GrowRatio != 0 && c.Stack.GrowRatio < 1:
		return fmt.Errorf("stack.grow_ratio must be at least 1, got %g", c.Stack.GrowRatio)
	case c.Numbers.SmallIntCache < 0:
		return fmt.Errorf("numbers.small_int_cache must not be negative")
	}
	return nil
}

// HeapOptions converts the [heap] section.
func (c *Config) HeapOptions() heap.Options {
	h := c.Heap
	return heap.Options{
		PageSize:            h.PageSize,
		PagesPerChunk:       h.PagesPerChunk,
		MaxChunks:           h.MaxChunks,
		LoadFactor:          h.LoadFactor,
		MinCollectBytes:     h.MinCollectBytes,
		QuickListMax:        h.QuickListMax,
		MarkStackSegment:    h.MarkStackSegment,
		MaintenanceInterval: h.MaintenanceInterval,
	}
}
