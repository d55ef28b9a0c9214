// Package manifest handles wren.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/wren/vm"
)

// Manifest represents a wren.toml runtime configuration.
type Manifest struct {
	Runtime Runtime    `toml:"runtime"`
	Heap    HeapConfig `toml:"heap"`
	Port    PortConfig `toml:"port"`

	// Dir is the directory containing the wren.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures the scheduler.
type Runtime struct {
	Workers    int `toml:"workers"`
	Reductions int `toml:"reductions"`
}

// HeapConfig configures per-process heaps.
type HeapConfig struct {
	InitialWords int `toml:"initial-words"`
	GrowthFactor int `toml:"growth-factor"`
	MaxWords     int `toml:"max-words"`
}

// PortConfig configures port queues.
type PortConfig struct {
	QueueDepth int `toml:"queue-depth"`
}

// Load parses a wren.toml file from the given directory. Missing fields
// keep the runtime defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "wren.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a wren.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "wren.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ToConfig merges the manifest over the runtime defaults.
func (m *Manifest) ToConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m.Runtime.Workers > 0 {
		cfg.Workers = m.Runtime.Workers
	}
	if m.Runtime.Reductions > 0 {
		cfg.Reductions = m.Runtime.Reductions
	}
	if m.Heap.InitialWords > 0 {
		cfg.HeapWords = m.Heap.InitialWords
	}
	if m.Heap.GrowthFactor > 1 {
		cfg.HeapGrowth = m.Heap.GrowthFactor
	}
	if m.Heap.MaxWords > 0 {
		cfg.HeapMax = m.Heap.MaxWords
	}
	if m.Port.QueueDepth > 0 {
		cfg.PortQueue = m.Port.QueueDepth
	}
	return cfg
}
