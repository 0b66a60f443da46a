// Package config provides configuration loading and management for tomorecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines a projection kernel may use
		NumCores int `yaml:"numCores"`

		// QueueDepth is the number of operations that may wait on the command queue
		QueueDepth int `yaml:"queueDepth"`
	} `yaml:"processing"`

	// Method is the plugin description of the reconstruction method. Every
	// mapping needs a "plugin" key; nested mappings become nested plugins.
	Method map[string]interface{} `yaml:"method"`

	// Prior knowledge handed to the method
	Prior struct {
		// PhaseContrast disables the positivity constraint
		PhaseContrast bool `yaml:"phaseContrast"`

		// ImageSparsity optionally describes a sparsity minimizer plugin
		ImageSparsity map[string]interface{} `yaml:"imageSparsity,omitempty"`
	} `yaml:"prior"`

	// Simulation parameters, used when no input sinogram is given
	Simulation struct {
		// Phantom is "shepp-logan" or "disk"
		Phantom string `yaml:"phantom"`

		// Size is the width and height of the phantom in voxels
		Size int `yaml:"size"`

		// Depth is the number of slices, 0 for a single 2D slice
		Depth int `yaml:"depth"`

		// Angles is the number of projection angles over a half circle
		Angles int `yaml:"angles"`

		// Detectors is the number of detector bins, 0 selects ceil(size*sqrt(2))
		Detectors int `yaml:"detectors"`

		// Noise is the standard deviation of Gaussian noise added to the sinogram
		Noise float64 `yaml:"noise"`

		// Seed makes the noise reproducible
		Seed uint32 `yaml:"seed"`
	} `yaml:"simulation"`

	// Output parameters
	Output struct {
		// SinogramDataset is the HDF5 dataset the sinogram is read from
		SinogramDataset string `yaml:"sinogramDataset"`

		// VolumeDataset is the HDF5 dataset the volume is written to
		VolumeDataset string `yaml:"volumeDataset"`

		// DebugDir receives TIFF dumps of intermediate buffers when set
		DebugDir string `yaml:"debugDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.QueueDepth = 64

	// SART with a Joseph projector over an evenly spaced parallel-beam geometry
	cfg.Method = map[string]interface{}{
		"plugin":           "sart",
		"relaxationFactor": 0.25,
		"maxIterations":    10,
		"projector": map[string]interface{}{
			"plugin":   "joseph",
			"geometry": map[string]interface{}{"plugin": "parallel"},
		},
	}

	// Set default simulation parameters
	cfg.Simulation.Phantom = "shepp-logan"
	cfg.Simulation.Size = 128
	cfg.Simulation.Angles = 180
	cfg.Simulation.Noise = 0
	cfg.Simulation.Seed = 1

	// Set default output parameters
	cfg.Output.SinogramDataset = "sinogram"
	cfg.Output.VolumeDataset = "volume"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// A method given in the file replaces the default one entirely
	var probe struct {
		Method map[string]interface{} `yaml:"method"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if probe.Method != nil {
		cfg.Method = nil
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// MethodJSON returns the method description in the JSON form pkg/plugin builds from.
func (c *Config) MethodJSON() ([]byte, error) {
	return pluginJSON("method", c.Method)
}

// ImageSparsityJSON returns the prior sparsity description, or nil if none is set.
func (c *Config) ImageSparsityJSON() ([]byte, error) {
	if len(c.Prior.ImageSparsity) == 0 {
		return nil, nil
	}
	return pluginJSON("prior.imageSparsity", c.Prior.ImageSparsity)
}

func pluginJSON(section string, desc map[string]interface{}) ([]byte, error) {
	if len(desc) == 0 {
		return nil, fmt.Errorf("config section %s is empty", section)
	}
	if _, ok := desc["plugin"].(string); !ok {
		return nil, fmt.Errorf("config section %s needs a \"plugin\" name", section)
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("error converting %s to JSON: %w", section, err)
	}
	return data, nil
}
