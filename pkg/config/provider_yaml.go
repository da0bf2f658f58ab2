package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from the YAML file. The file is read once
// and cached.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	if y.config != nil {
		return y.config, nil
	}

	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	config := &ConfigData{}
	if err := yaml.UnmarshalStrict(cfgFile, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", y.filename, err)
	}

	y.config = config
	return config, nil
}

// GetStation returns the station section
func (y *YAMLProvider) GetStation() (*StationData, error) {
	c, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &c.Station, nil
}

// GetSystem returns the decision tunables
func (y *YAMLProvider) GetSystem() (*SystemData, error) {
	c, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &c.System, nil
}

// GetStorageConfig returns the storage section
func (y *YAMLProvider) GetStorageConfig() (*StorageData, error) {
	c, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &c.Storage, nil
}

// IsReadOnly returns true since YAML files are edited by hand
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}
