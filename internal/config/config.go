// Package config loads the deployment configuration shared by the proxy
// and the storage servers.
package config

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v2"
)

// Config captures the deployment constants of one veil installation. The
// geometry fields (TreeHeight, BucketSize, BlockSize, Servers) must be
// identical on the proxy and every server.
type Config struct {
	TreeHeight         int      `yaml:"treeHeight"`
	BucketSize         int      `yaml:"bucketSize"`
	BlockSize          int      `yaml:"blockSize"`
	WriteBackThreshold int      `yaml:"writeBackThreshold"`
	StashCapacity      int      `yaml:"stashCapacity"`
	Servers            []string `yaml:"servers"`
	ProxyListen        string   `yaml:"proxyListen"`
	ServerListen       string   `yaml:"serverListen"`
	DataDir            string   `yaml:"dataDir"`
	EncryptionKey      string   `yaml:"encryptionKey"` // 32 bytes, hex
	InitTree           bool     `yaml:"initTree"`
	Workers            int      `yaml:"workers"`
	MetricsInterval    int      `yaml:"metricsIntervalSeconds"`
}

// GetConfig reads and validates the YAML configuration at path.
func GetConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.BucketSize == 0 {
		c.BucketSize = 4
	}
	if c.BlockSize == 0 {
		c.BlockSize = 4096
	}
	if c.WriteBackThreshold == 0 {
		c.WriteBackThreshold = 8
	}
	if c.StashCapacity == 0 {
		c.StashCapacity = 128
	}
	if c.ProxyListen == "" {
		c.ProxyListen = ":9100"
	}
	if c.ServerListen == "" {
		c.ServerListen = ":9200"
	}
	if c.DataDir == "" {
		c.DataDir = "veil-data"
	}
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 30
	}
}

// Validate checks the geometry constraints.
func (c *Config) Validate() error {
	if c.TreeHeight < 1 || c.TreeHeight > 40 {
		return fmt.Errorf("treeHeight %d out of range [1,40]", c.TreeHeight)
	}
	if c.BucketSize < 1 {
		return fmt.Errorf("bucketSize must be positive, got %d", c.BucketSize)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("blockSize must be positive, got %d", c.BlockSize)
	}
	if c.WriteBackThreshold < 1 {
		return fmt.Errorf("writeBackThreshold must be positive, got %d", c.WriteBackThreshold)
	}
	if c.StashCapacity < 1 {
		return fmt.Errorf("stashCapacity must be positive, got %d", c.StashCapacity)
	}
	n := len(c.Servers)
	if n < 1 {
		return fmt.Errorf("at least one storage server is required")
	}
	if bits.OnesCount(uint(n)) != 1 {
		return fmt.Errorf("server count %d must be a power of two", n)
	}
	if uint64(n) > 1<<uint(c.TreeHeight) {
		return fmt.Errorf("server count %d exceeds leaf count", n)
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	return nil
}

// Key decodes the hex-encoded AES-256 key.
func (c *Config) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryptionKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryptionKey is %d bytes, want 32", len(key))
	}
	return key, nil
}
