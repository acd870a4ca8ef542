package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Memory  MemoryConfig  `yaml:"memory"`
	Dict    DictConfig    `yaml:"dict"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID string `yaml:"id"`
}

// MemoryConfig contains the memory budget and eviction configuration
type MemoryConfig struct {
	MaxMemory       string  `yaml:"max_memory"`        // e.g. "4GB"; "0" disables the budget
	EvictionPolicy  string  `yaml:"eviction_policy"`   // see internal/evict policy names
	SampleSize      int     `yaml:"sample_size"`       // keys sampled per pool refresh
	LFULogFactor    float64 `yaml:"lfu_log_factor"`    // counter growth damping
	LFUDecayMinutes int     `yaml:"lfu_decay_minutes"` // counter decay period
	LazyEviction    bool    `yaml:"lazy_eviction"`     // free evicted values on the background worker
	Databases       int     `yaml:"databases"`         // number of logical databases
}

// DictConfig contains hash table tuning
type DictConfig struct {
	MinTableSize uint64 `yaml:"min_table_size"` // shrink floor, power of two
}

// ServerConfig contains the main loop configuration
type ServerConfig struct {
	Hz                int `yaml:"hz"`                   // cron frequency
	LazyFreeQueueSize int `yaml:"lazyfree_queue_size"`  // background deletion queue depth
	RehashBudgetMicro int `yaml:"rehash_budget_micros"` // per-cron incremental rehash budget
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Set defaults
	config := &Config{
		Node: NodeConfig{
			ID: "memkeys-node-1",
		},
		Memory: MemoryConfig{
			MaxMemory:       "0",
			EvictionPolicy:  "no-eviction",
			SampleSize:      5,
			LFULogFactor:    10,
			LFUDecayMinutes: 1,
			LazyEviction:    false,
			Databases:       16,
		},
		Dict: DictConfig{
			MinTableSize: 4,
		},
		Server: ServerConfig{
			Hz:                10,
			LazyFreeQueueSize: 1024,
			RehashBudgetMicro: 1000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			LogFile:       "",
			BufferSize:    1000,
		},
	}

	// Try to read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			fmt.Printf("⚠️  Configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if !isValidEvictionPolicy(c.Memory.EvictionPolicy) {
		return fmt.Errorf("invalid eviction policy: %s", c.Memory.EvictionPolicy)
	}
	if _, err := ParseBytes(c.Memory.MaxMemory); err != nil {
		return fmt.Errorf("invalid max_memory: %w", err)
	}
	if c.Memory.SampleSize < 1 {
		return fmt.Errorf("memory.sample_size must be >= 1")
	}
	if c.Memory.LFULogFactor < 0 {
		return fmt.Errorf("memory.lfu_log_factor must be >= 0")
	}
	if c.Memory.LFUDecayMinutes < 0 {
		return fmt.Errorf("memory.lfu_decay_minutes must be >= 0")
	}
	if c.Memory.Databases < 1 {
		return fmt.Errorf("memory.databases must be >= 1")
	}
	if c.Dict.MinTableSize < 1 || c.Dict.MinTableSize&(c.Dict.MinTableSize-1) != 0 {
		return fmt.Errorf("dict.min_table_size must be a power of two, got %d", c.Dict.MinTableSize)
	}
	if c.Server.Hz < 1 || c.Server.Hz > 500 {
		return fmt.Errorf("server.hz must be between 1 and 500")
	}
	if c.Server.LazyFreeQueueSize < 1 {
		return fmt.Errorf("server.lazyfree_queue_size must be >= 1")
	}
	return nil
}

// isValidEvictionPolicy checks if the eviction policy is supported
func isValidEvictionPolicy(policy string) bool {
	validPolicies := map[string]bool{
		"no-eviction":     true, // reject writes instead of evicting
		"random-any":      true, // uniform random, whole keyspace
		"random-volatile": true, // uniform random among keys with a TTL
		"ttl-soonest":     true, // closest expiration time first
		"lru-any":         true, // approximate LRU, whole keyspace
		"lru-volatile":    true, // approximate LRU among keys with a TTL
		"lfu-any":         true, // approximate LFU, whole keyspace
		"lfu-volatile":    true, // approximate LFU among keys with a TTL
	}
	return validPolicies[policy]
}

// ParseBytes converts a human-readable size like "512MB" or "4GB" to bytes.
// A bare number is taken as bytes; "0" means no limit.
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	upper := strings.ToUpper(s)
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			num := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			v, err := strconv.ParseFloat(num, 64)
			if err != nil || v < 0 {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			return uint64(v * float64(u.mult)), nil
		}
	}
	v, err := strconv.ParseUint(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v, nil
}
