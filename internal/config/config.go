// Package config loads driver settings from the environment with
// defaults matching the reference allocator configuration.
package config

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
)

// Config is the full driver configuration.
type Config struct {
	Pool    PoolConfig
	Logging LoggingConfig
	Output  OutputConfig
}

// PoolConfig carries the allocator constants. All sizes are bytes.
type PoolConfig struct {
	MemorySize   int `env:"MEMPOOL_MEMORY_SIZE" default:"8388608"`
	HeaderSize   int `env:"MEMPOOL_HEADER_SIZE" default:"8"`
	MinChunkSize int `env:"MEMPOOL_MIN_CHUNK" default:"512"`
	ObjsPerSlab  int `env:"MEMPOOL_OBJS_PER_SLAB" default:"64"`
}

type LoggingConfig struct {
	Level      string `env:"MEMPOOL_LOG_LEVEL" default:"info"`
	Format     string `env:"MEMPOOL_LOG_FORMAT" default:"console"`
	Output     string `env:"MEMPOOL_LOG_OUTPUT" default:"stdout"`
	Filename   string `env:"MEMPOOL_LOG_FILE"`
	MaxSize    int    `env:"MEMPOOL_LOG_MAX_SIZE" default:"100"`
	MaxBackups int    `env:"MEMPOOL_LOG_MAX_BACKUPS" default:"3"`
	MaxAge     int    `env:"MEMPOOL_LOG_MAX_AGE" default:"28"`
	Compress   bool   `env:"MEMPOOL_LOG_COMPRESS" default:"false"`
}

type OutputConfig struct {
	Dir string `env:"MEMPOOL_OUTPUT_DIR" default:"output"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Pool: PoolConfig{
			MemorySize:   getEnvInt("MEMPOOL_MEMORY_SIZE", 8*1024*1024),
			HeaderSize:   getEnvInt("MEMPOOL_HEADER_SIZE", 8),
			MinChunkSize: getEnvInt("MEMPOOL_MIN_CHUNK", 512),
			ObjsPerSlab:  getEnvInt("MEMPOOL_OBJS_PER_SLAB", 64),
		},
		Logging: LoggingConfig{
			Level:      getEnv("MEMPOOL_LOG_LEVEL", "info"),
			Format:     getEnv("MEMPOOL_LOG_FORMAT", "console"),
			Output:     getEnv("MEMPOOL_LOG_OUTPUT", "stdout"),
			Filename:   getEnv("MEMPOOL_LOG_FILE", ""),
			MaxSize:    getEnvInt("MEMPOOL_LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("MEMPOOL_LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvInt("MEMPOOL_LOG_MAX_AGE", 28),
			Compress:   getEnvBool("MEMPOOL_LOG_COMPRESS", false),
		},
		Output: OutputConfig{
			Dir: getEnv("MEMPOOL_OUTPUT_DIR", "output"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the pool constants for consistency.
func (c *Config) Validate() error {
	p := c.Pool
	if p.MemorySize <= 0 || bits.OnesCount(uint(p.MemorySize)) != 1 {
		return fmt.Errorf("memory size must be a power of two, got %d", p.MemorySize)
	}
	if p.MinChunkSize <= 0 || bits.OnesCount(uint(p.MinChunkSize)) != 1 {
		return fmt.Errorf("min chunk size must be a power of two, got %d", p.MinChunkSize)
	}
	if p.MinChunkSize > p.MemorySize {
		return fmt.Errorf("min chunk size %d exceeds memory size %d", p.MinChunkSize, p.MemorySize)
	}
	if p.HeaderSize < 8 {
		return fmt.Errorf("header size must be at least 8, got %d", p.HeaderSize)
	}
	if p.ObjsPerSlab <= 0 {
		return fmt.Errorf("objs per slab must be positive, got %d", p.ObjsPerSlab)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
