// Package config models BLite's recognized configuration options (spec
// §6.4) as a functional-options struct, additionally loadable from a
// YAML/JSON/env file via viper so an embedding application can ship a
// blite.yaml beside its binary instead of hard-coding options.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/blitedb/blite/checkpoint"
	"github.com/blitedb/blite/collection"
	"github.com/blitedb/blite/storage"
)

// Config is the full set of options recognized by spec §6.4.
type Config struct {
	PageSize                  int           `mapstructure:"pageSize"`
	GrowBlockBytes            int           `mapstructure:"growBlockBytes"`
	WalAutoCheckpointBytes    int64         `mapstructure:"walAutoCheckpointBytes"`
	WalAutoCheckpointInterval time.Duration `mapstructure:"walAutoCheckpointInterval"`
	CachePages                int           `mapstructure:"cachePages"`
	MaxDocumentBytes          int           `mapstructure:"maxDocumentBytes"`
}

// Default returns the documented defaults for every recognized option.
func Default() Config {
	return Config{
		PageSize:                  storage.DefaultPageSize,
		GrowBlockBytes:            storage.DefaultGrowBlockBytes,
		WalAutoCheckpointBytes:    checkpoint.DefaultSizeThresholdBytes,
		WalAutoCheckpointInterval: checkpoint.DefaultInterval,
		CachePages:                1024,
		MaxDocumentBytes:          collection.DefaultMaxDocumentBytes,
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithPageSize(n int) Option {
	return func(c *Config) { c.PageSize = n }
}

func WithGrowBlockBytes(n int) Option {
	return func(c *Config) { c.GrowBlockBytes = n }
}

func WithWalAutoCheckpointBytes(n int64) Option {
	return func(c *Config) { c.WalAutoCheckpointBytes = n }
}

func WithWalAutoCheckpointInterval(d time.Duration) Option {
	return func(c *Config) { c.WalAutoCheckpointInterval = d }
}

func WithCachePages(n int) Option {
	return func(c *Config) { c.CachePages = n }
}

func WithMaxDocumentBytes(n int) Option {
	return func(c *Config) { c.MaxDocumentBytes = n }
}

// New builds a Config from Default() plus any Options, in order.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Load reads recognized options from a YAML/JSON/TOML file at path (format
// inferred from its extension). An environment variable named after a key
// in upper case (e.g. PAGESIZE) overrides the file's value; Default()
// supplies any key set by neither.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("pageSize", def.PageSize)
	v.SetDefault("growBlockBytes", def.GrowBlockBytes)
	v.SetDefault("walAutoCheckpointBytes", def.WalAutoCheckpointBytes)
	v.SetDefault("walAutoCheckpointInterval", def.WalAutoCheckpointInterval)
	v.SetDefault("cachePages", def.CachePages)
	v.SetDefault("maxDocumentBytes", def.MaxDocumentBytes)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the storage core can't honor, namely a
// pageSize outside the three fixed sizes spec §6.4 recognizes.
func (c Config) Validate() error {
	switch c.PageSize {
	case storage.PageSize8K, storage.PageSize16K, storage.PageSize32K:
	default:
		return fmt.Errorf("config: pageSize must be 8192, 16384 or 32768, got %d", c.PageSize)
	}
	return nil
}

// PageFileOptions adapts Config into the storage package's CreateOptions.
func (c Config) PageFileOptions() storage.CreateOptions {
	return storage.CreateOptions{
		PageSize:       c.PageSize,
		GrowBlockBytes: c.GrowBlockBytes,
		CachePages:     c.CachePages,
	}
}

// CheckpointOptions adapts Config into the checkpoint package's Options.
func (c Config) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		SizeThresholdBytes: c.WalAutoCheckpointBytes,
		Interval:           c.WalAutoCheckpointInterval,
	}
}

// CollectionOptions adapts Config into the collection package's Options.
func (c Config) CollectionOptions() collection.Options {
	return collection.Options{MaxDocumentBytes: c.MaxDocumentBytes}
}
