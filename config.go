package alova

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the file/environment form of Instance options.
type Config struct {
	ID            string         `mapstructure:"id"`
	BaseURL       string         `mapstructure:"base_url"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	ShareRequest  bool           `mapstructure:"share_request"`
	LocalCache    map[string]any `mapstructure:"local_cache"`
	SnapshotLimit int            `mapstructure:"snapshot_limit"`
	Debug         bool           `mapstructure:"debug"`
	Storage       StorageConfig  `mapstructure:"storage"`
}

// StorageConfig selects the persistent storage behind the cache.
type StorageConfig struct {
	// Driver is one of "", "memory", "redis" or "leveldb".
	Driver string      `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// LoadConfig reads configuration from path, or from alova.yaml in the
// working directory when path is empty. ALOVA_* environment variables
// override file values (ALOVA_BASE_URL, ALOVA_STORAGE_DRIVER, ...).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("id", "")
	v.SetDefault("base_url", "")
	v.SetDefault("timeout", "0s")
	v.SetDefault("share_request", true)
	v.SetDefault("snapshot_limit", defaultSnapshotLimit)
	v.SetDefault("debug", false)
	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.redis.addr", DefaultRedisConfig().Addr)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("alova")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ALOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "", "memory", "redis":
	case "leveldb":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the leveldb driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", cfg.Timeout)
	}
	for verb, raw := range cfg.LocalCache {
		if _, err := ParseCachePolicy(raw); err != nil {
			return fmt.Errorf("local_cache.%s: %w", verb, err)
		}
	}
	return nil
}

// Options converts the configuration into instance options. The returned
// close function releases the storage, if one was opened.
func (c *Config) Options() ([]Option, func() error, error) {
	options := []Option{
		WithBaseURL(c.BaseURL),
		WithTimeout(c.Timeout),
		WithShareRequest(c.ShareRequest),
	}
	if c.ID != "" {
		options = append(options, WithID(c.ID))
	}
	if c.SnapshotLimit > 0 {
		options = append(options, WithSnapshotLimit(c.SnapshotLimit))
	}
	if c.Debug {
		options = append(options, WithDevelopmentLogger())
	}
	for verb, raw := range c.LocalCache {
		policy, err := ParseCachePolicy(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("local_cache.%s: %w", verb, err)
		}
		if !policy.Enabled() {
			policy = nil
		}
		options = append(options, WithLocalCache(Verb(strings.ToUpper(verb)), policy))
	}

	storage, closeFn, err := c.Storage.Open()
	if err != nil {
		return nil, nil, err
	}
	if storage != nil {
		options = append(options, WithStorage(storage))
	}
	return options, closeFn, nil
}

// Open creates the configured storage. It returns a nil Storage for the
// empty driver.
func (s StorageConfig) Open() (Storage, func() error, error) {
	noop := func() error { return nil }
	switch s.Driver {
	case "":
		return nil, noop, nil
	case "memory":
		return NewMemoryStorage(), noop, nil
	case "redis":
		rs, err := NewRedisStorage(s.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return rs, rs.Close, nil
	case "leveldb":
		ls, err := NewLevelDBStorage(s.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open leveldb: %w", err)
		}
		return ls, ls.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", s.Driver)
	}
}
