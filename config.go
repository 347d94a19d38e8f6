package swcache

import (
	"fmt"
	"net/url"
	"os"

	"github.com/ericselin/swcache/cache"
	"github.com/ericselin/swcache/core"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type FileConfig struct {
	// Tag of the current cache generation. Change it to drop all stored content.
	CacheVersion string `yaml:"cacheVersion"`
	// Public origin of the application, e.g. https://roteiros.example
	Origin string `yaml:"origin"`
	// Server that actually serves the origin. Defaults to the origin itself.
	Upstream string `yaml:"upstream"`
	// Hostname to use for upstream HTTP requests and TLS negotiation.
	UpstreamHost    string      `yaml:"upstreamHost"`
	Seed            []string    `yaml:"seed"`
	IgnoreHosts     []string    `yaml:"ignoreHosts"`
	IgnoreSchemes   []string    `yaml:"ignoreSchemes"`
	KeyHeaders      []string    `yaml:"keyHeaders"`
	SeedConcurrency int         `yaml:"seedConcurrency"`
	Store           StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	// One of memory, sqlite or redis.
	Provider string      `yaml:"provider"`
	DB       string      `yaml:"db"`
	Redis    RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DefaultConfig returns the configuration of the roteiros deployment.
func DefaultConfig() FileConfig {
	return FileConfig{
		CacheVersion: "roteiros-app-cache-v2",
		Seed:         []string{"/", "/index.html"},
		IgnoreHosts: []string{
			"firestore.googleapis.com",
			"firebaseinstallations.googleapis.com",
			"identitytoolkit.googleapis.com",
		},
		IgnoreSchemes: []string{"chrome-extension"},
		Store: StoreConfig{
			Provider: "sqlite",
			DB:       "cache.db",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
	}
}

// GetConfig reads the yaml file on top of the defaults.
func GetConfig(filename string) (FileConfig, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

func (c FileConfig) Validate() error {
	if c.CacheVersion == "" {
		return fmt.Errorf("cacheVersion is required")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute url, got %q", c.Origin)
	}
	if c.Upstream != "" {
		if upstream, err := url.Parse(c.Upstream); err != nil || upstream.Host == "" {
			return fmt.Errorf("upstream must be an absolute url, got %q", c.Upstream)
		}
	}
	switch c.Store.Provider {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	return nil
}

// OpenProvider opens the configured cache provider.
func (c FileConfig) OpenProvider() (cache.Provider, error) {
	switch c.Store.Provider {
	case "memory":
		return cache.NewMemProvider(), nil
	case "sqlite":
		dbFilename := c.Store.DB
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		provider, err := cache.NewSQLiteProvider(dbFilename)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		})
		return cache.NewRedisProvider(client, c.Store.Redis.Prefix), nil
	}
	return nil, fmt.Errorf("unknown store provider %q", c.Store.Provider)
}

// NewFromConfig wires the provider, network, worker and host for a configuration.
func NewFromConfig(c FileConfig, logger *zerolog.Logger) (*Host, *core.Worker, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	origin, _ := url.Parse(c.Origin)
	var upstream url.URL
	if c.Upstream != "" {
		u, _ := url.Parse(c.Upstream)
		upstream = *u
	}
	provider, err := c.OpenProvider()
	if err != nil {
		return nil, nil, err
	}
	network := NewNetwork(*origin, upstream, c.UpstreamHost)
	worker := core.NewWorker(core.Config{
		Cache:           provider,
		Network:         network,
		CacheVersion:    c.CacheVersion,
		Origin:          *origin,
		Seed:            c.Seed,
		IgnoreHosts:     c.IgnoreHosts,
		IgnoreSchemes:   c.IgnoreSchemes,
		KeyHeaders:      c.KeyHeaders,
		SeedConcurrency: c.SeedConcurrency,
		Logger:          logger,
	})
	host := New(Config{
		Lifecycle:    worker,
		Cache:        provider,
		CacheVersion: c.CacheVersion,
		Origin:       *origin,
		Network:      network,
		Logger:       logger,
	})
	return host, worker, nil
}
