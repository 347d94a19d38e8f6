package swcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ericselin/swcache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "swcache.yml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestGetConfigKeepsDefaults(t *testing.T) {
	filename := writeConfig(t, `
origin: https://roteiros.example
upstream: http://10.0.0.5:8080
store:
  provider: memory
`)
	config, err := GetConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, "roteiros-app-cache-v2", config.CacheVersion)
	assert.Equal(t, []string{"/", "/index.html"}, config.Seed)
	assert.Contains(t, config.IgnoreHosts, "identitytoolkit.googleapis.com")
	assert.Equal(t, []string{"chrome-extension"}, config.IgnoreSchemes)
	assert.Equal(t, "memory", config.Store.Provider)
	assert.Equal(t, "http://10.0.0.5:8080", config.Upstream)
	assert.NoError(t, config.Validate())
}

func TestGetConfigOverrides(t *testing.T) {
	filename := writeConfig(t, `
cacheVersion: roteiros-app-cache-v3
origin: https://roteiros.example
seed:
  - /
  - /index.html
  - /app.js
keyHeaders: [Accept-Language]
seedConcurrency: 2
`)
	config, err := GetConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, "roteiros-app-cache-v3", config.CacheVersion)
	assert.Equal(t, []string{"/", "/index.html", "/app.js"}, config.Seed)
	assert.Equal(t, []string{"Accept-Language"}, config.KeyHeaders)
	assert.Equal(t, 2, config.SeedConcurrency)
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Origin = "https://roteiros.example"
	require.NoError(t, valid.Validate())

	tests := map[string]func(c *FileConfig){
		"no version":       func(c *FileConfig) { c.CacheVersion = "" },
		"relative origin":  func(c *FileConfig) { c.Origin = "/app" },
		"bad upstream":     func(c *FileConfig) { c.Upstream = "10.0.0.5" },
		"unknown provider": func(c *FileConfig) { c.Store.Provider = "s3" },
		"missing origin":   func(c *FileConfig) { c.Origin = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	config := DefaultConfig()
	config.Origin = "https://roteiros.example"
	config.Store.Provider = "sqlite"
	config.Store.DB = filepath.Join(t.TempDir(), "cache.db")

	host, worker, err := NewFromConfig(config, nil)
	require.NoError(t, err)
	defer host.Close()
	assert.Equal(t, "roteiros-app-cache-v2", worker.Tag())
	_, ok := host.cache.(cache.SQLiteProvider)
	assert.True(t, ok)
}
