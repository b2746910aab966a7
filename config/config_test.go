package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "gamenet", cfg.Name)
	assert.Equal(t, ":25565", cfg.Addr)
	assert.Equal(t, "A Game Server", cfg.MOTD)
	assert.Equal(t, 20, cfg.MaxPlayers)
	assert.Equal(t, 30*time.Second, cfg.PlayerTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.StatusCacheTTL)
	assert.Equal(t, 0, cfg.Loops)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FullOverride(t *testing.T) {
	path := writeConfigFile(t, `
name = "lobby-1"
addr = "0.0.0.0:30000"
motd = "Welcome!"
max_players = 500
player_timeout = "45s"
tick_interval = "100ms"
status_cache_ttl = "10s"
loops = 4
cache_backend = "redis"
redis_addr = "localhost:6379"
log_level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lobby-1", cfg.Name)
	assert.Equal(t, "0.0.0.0:30000", cfg.Addr)
	assert.Equal(t, "Welcome!", cfg.MOTD)
	assert.Equal(t, 500, cfg.MaxPlayers)
	assert.Equal(t, 45*time.Second, cfg.PlayerTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.StatusCacheTTL)
	assert.Equal(t, 4, cfg.Loops)
	assert.Equal(t, CacheRedis, cfg.CacheBackend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_PartialOverrideKeepsOtherDefaults(t *testing.T) {
	path := writeConfigFile(t, `
addr = ":25570"
max_players = 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":25570", cfg.Addr)
	assert.Equal(t, 100, cfg.MaxPlayers)
	assert.Equal(t, DefaultConfig().PlayerTimeout, cfg.PlayerTimeout)
	assert.Equal(t, DefaultConfig().MOTD, cfg.MOTD)
	assert.Equal(t, DefaultConfig().CacheBackend, cfg.CacheBackend)
}

func TestLoad_NormalizesCaseAndWhitespace(t *testing.T) {
	path := writeConfigFile(t, `
addr = " :25565 "
cache_backend = "Redis"
redis_addr = " localhost:6379 "
log_level = "WARN"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":25565", cfg.Addr)
	assert.Equal(t, CacheRedis, cfg.CacheBackend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfigFile(t, `player_timeout = "soon"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "player_timeout")
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeConfigFile(t, `addr = [`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty addr",
			mutate:  func(c *Config) { c.Addr = "" },
			wantErr: "addr",
		},
		{
			name:    "negative max players",
			mutate:  func(c *Config) { c.MaxPlayers = -1 },
			wantErr: "max_players",
		},
		{
			name:    "zero player timeout",
			mutate:  func(c *Config) { c.PlayerTimeout = 0 },
			wantErr: "player_timeout",
		},
		{
			name:    "zero tick interval",
			mutate:  func(c *Config) { c.TickInterval = 0 },
			wantErr: "tick_interval",
		},
		{
			name:    "zero status cache ttl",
			mutate:  func(c *Config) { c.StatusCacheTTL = 0 },
			wantErr: "status_cache_ttl",
		},
		{
			name:    "negative loops",
			mutate:  func(c *Config) { c.Loops = -2 },
			wantErr: "loops",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.CacheBackend = "memcached" },
			wantErr: "cache_backend",
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *Config) { c.CacheBackend = CacheRedis },
			wantErr: "redis_addr",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidMergedConfig(t *testing.T) {
	path := writeConfigFile(t, `cache_backend = "redis"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr")
}
