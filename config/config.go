// Package config loads the server's runtime settings from a TOML file.
// Settings omitted from the file keep their defaults; durations are written
// as strings ("30s", "50ms") and parsed with time.ParseDuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// CacheBackend selects where the server caches its status responses.
type CacheBackend string

const (
	// CacheMemory keeps status responses in process memory.
	CacheMemory CacheBackend = "memory"
	// CacheRedis shares status responses through a Redis instance.
	CacheRedis CacheBackend = "redis"
)

// Config holds the runtime settings the server consumes.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// Addr is the "host:port" the server accepts game clients on.
	Addr string
	// MOTD is the description line served to status pings.
	MOTD string
	// MaxPlayers is the player capacity reported in status responses.
	MaxPlayers int
	// PlayerTimeout is how long a connection may go without a keep-alive
	// before it is dropped as timed out.
	PlayerTimeout time.Duration
	// TickInterval is the cadence of the per-connection maintenance pass.
	TickInterval time.Duration
	// StatusCacheTTL is how long a built status response is served before
	// being rebuilt.
	StatusCacheTTL time.Duration
	// Loops is the number of serial execution loops connections are spread
	// across; 0 means one per CPU.
	Loops int
	// CacheBackend selects the status cache backend.
	CacheBackend CacheBackend
	// RedisAddr is the Redis "host:port"; required when CacheBackend is
	// CacheRedis.
	RedisAddr string
	// LogLevel is the minimum level emitted: debug, info, warn or error.
	LogLevel string
}

// DefaultConfig returns the settings a server runs with when no file
// overrides them.
func DefaultConfig() Config {
	return Config{
		Name:           "gamenet",
		Addr:           ":25565",
		MOTD:           "A Game Server",
		MaxPlayers:     20,
		PlayerTimeout:  30 * time.Second,
		TickInterval:   50 * time.Millisecond,
		StatusCacheTTL: 5 * time.Second,
		Loops:          0,
		CacheBackend:   CacheMemory,
		RedisAddr:      "",
		LogLevel:       "info",
	}
}

// fileConfig mirrors the TOML document. Durations are strings so operators
// can write "30s" rather than nanosecond counts.
type fileConfig struct {
	Name           string `toml:"name"`
	Addr           string `toml:"addr"`
	MOTD           string `toml:"motd"`
	MaxPlayers     int    `toml:"max_players"`
	PlayerTimeout  string `toml:"player_timeout"`
	TickInterval   string `toml:"tick_interval"`
	StatusCacheTTL string `toml:"status_cache_ttl"`
	Loops          int    `toml:"loops"`
	CacheBackend   string `toml:"cache_backend"`
	RedisAddr      string `toml:"redis_addr"`
	LogLevel       string `toml:"log_level"`
}

// Load reads the TOML file at path, overlays whatever it defines onto the
// defaults, and validates the result.
//
// Parameters:
//   - path: Filesystem path of the TOML configuration file
//
// Returns:
//   - The merged, validated Config
//   - An error if the file cannot be read, a value cannot be parsed, or the
//     merged settings fail validation
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("motd") {
		cfg.MOTD = raw.MOTD
	}

	if meta.IsDefined("max_players") {
		cfg.MaxPlayers = raw.MaxPlayers
	}

	if meta.IsDefined("player_timeout") {
		d, err := parseDuration("player_timeout", raw.PlayerTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.PlayerTimeout = d
	}

	if meta.IsDefined("tick_interval") {
		d, err := parseDuration("tick_interval", raw.TickInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.TickInterval = d
	}

	if meta.IsDefined("status_cache_ttl") {
		d, err := parseDuration("status_cache_ttl", raw.StatusCacheTTL)
		if err != nil {
			return Config{}, err
		}
		cfg.StatusCacheTTL = d
	}

	if meta.IsDefined("loops") {
		cfg.Loops = raw.Loops
	}

	if meta.IsDefined("cache_backend") {
		cfg.CacheBackend = CacheBackend(strings.ToLower(strings.TrimSpace(raw.CacheBackend)))
	}

	if meta.IsDefined("redis_addr") {
		cfg.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting, if any.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}

	if c.MaxPlayers < 0 {
		return fmt.Errorf("max_players must not be negative, got %d", c.MaxPlayers)
	}

	if c.PlayerTimeout <= 0 {
		return fmt.Errorf("player_timeout must be positive, got %s", c.PlayerTimeout)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}

	if c.StatusCacheTTL <= 0 {
		return fmt.Errorf("status_cache_ttl must be positive, got %s", c.StatusCacheTTL)
	}

	if c.Loops < 0 {
		return fmt.Errorf("loops must not be negative, got %d", c.Loops)
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required when cache_backend is redis")
		}
	default:
		return fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
