// Package config loads the gateway's configuration from environment
// variables into the flat typed structs each component expects. The
// getEnv*/default-on-missing-or-invalid shape and the ToXConfig() converter
// pattern are carried over from server/config.go's ServerConfig and its
// getEnv/getEnvBool/getEnvInt/getEnvDuration helpers and To*Config methods;
// this package adds range validation with a warning event on fallback,
// which the teacher's loader never did (out-of-range values there were
// silently accepted).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/auditlog"
	"github.com/sqlgateway/mcpmysql/internal/cache"
	"github.com/sqlgateway/mcpmysql/internal/pool"
	"github.com/sqlgateway/mcpmysql/internal/ratelimit"
	"github.com/sqlgateway/mcpmysql/internal/validate"
)

// Config is the full set of environment-derived gateway settings.
type Config struct {
	MySQLHost           string
	MySQLPort           int
	MySQLUser           string
	MySQLPassword       string
	MySQLDatabase       string
	MySQLSSL            bool
	MySQLConnectionLimit int
	MySQLConnectTimeout  time.Duration
	MySQLIdleTimeout     time.Duration

	AllowedQueryTypes []string
	MaxQueryLength    int
	MaxResultRows     int
	QueryTimeout      time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	SchemaCacheSize     int
	TableExistsCacheSize int
	IndexCacheSize      int
	CacheTTL            time.Duration

	EnableQueryCache    bool
	QueryCacheSize      int
	QueryCacheTTL       time.Duration
	MaxQueryResultSize  int
	EnableTieredCache   bool
	EnableTTLAdjustment bool
}

// Default returns the gateway's built-in defaults, matching spec §6.
func Default() Config {
	return Config{
		MySQLHost:            "localhost",
		MySQLPort:            3306,
		MySQLUser:            "root",
		MySQLPassword:        "",
		MySQLDatabase:        "",
		MySQLSSL:             false,
		MySQLConnectionLimit: 10,
		MySQLConnectTimeout:  60 * time.Second,
		MySQLIdleTimeout:     60 * time.Second,

		AllowedQueryTypes: []string{"SELECT", "SHOW", "DESCRIBE", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER"},
		MaxQueryLength:    10000,
		MaxResultRows:     1000,
		QueryTimeout:      30 * time.Second,

		RateLimitMax:    100,
		RateLimitWindow: 60 * time.Second,

		SchemaCacheSize:      128,
		TableExistsCacheSize: 64,
		IndexCacheSize:       64,
		CacheTTL:             300 * time.Second,

		EnableQueryCache:    true,
		QueryCacheSize:      1000,
		QueryCacheTTL:       300 * time.Second,
		MaxQueryResultSize:  1048576,
		EnableTieredCache:   false,
		EnableTTLAdjustment: false,
	}
}

// Warning is emitted for every env var that was present but failed range
// validation or parsing, so a fallback to default is never silent.
type Warning struct {
	Var     string
	Value   string
	Problem string
}

// Load reads the full environment variable table from spec §6 over top of
// Default(), returning accumulated warnings for any value that fell back.
func Load(log *auditlog.Logger) (Config, []Warning) {
	c := Default()
	var warnings []Warning
	warn := func(v, value, problem string) {
		warnings = append(warnings, Warning{Var: v, Value: value, Problem: problem})
		if log != nil {
			log.Record(auditlog.Event{Kind: "CONFIG_FALLBACK", Severity: "LOW", Context: map[string]any{
				"var": v, "value": value, "problem": problem,
			}})
		}
	}

	c.MySQLHost = getEnv("MYSQL_HOST", c.MySQLHost)
	c.MySQLUser = getEnv("MYSQL_USER", c.MySQLUser)
	c.MySQLPassword = getEnv("MYSQL_PASSWORD", c.MySQLPassword)
	c.MySQLDatabase = getEnv("MYSQL_DATABASE", c.MySQLDatabase)
	c.MySQLSSL = getEnvBool("MYSQL_SSL", c.MySQLSSL, warn)

	c.MySQLPort = getEnvIntRange("MYSQL_PORT", c.MySQLPort, 1, 65535, warn)
	c.MySQLConnectionLimit = getEnvIntRange("MYSQL_CONNECTION_LIMIT", c.MySQLConnectionLimit, 1, 100, warn)
	c.MySQLConnectTimeout = getEnvDurationSecondsRange("MYSQL_CONNECT_TIMEOUT", c.MySQLConnectTimeout, 1, 300, warn)
	c.MySQLIdleTimeout = getEnvDurationSecondsRange("MYSQL_IDLE_TIMEOUT", c.MySQLIdleTimeout, 1, 3600, warn)

	if raw := os.Getenv("ALLOWED_QUERY_TYPES"); raw != "" {
		var types []string
		for _, t := range strings.Split(raw, ",") {
			t = strings.ToUpper(strings.TrimSpace(t))
			if t != "" {
				types = append(types, t)
			}
		}
		if len(types) > 0 {
			c.AllowedQueryTypes = types
		} else {
			warn("ALLOWED_QUERY_TYPES", raw, "no valid entries after parsing")
		}
	}

	c.MaxQueryLength = getEnvIntRange("MAX_QUERY_LENGTH", c.MaxQueryLength, 1, 1_000_000, warn)
	c.MaxResultRows = getEnvIntRange("MAX_RESULT_ROWS", c.MaxResultRows, 1, 1_000_000, warn)
	c.QueryTimeout = getEnvDurationSecondsRange("QUERY_TIMEOUT", c.QueryTimeout, 1, 3600, warn)

	c.RateLimitMax = getEnvIntRange("RATE_LIMIT_MAX", c.RateLimitMax, 1, 1_000_000, warn)
	c.RateLimitWindow = getEnvDurationSecondsRange("RATE_LIMIT_WINDOW", c.RateLimitWindow, 1, 3600, warn)

	c.SchemaCacheSize = getEnvIntRange("SCHEMA_CACHE_SIZE", c.SchemaCacheSize, 0, 1_000_000, warn)
	c.TableExistsCacheSize = getEnvIntRange("TABLE_EXISTS_CACHE_SIZE", c.TableExistsCacheSize, 0, 1_000_000, warn)
	c.IndexCacheSize = getEnvIntRange("INDEX_CACHE_SIZE", c.IndexCacheSize, 0, 1_000_000, warn)
	c.CacheTTL = getEnvDurationSecondsRange("CACHE_TTL", c.CacheTTL, 1, 86400, warn)

	c.EnableQueryCache = getEnvBool("ENABLE_QUERY_CACHE", c.EnableQueryCache, warn)
	c.QueryCacheSize = getEnvIntRange("QUERY_CACHE_SIZE", c.QueryCacheSize, 1, 1_000_000, warn)
	c.QueryCacheTTL = getEnvDurationSecondsRange("QUERY_CACHE_TTL", c.QueryCacheTTL, 1, 86400, warn)
	c.MaxQueryResultSize = getEnvIntRange("MAX_QUERY_RESULT_SIZE", c.MaxQueryResultSize, 1, 1<<30, warn)
	c.EnableTieredCache = getEnvBool("ENABLE_TIERED_CACHE", c.EnableTieredCache, warn)
	c.EnableTTLAdjustment = getEnvBool("ENABLE_TTL_ADJUSTMENT", c.EnableTTLAdjustment, warn)

	return c, warnings
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, def bool, warn func(string, string, string)) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warn(key, v, "not a valid boolean")
		return def
	}
	return b
}

func getEnvIntRange(key string, def, min, max int, warn func(string, string, string)) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn(key, v, "not a valid integer")
		return def
	}
	if n < min || n > max {
		warn(key, v, "out of range")
		return def
	}
	return n
}

func getEnvDurationSecondsRange(key string, def time.Duration, minSec, maxSec int, warn func(string, string, string)) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn(key, v, "not a valid integer number of seconds")
		return def
	}
	if n < minSec || n > maxSec {
		warn(key, v, "out of range")
		return def
	}
	return time.Duration(n) * time.Second
}

// ToPoolConfig converts the gateway config to the connection pool's config.
func (c Config) ToPoolConfig() pool.Config {
	p := pool.DefaultConfig()
	p.Max = c.MySQLConnectionLimit
	p.AcquireTimeout = c.MySQLConnectTimeout
	p.IdleTimeout = c.MySQLIdleTimeout
	return p
}

// ToRateLimitConfig converts to the rate limiter's config.
func (c Config) ToRateLimitConfig() ratelimit.Config {
	r := ratelimit.DefaultConfig()
	perSecond := float64(c.RateLimitMax) / c.RateLimitWindow.Seconds()
	r.BaseRequestsPerSecond = int(perSecond)
	if r.BaseRequestsPerSecond < 1 {
		r.BaseRequestsPerSecond = 1
	}
	r.BaseBurstSize = c.RateLimitMax
	r.Window = c.RateLimitWindow
	return r
}

// ToCacheConfig converts to the result cache's config.
func (c Config) ToCacheConfig() cache.Config {
	cc := cache.DefaultConfig()
	cc.MaxEntries = c.QueryCacheSize
	cc.TTL = c.QueryCacheTTL
	cc.MaxResultSize = c.MaxQueryResultSize
	cc.TieredEnabled = c.EnableTieredCache
	cc.TTLAdjustEnabled = c.EnableTTLAdjustment
	return cc
}

// ToValidatorConfig converts to the input validator's config.
func (c Config) ToValidatorConfig() validate.Config {
	vc := validate.DefaultConfig()
	vc.MaxInputLength = c.MaxQueryLength
	vc.AllowedVerbs = c.AllowedQueryTypes
	return vc
}

// DSN builds the go-sql-driver/mysql data source name for this config.
func (c Config) DSN() string {
	tls := "false"
	if c.MySQLSSL {
		tls = "true"
	}
	dsn := c.MySQLUser
	if c.MySQLPassword != "" {
		dsn += ":" + c.MySQLPassword
	}
	dsn += "@tcp(" + c.MySQLHost + ":" + strconv.Itoa(c.MySQLPort) + ")/" + c.MySQLDatabase
	dsn += "?parseTime=true&tls=" + tls
	return dsn
}
