package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	DatabasePath        string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBQueryTimeout      time.Duration
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisTimeout        time.Duration
	LRUCacheSize        int
	CacheTTL            time.Duration
	RateLimit           RateLimitCfg
	ReadLimit           ReadLimitCfg
	MaxCharContent      int
	DefaultExpiration   string
	TrustedProxies      []string
	AllowedOrigins      []string
	ContextTimeout      time.Duration
	MetricsUser         string
	MetricsPass         Secret
	SessionSecret       Secret
	SessionTTL          time.Duration
	Pepper              Secret
	SecretsFromProvider bool
	Argon2Time          uint32
	Argon2Memory        uint32
	Argon2Parallelism   uint8
	HasherWorkerCount   int
	UsernameMaxLen      int
}

// RateLimitCfg drives admission control on mutating endpoints.
type RateLimitCfg struct {
	PerWindow     int
	Window        time.Duration
	Disabled      bool
	SweepInterval time.Duration
}

// ReadLimitCfg drives the token bucket on read endpoints.
type ReadLimitCfg struct {
	RPS   float64
	Burst int
}

const (
	DefaultCreatePerMin   = 10
	DefaultMaxCharContent = 50000
	DefaultExpiration     = "24h"
)

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "snipbin.db")
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.CacheTTL, err = getDuration("CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	// A bad CREATE_PER_MIN falls back to the default instead of failing startup.
	c.RateLimit.PerWindow = getPositiveIntOr("CREATE_PER_MIN", DefaultCreatePerMin)
	c.RateLimit.Window, err = getDuration("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Disabled = getEnv("DISABLE_RATE_LIMIT", "") == "1"
	c.RateLimit.SweepInterval, err = getDuration("LIMITER_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ReadLimit.RPS, err = getFloat("READ_RPS", 20)
	if err != nil {
		return nil, err
	}
	c.ReadLimit.Burst, err = getInt("READ_BURST", 40)
	if err != nil {
		return nil, err
	}

	c.MaxCharContent = getPositiveIntOr("MAX_CHAR_CONTENT", DefaultMaxCharContent)
	c.DefaultExpiration = getEnv("PASTE_DEFAULT_EXPIRATION", "")
	if c.DefaultExpiration == "" {
		c.DefaultExpiration = DefaultExpiration
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))

	c.SessionSecret = NewSecret(getEnv("SESSION_SECRET", ""))
	c.SessionTTL, err = getDuration("SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.SecretsFromProvider = getEnv("SECRETS_FROM_PROVIDER", "false") == "true"
	c.Argon2Time, err = getUint32("ARGON2_TIME", 3)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.UsernameMaxLen, err = getInt("USERNAME_MAX_LEN", 8)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	if c.ReadLimit.RPS <= 0 || c.ReadLimit.Burst <= 0 {
		return errors.New("READ_RPS and READ_BURST must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be at least 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.UsernameMaxLen < 1 {
		return errors.New("USERNAME_MAX_LEN must be positive")
	}
	if c.SessionTTL < time.Minute {
		return errors.New("SESSION_TTL must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if !c.SecretsFromProvider && len(c.SessionSecret.Value()) < 32 {
			return errors.New("SESSION_SECRET must be at least 32 bytes in production")
		}
		if !c.SecretsFromProvider && c.Pepper.Value() == "" {
			return errors.New("PEPPER is required in production")
		}
	}
	if !c.SecretsFromProvider && c.Pepper.Value() != "" && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.SessionSecret.Wipe()
	c.Pepper.Wipe()
}

// MaxBodyBytes bounds raw request bodies on paste creation.
func (c *Cfg) MaxBodyBytes() int64 {
	return int64(c.MaxCharContent) * 5
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getPositiveIntOr(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
