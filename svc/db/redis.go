package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"snipbin/cfg"
	"snipbin/pkg/domain"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	pasteKeyPrefix   = "paste:"
	revokedKeyPrefix = "revoked_session:"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisFromClient(client, c.RedisTimeout), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func buildRedisTLSConfig(environment string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	if environment != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read dev CA cert")
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, errors.New("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

// CachePaste stores p under its title. Callers pick a ttl that does not
// outlive the paste.
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, pasteKeyPrefix+p.Title, data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a miss.
func (r *Redis) GetPaste(ctx context.Context, title string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKeyPrefix+title).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

func (r *Redis) DeletePaste(ctx context.Context, titles ...string) error {
	if len(titles) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	keys := make([]string, len(titles))
	for i, t := range titles {
		keys[i] = pasteKeyPrefix + t
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	return nil
}

// RevokeSession blocks a session token ID until its natural expiry.
func (r *Redis) RevokeSession(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return errors.New("token id cannot be empty")
	}
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, revokedKeyPrefix+tokenID, "1", ttl).Err(), "revoke session")
}

func (r *Redis) IsSessionRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, errors.New("token id cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, errors.Wrap(err, "check revoked session")
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "ping redis")
}
