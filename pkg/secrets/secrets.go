// Package secrets resolves deployment secrets (PEPPER, SESSION_SECRET) from
// Vault KV, AWS Secrets Manager, or the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
	ErrRequiresPrimary     = errors.New("SECRETS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

type Provider interface {
	Name() string
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter asks the primary provider first and falls back to the environment
// unless configured to fail closed.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
	ttl            time.Duration
	group          singleflight.Group
	mu             sync.RWMutex
	cache          map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewAdapter discovers providers from VAULT_ADDR and AWS_REGION.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "vault provider")
		}
		primary = vp
	} else if os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "aws provider")
		}
		primary = ap
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS)")
	}
	return New(primary, EnvProvider{}, Options{
		FailClosed:     os.Getenv("SECRETS_FAIL_CLOSED") != "false",
		RequirePrimary: requirePrimary,
	}), nil
}

type Options struct {
	FailClosed     bool
	RequirePrimary bool
	CacheTTL       time.Duration
}

func New(primary, fallback Provider, opts Options) *Adapter {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.RequirePrimary {
		fallback = nil
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     opts.FailClosed,
		requirePrimary: opts.RequirePrimary,
		ttl:            opts.CacheTTL,
		cache:          make(map[string]cachedSecret),
	}
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	a.mu.RLock()
	c, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(c.expiresAt) {
		return c.value, nil
	}
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		val, err := a.fetch(ctx, key)
		if err != nil {
			return "", err
		}
		a.mu.Lock()
		a.cache[key] = cachedSecret{value: val, expiresAt: time.Now().Add(a.ttl)}
		a.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Adapter) fetch(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrSecretNotFound
		}
		if a.requirePrimary {
			return "", errors.Wrapf(err, "%s GetSecret failed (%s)", a.primary.Name(), ErrRequiresPrimary)
		}
		if a.failClosed {
			return "", errors.Wrapf(err, "%s GetSecret failed (fail-closed)", a.primary.Name())
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// Wipe forgets cached values.
func (a *Adapter) Wipe() {
	a.mu.Lock()
	a.cache = make(map[string]cachedSecret)
	a.mu.Unlock()
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/snipbin"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

// GetSecret reads a KV v2 entry whose payload is {"value": "..."}.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return kvValue(secret.Data)
}

func kvValue(data map[string]interface{}) (string, error) {
	inner, ok := data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := inner["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "snipbin/"),
	}, nil
}

func (a *awsProvider) Name() string { return "aws-secretsmanager" }

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", id)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
