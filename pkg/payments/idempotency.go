package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

// Idempotency records keys that have been processed so a redelivered
// webhook is acted on once.
type Idempotency interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a failed attempt can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryIdempotency keeps claims in process. It suits a single instance.
type MemoryIdempotency struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{claims: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryIdempotency) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)

	// Sweep expired claims now and then so the map does not grow forever.
	if len(m.claims)%256 == 0 {
		for k, exp := range m.claims {
			if !now.Before(exp) {
				delete(m.claims, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

type prefixed struct {
	next   Idempotency
	prefix string
}

// WithPrefix scopes every key claimed through idem under prefix, so tenants
// sharing one store never see each other's keys.
func WithPrefix(idem Idempotency, prefix string) Idempotency {
	return &prefixed{next: idem, prefix: prefix}
}

func (p *prefixed) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return p.next.Claim(ctx, p.prefix+key, ttl)
}

func (p *prefixed) Release(ctx context.Context, key string) error {
	return p.next.Release(ctx, p.prefix+key)
}

// RedisConfig configures RedisIdempotency.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RedisIdempotency shares claims across instances with SET NX EX.
type RedisIdempotency struct {
	client rueidis.Client
	prefix string
}

func NewRedisIdempotency(config RedisConfig) (*RedisIdempotency, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis: no address configured")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "coop:idem:"
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:   []string{config.Addr},
		Username:      config.Username,
		Password:      config.Password,
		SelectDB:      config.DB,
		MaxFlushDelay: 100 * time.Microsecond,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}
	return &RedisIdempotency{client: client, prefix: config.KeyPrefix}, nil
}

func (r *RedisIdempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := r.client.B().Set().Key(r.prefix + key).Value("1").Nx().Ex(ttl).Build()
	err := r.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return true, nil
}

func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(r.prefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (r *RedisIdempotency) Close() {
	r.client.Close()
}
