// Package cache keeps taxpayer reference data close to the ETL stage.
//
// Taxpayers is a read-through cache in front of an etl.TaxpayerRepository.
// Unknown taxpayers are cached too, so a run over many documents of an
// unregistered taxpayer asks the source once. Cache failures are logged and
// fall through to the source.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/logging"
)

// ErrMiss is returned by a Backend when the key is not cached.
var ErrMiss = errors.New("cache miss")

// DefaultTTL bounds how stale cached taxpayer data may get.
const DefaultTTL = 10 * time.Minute

// Backend stores raw cache entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Redis is a Backend over a go-redis client.
type Redis struct {
	client redis.Cmdable
}

// NewRedis wraps client.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Connect opens a client for addr and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

// Set implements Backend.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// entry is the cached form of one lookup.
type entry struct {
	Found bool           `json:"found"`
	Data  map[string]any `json:"data,omitempty"`
}

// Taxpayers caches taxpayer lookups.
type Taxpayers struct {
	source  etl.TaxpayerRepository
	backend Backend
	ttl     time.Duration
	prefix  string
}

var _ etl.TaxpayerRepository = (*Taxpayers)(nil)

// NewTaxpayers creates a cache over source. ttl <= 0 uses DefaultTTL.
func NewTaxpayers(source etl.TaxpayerRepository, backend Backend, ttl time.Duration) *Taxpayers {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Taxpayers{source: source, backend: backend, ttl: ttl, prefix: "taxpayer:"}
}

// TaxpayerData implements etl.TaxpayerRepository.
func (c *Taxpayers) TaxpayerData(ctx context.Context, taxpayerID string) (map[string]any, bool, error) {
	key := c.prefix + taxpayerID
	log := logging.FromContext(ctx)

	raw, err := c.backend.Get(ctx, key)
	switch {
	case err == nil:
		var e entry
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return e.Data, e.Found, nil
		}
		log.Warn("discarding unreadable cache entry", "key", key)
	case !errors.Is(err, ErrMiss):
		log.Warn("taxpayer cache unavailable", "key", key, "error", err)
	}

	data, found, err := c.source.TaxpayerData(ctx, taxpayerID)
	if err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(entry{Found: found, Data: data})
	if err != nil {
		return nil, false, fmt.Errorf("encode taxpayer %s: %w", taxpayerID, err)
	}
	if err := c.backend.Set(ctx, key, payload, c.ttl); err != nil {
		log.Warn("taxpayer cache write failed", "key", key, "error", err)
	}
	return data, found, nil
}
