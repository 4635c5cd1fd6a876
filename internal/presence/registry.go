package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/ircrelay/internal/config"
	"github.com/rickgao/ircrelay/internal/model"
)

// Store is the subset of *redis.Client the registry uses.
type Store interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// SessionSource reports the session to advertise. *router.Router satisfies
// it.
type SessionSource interface {
	Session(server string) model.Session
}

// Config holds registry settings.
type Config struct {
	KeyPrefix       string
	TTL             time.Duration
	RefreshInterval time.Duration
	Server          string // upstream host:port
}

// Registry keeps the session hash fresh while the relay runs.
type Registry struct {
	cfg    Config
	store  Store
	source SessionSource
	logger *slog.Logger

	mu      sync.Mutex
	key     string
	updates int64
	errors  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config, store Store, source SessionSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = config.DefaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = config.DefaultPresenceTTL
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	return &Registry{
		cfg:    cfg,
		store:  store,
		source: source,
		logger: logger.With("component", "presence"),
	}
}

// Key returns the Redis key for a session.
func Key(prefix string, s model.Session) string {
	return prefix + s.ID.String()
}

// Fields returns the hash fields for a session as alternating name/value
// pairs, the form HSet accepts.
func Fields(s model.Session) []interface{} {
	return []interface{}{
		"nick", s.Nick,
		"server", s.Server,
		"state", s.State,
		"observers", strconv.Itoa(s.Observers),
		"started_at", strconv.FormatInt(s.StartedAt, 10),
	}
}

// Start publishes the session once and then refreshes it every interval.
// The refresh loop runs even when the first write fails, so the key appears
// once the store recovers; that first error is still returned.
func (r *Registry) Start(ctx context.Context) error {
	err := r.Update(ctx)

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.refreshLoop(ctx)

	if err != nil {
		return err
	}
	r.logger.Info("presence registered", "key", r.currentKey(), "ttl", r.cfg.TTL)
	return nil
}

// Update writes the current session hash and resets its TTL.
func (r *Registry) Update(ctx context.Context) error {
	s := r.source.Session(r.cfg.Server)
	key := Key(r.cfg.KeyPrefix, s)

	if err := r.store.HSet(ctx, key, Fields(s)...).Err(); err != nil {
		r.countError()
		return fmt.Errorf("write presence %s: %w", key, err)
	}
	if err := r.store.Expire(ctx, key, r.cfg.TTL).Err(); err != nil {
		r.countError()
		return fmt.Errorf("expire presence %s: %w", key, err)
	}

	r.mu.Lock()
	r.key = key
	r.updates++
	r.mu.Unlock()
	return nil
}

// Stop ends the refresh loop and deletes the session key.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	key := r.currentKey()
	if key == "" {
		return nil
	}
	if err := r.store.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete presence %s: %w", key, err)
	}
	r.logger.Info("presence removed", "key", key)
	return nil
}

// Stats returns the number of successful updates and failures.
func (r *Registry) Stats() (updates, errors int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates, r.errors
}

func (r *Registry) refreshLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Update(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("presence refresh failed", "error", err)
			}
		}
	}
}

func (r *Registry) currentKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

func (r *Registry) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

// NewClient opens a Redis client and verifies it with a ping.
func NewClient(ctx context.Context, cfg config.PresenceConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
