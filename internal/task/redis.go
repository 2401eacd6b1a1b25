package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Hash fields of a task record.
const (
	fieldID        = "id"
	fieldStatus    = "status"
	fieldMessage   = "message"
	fieldEndpoint  = "endpoint"
	fieldTimestamp = "timestamp"
)

// maxWatchRetries bounds optimistic-lock retries on concurrent updates.
const maxWatchRetries = 5

// RedisConfig holds configuration for the Redis task client.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. It takes precedence over Address.
	URL      string
	Address  string
	Password string
	DB       int
	Prefix   string

	// TTL is how long records are kept after their last update.
	TTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectionRetries is the number of additional ping attempts at startup.
	ConnectionRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "gatekeeper:task:",
		TTL:               24 * time.Hour,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		ConnectionRetries: 5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

// RedisManager stores task records as Redis hashes.
type RedisManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time
}

// NewRedisManager connects to Redis, retrying the initial ping with
// exponential backoff.
func NewRedisManager(ctx context.Context, cfg *RedisConfig) (*RedisManager, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	m := NewRedisManagerFromClient(client, cfg.Prefix, cfg.TTL, cfg.Logger)
	if err := m.connect(ctx, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

// NewRedisManagerFromClient wraps an existing client.
func NewRedisManagerFromClient(
	client *redis.Client,
	prefix string,
	ttl time.Duration,
	logger observability.Logger,
) *RedisManager {
	if prefix == "" {
		prefix = DefaultRedisConfig().Prefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func redisOptions(cfg *RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, nil
}

func (m *RedisManager) connect(ctx context.Context, cfg *RedisConfig) error {
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectionRetries; attempt++ {
		if lastErr = m.client.Ping(ctx).Err(); lastErr == nil {
			if attempt > 0 {
				m.logger.Info("redis connection established after retry",
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt == cfg.ConnectionRetries {
			break
		}

		m.logger.Debug("redis connection failed, retrying",
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", backoff),
			observability.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to redis: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("connecting to redis after %d attempts: %w", cfg.ConnectionRetries+1, lastErr)
}

func (m *RedisManager) key(id string) string {
	return m.prefix + id
}

// AddTask implements Manager.
func (m *RedisManager) AddTask(ctx context.Context, endpoint string) (*Record, error) {
	rec := Record{
		ID:        uuid.New().String(),
		Status:    StatusCreated,
		Endpoint:  endpoint,
		Timestamp: m.now().UTC(),
	}

	key := m.key(rec.ID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, recordFields(&rec))
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return &rec, nil
}

// UpdateTaskStatus implements Manager. The existence check and the write
// happen in one WATCH transaction so a concurrently expiring record is not
// resurrected.
func (m *RedisManager) UpdateTaskStatus(ctx context.Context, id string, status Status, message string) error {
	key := m.key(id)

	update := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", id, util.ErrTaskNotFound)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldStatus, string(status),
				fieldMessage, message,
				fieldTimestamp, m.now().UTC().Format(time.RFC3339Nano),
			)
			if m.ttl > 0 {
				pipe.Expire(ctx, key, m.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := m.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, util.ErrNotFound) {
			return fmt.Errorf("updating task %s: %w", id, err)
		}
		return err
	}
	return fmt.Errorf("updating task %s: %w", id, redis.TxFailedErr)
}

// CompleteTask implements Manager.
func (m *RedisManager) CompleteTask(ctx context.Context, id, message string) error {
	return m.UpdateTaskStatus(ctx, id, StatusCompleted, message)
}

// FailTask implements Manager.
func (m *RedisManager) FailTask(ctx context.Context, id, message string) error {
	return m.UpdateTaskStatus(ctx, id, StatusFailed, message)
}

// GetTaskStatus implements Manager.
func (m *RedisManager) GetTaskStatus(ctx context.Context, id string) (*Record, error) {
	fields, err := m.client.HGetAll(ctx, m.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", id, util.ErrTaskNotFound)
	}
	return recordFromFields(fields), nil
}

// Ping checks the connection to Redis.
func (m *RedisManager) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

func recordFields(rec *Record) map[string]any {
	return map[string]any{
		fieldID:        rec.ID,
		fieldStatus:    string(rec.Status),
		fieldMessage:   rec.Message,
		fieldEndpoint:  rec.Endpoint,
		fieldTimestamp: rec.Timestamp.Format(time.RFC3339Nano),
	}
}

func recordFromFields(fields map[string]string) *Record {
	rec := &Record{
		ID:       fields[fieldID],
		Status:   Status(fields[fieldStatus]),
		Message:  fields[fieldMessage],
		Endpoint: fields[fieldEndpoint],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldTimestamp]); err == nil {
		rec.Timestamp = ts
	}
	return rec
}
