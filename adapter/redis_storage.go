package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures RedisStorage
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default "storefront:"
}

// RedisStorage stores keys in Redis and publishes every change on a pub/sub
// channel so other processes sharing the prefix see logouts and refreshes.
type RedisStorage struct {
	client  *redis.Client
	prefix  string
	channel string
	origin  string
	logger  *slog.Logger
	events  *Emitter[StorageEvent]

	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type redisChange struct {
	Key    string    `json:"key"`
	Op     StorageOp `json:"op"`
	Origin string    `json:"origin"`
}

// NewRedisStorage connects, pings and starts the change subscriber
func NewRedisStorage(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStorage, error) {
	if logger == nil {
		logger = DiscardLogger()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "storefront:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis storage: ping failed: %w", err)
	}

	return newRedisStorage(client, opts.KeyPrefix, logger), nil
}

func newRedisStorage(client *redis.Client, prefix string, logger *slog.Logger) *RedisStorage {
	subCtx, cancel := context.WithCancel(context.Background())
	rs := &RedisStorage{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		origin:  uuid.NewString(),
		logger:  logger,
		events:  NewEmitter[StorageEvent]("storage", logger),
		cancel:  cancel,
	}

	rs.pubsub = client.Subscribe(subCtx, rs.channel)
	rs.wg.Add(1)
	go rs.listen(subCtx)
	return rs
}

func (r *RedisStorage) key(k string) string {
	return r.prefix + k
}

// Origin identifies this handle in published changes
func (r *RedisStorage) Origin() string { return r.origin }

func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis storage: get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis storage: set %s: %w", key, err)
	}
	r.publish(ctx, key, StorageSet)
	return nil
}

func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis storage: delete %s: %w", key, err)
	}
	r.publish(ctx, key, StorageRemove)
	return nil
}

func (r *RedisStorage) Subscribe(fn func(StorageEvent)) func() {
	return r.events.Subscribe(fn)
}

// Close stops the subscriber and closes the client
func (r *RedisStorage) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.pubsub.Close()
		r.wg.Wait()
		err = r.client.Close()
	})
	return err
}

// publish failures are logged only; the write itself already succeeded
func (r *RedisStorage) publish(ctx context.Context, key string, op StorageOp) {
	payload, err := json.Marshal(redisChange{Key: key, Op: op, Origin: r.origin})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("Failed to publish storage change",
			"function", "RedisStorage.publish",
			"key", key,
			"error", err)
	}
}

func (r *RedisStorage) listen(ctx context.Context) {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn("Ignoring malformed storage change",
					"function", "RedisStorage.listen",
					"error", err)
				continue
			}
			if change.Origin == r.origin {
				continue
			}

			ev := StorageEvent{Key: change.Key, Op: change.Op, Origin: change.Origin}
			if change.Op == StorageSet {
				if v, ok, err := r.Get(ctx, change.Key); err == nil && ok {
					ev.Value = v
				}
			}
			r.events.Emit(ev)
		}
	}
}
