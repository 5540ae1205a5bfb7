package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/image-pipeline/internal/domain"
)

const maxMarkRetries = 5

const (
	fieldBucket    = "bucket"
	fieldName      = "name"
	fieldStage     = "stage"
	fieldAttempts  = "attempts"
	fieldError     = "error"
	fieldUpdatedAt = "updated_at"
)

// RedisOptions configures the redis tracker.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisTracker stores one hash per object under "<prefix>:<bucket>/<name>".
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisTracker(ctx context.Context, opts RedisOptions) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisTracker(client, opts), nil
}

func newRedisTracker(client *redis.Client, opts RedisOptions) *RedisTracker {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "image-status"
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: opts.TTL}
}

func (t *RedisTracker) buildKey(bucket, name string) string {
	return fmt.Sprintf("%s:%s/%s", t.prefix, bucket, name)
}

// Mark compares and sets the stage under WATCH, so concurrent stages
// cannot move the record backwards.
func (t *RedisTracker) Mark(ctx context.Context, bucket, name string, stage domain.Stage, errMsg string) error {
	key := t.buildKey(bucket, name)
	if stage != domain.StageFailed {
		errMsg = ""
	}

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, fieldStage).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current := domain.Stage(cur); !current.CanAdvance(stage) {
			return fmt.Errorf("%w: %s to %s", ErrStaleTransition, current, stage)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if stage == domain.StageUploaded {
				pipe.Del(ctx, key)
			}
			pipe.HSet(ctx, key,
				fieldBucket, bucket,
				fieldName, name,
				fieldStage, string(stage),
				fieldError, errMsg,
				fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
			)
			if stage == domain.StageProcessing {
				pipe.HIncrBy(ctx, key, fieldAttempts, 1)
			}
			if t.ttl > 0 {
				pipe.Expire(ctx, key, t.ttl)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxMarkRetries; i++ {
		err = t.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return err
		}
		return fmt.Errorf("failed to update status in redis: %w", err)
	}
	return nil
}

func (t *RedisTracker) Get(ctx context.Context, bucket, name string) (*domain.StatusRecord, error) {
	vals, err := t.client.HGetAll(ctx, t.buildKey(bucket, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	rec := &domain.StatusRecord{
		Bucket: vals[fieldBucket],
		Name:   vals[fieldName],
		Stage:  domain.Stage(vals[fieldStage]),
		Error:  vals[fieldError],
	}
	if n, err := strconv.Atoi(vals[fieldAttempts]); err == nil {
		rec.Attempts = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals[fieldUpdatedAt]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
