package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "approval:definition:"
	versionsPrefix   = "approval:definition-versions:"
	instancePrefix   = "approval:instance:"
	historyPrefix    = "approval:history:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
//
// Instances are JSON strings; history is a list per instance. Commit uses
// WATCH on the instance key so the version check, the SET and the RPUSH
// execute as one MULTI/EXEC.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func definitionKeyOf(id string, version int) string {
	return definitionPrefix + id + ":" + strconv.Itoa(version)
}

func instanceKey(id uint64) string {
	return instancePrefix + strconv.FormatUint(id, 10)
}

func historyKey(id uint64) string {
	return historyPrefix + strconv.FormatUint(id, 10)
}

// getter is the subset of client and transaction commands getFromRedis needs.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis. notFound is
// returned when the key does not exist.
func getFromRedis[T any](ctx context.Context, client getter, key string, notFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, notFound
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveDefinition stores a definition version and indexes it in a sorted set
// keyed by version.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
		}
		key := definitionKeyOf(def.ID, def.Version)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if exists > 0 {
				return definitionExists(def.ID, def.Version)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZAdd(ctx, versionsPrefix+def.ID, &redis.Z{Score: float64(def.Version), Member: def.Version})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return definitionExists(def.ID, def.Version)
		}
		return err
	})
}

// GetDefinition retrieves a definition version from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string, version int) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionKeyOf(id, version), definitionNotFound(id, version))
}

// LatestDefinition retrieves the highest version of a definition from Redis.
func (s *RedisStorage) LatestDefinition(ctx context.Context, id string) (types.Definition, error) {
	versions, err := s.client.ZRevRange(ctx, versionsPrefix+id, 0, 0).Result()
	if err != nil {
		return types.Definition{}, fmt.Errorf("failed to list versions of %s: %w", id, err)
	}
	if len(versions) == 0 {
		return types.Definition{}, definitionNotFound(id, 0)
	}
	version, err := strconv.Atoi(versions[0])
	if err != nil {
		return types.Definition{}, fmt.Errorf("corrupt version %q for %s: %w", versions[0], id, err)
	}
	return s.GetDefinition(ctx, id, version)
}

// CreateInstance stores a new instance with SETNX.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		ok, err := s.client.SetNX(ctx, instanceKey(inst.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
		}
		if !ok {
			return instanceExists(inst.ID)
		}
		return nil
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, instanceKey(id), instanceNotFound(id))
}

// Commit performs the version check inside WATCH and writes the instance and
// the record in one transaction. A concurrent write to the watched key aborts
// the transaction, which is reported as a conflict.
func (s *RedisStorage) Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		instData, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		recData, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %d: %w", record.ID, err)
		}
		key := instanceKey(inst.ID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.Instance](ctx, tx, key, instanceNotFound(inst.ID))
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return versionConflict(inst.ID, expectedVersion)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, instData, 0)
				pipe.RPush(ctx, historyKey(inst.ID), recData)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return versionConflict(inst.ID, expectedVersion)
		}
		return err
	})
}

// GetHistory returns the records of an instance in append order.
func (s *RedisStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		exists, err := s.client.Exists(ctx, instanceKey(instanceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check instance %d: %w", instanceID, err)
		}
		if exists == 0 {
			return nil, instanceNotFound(instanceID)
		}

		items, err := s.client.LRange(ctx, historyKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history of %d: %w", instanceID, err)
		}
		records := make([]types.ApprovalRecord, 0, len(items))
		for _, item := range items {
			var rec types.ApprovalRecord
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record of %d: %w", instanceID, err)
			}
			records = append(records, rec)
		}
		return records, nil
	})
}

// PendingFor walks the instance keys with SCAN. The cost is linear in the
// number of stored instances.
func (s *RedisStorage) PendingFor(ctx context.Context, userID string) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		var out []types.Instance
		iter := s.client.Scan(ctx, 0, instancePrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			inst, err := getFromRedis[types.Instance](ctx, s.client, iter.Val(), redis.Nil)
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, err
			}
			if inst.Status == types.StatusRunning && inst.IsPending(userID) {
				out = append(out, inst)
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan instance keys: %w", err)
		}
		sortByID(out)
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
