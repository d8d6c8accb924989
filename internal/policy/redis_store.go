package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"
)

const redisReserveAttempts = 16

// RedisStoreConfig 描述 Redis 账本的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Limit    int
}

// RedisStore 将每个用户的历史保存为一个 JSON 值，nonce 各占一个键。
// Reserve 使用 WATCH/MULTI 乐观锁，冲突时整体重试。
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int
}

// NewRedisStore 创建 Redis 账本并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.Limit), nil
}

// NewRedisStoreWithClient 复用已有客户端。
func NewRedisStoreWithClient(client *redis.Client, prefix string, limit int) *RedisStore {
	if prefix == "" {
		prefix = "chimera:policy"
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &RedisStore{client: client, prefix: prefix, limit: limit}
}

func (s *RedisStore) userKey(user string) string {
	return s.prefix + ":user:" + user
}

func (s *RedisStore) nonceKey(nonce uint64) string {
	return fmt.Sprintf("%s:nonce:%d", s.prefix, nonce)
}

func (s *RedisStore) read(ctx context.Context, tx *redis.Tx, user string) (State, error) {
	raw, err := tx.Get(ctx, s.userKey(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{User: user}, nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode policy state: %w", err)
	}
	st.User = user
	return st, nil
}

// update 在 WATCH 用户键与额外键的前提下执行读改写，冲突时重试。
func (s *RedisStore) update(ctx context.Context, user string, extra []string, fn func(tx *redis.Tx, st *State) (write bool, err error), onWrite func(pipe redis.Pipeliner)) error {
	keys := append([]string{s.userKey(user)}, extra...)
	for attempt := 0; attempt < redisReserveAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			st, err := s.read(ctx, tx, user)
			if err != nil {
				return err
			}
			write, err := fn(tx, &st)
			if err != nil || !write {
				return err
			}
			payload, err := json.Marshal(st)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.userKey(user), payload, 0)
				if onWrite != nil {
					onWrite(pipe)
				}
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("policy state for %s is under contention", user)
}

// Reserve 实现 Store 接口。
func (s *RedisStore) Reserve(ctx context.Context, r Reservation, validate Validator) ([]Violation, error) {
	user := NormalizeUser(r.User)
	nonceKey := s.nonceKey(r.Nonce)
	var violations []Violation
	err := s.update(ctx, user, []string{nonceKey}, func(tx *redis.Tx, st *State) (bool, error) {
		exists, err := tx.Exists(ctx, nonceKey).Result()
		if err != nil {
			return false, err
		}
		violations = validate(cloneState(*st), exists > 0)
		if len(violations) > 0 {
			return false, nil
		}
		st.Records = append(st.Records, Record{
			Nonce:     r.Nonce,
			Timestamp: r.At,
			Type:      r.Type,
			GasSpent:  new(big.Int),
			Status:    StatusPending,
		})
		st.Records, _ = trimHistory(st.Records, s.limit)
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, nonceKey, user, 0)
	})
	if err != nil {
		return nil, storageError(err, "reserve nonce")
	}
	return violations, nil
}

// Commit 实现 Store 接口。
func (s *RedisStore) Commit(ctx context.Context, user string, nonce uint64, outcome Outcome) error {
	user = NormalizeUser(user)
	found := false
	err := s.update(ctx, user, nil, func(_ *redis.Tx, st *State) (bool, error) {
		for i := range st.Records {
			if st.Records[i].Nonce != nonce {
				continue
			}
			found = true
			rec := &st.Records[i]
			rec.TxHash = outcome.TxHash
			rec.GasSpent = new(big.Int)
			if outcome.GasSpent != nil {
				rec.GasSpent.Set(outcome.GasSpent)
			}
			if !outcome.Confirmed.IsZero() {
				rec.Timestamp = outcome.Confirmed
			}
			rec.Status = StatusConfirmed
			return true, nil
		}
		return false, nil
	}, nil)
	if err != nil {
		return storageError(err, "commit record")
	}
	if !found {
		return ErrRecordNotFound
	}
	return nil
}

// Abort 实现 Store 接口。
func (s *RedisStore) Abort(ctx context.Context, user string, nonce uint64, release bool) error {
	user = NormalizeUser(user)
	err := s.update(ctx, user, nil, func(_ *redis.Tx, st *State) (bool, error) {
		kept := st.Records[:0]
		for _, rec := range st.Records {
			if rec.Nonce == nonce && rec.Status == StatusPending {
				continue
			}
			kept = append(kept, rec)
		}
		st.Records = kept
		return true, nil
	}, func(pipe redis.Pipeliner) {
		if release {
			pipe.Del(ctx, s.nonceKey(nonce))
		}
	})
	return storageError(err, "abort reservation")
}

// NonceUsed 实现 Store 接口。
func (s *RedisStore) NonceUsed(ctx context.Context, nonce uint64) (bool, error) {
	n, err := s.client.Exists(ctx, s.nonceKey(nonce)).Result()
	if err != nil {
		return false, storageError(err, "check nonce")
	}
	return n > 0, nil
}

// TrackNonce 实现 Store 接口。
func (s *RedisStore) TrackNonce(ctx context.Context, user string, nonce uint64) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.nonceKey(nonce), NormalizeUser(user), 0).Result()
	if err != nil {
		return false, storageError(err, "track nonce")
	}
	return ok, nil
}

// Snapshot 实现 Store 接口。
func (s *RedisStore) Snapshot(ctx context.Context, user string) (State, error) {
	user = NormalizeUser(user)
	raw, err := s.client.Get(ctx, s.userKey(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{User: user}, nil
	}
	if err != nil {
		return State{}, storageError(err, "load policy state")
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, storageError(err, "decode policy state")
	}
	st.User = user
	return st, nil
}

// Close 关闭 Redis 客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
