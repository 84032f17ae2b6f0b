/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_store

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/cachestore"
	"github.com/pmkol/swcache/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ cachestore.Backend = (*RedisStore)(nil)

// ErrDisabled is returned while the client is disabled after an error.
var ErrDisabled = errors.New("redis temporarily disabled")

const (
	defaultKeyPrefix = "swcache:"
	orderKeySuffix   = "\x00order"
)

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix namespaces all redis keys. Default is "swcache:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisStore.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultString(&opts.KeyPrefix, defaultKeyPrefix)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStore is a cachestore.Backend on redis. Values are plain redis
// strings without expiration. First-store order is kept in a sorted set.
type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled uint32
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{
		opts: opts,
	}, nil
}

func (r *RedisStore) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisStore) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis enabled")
				return
			}
		}()
	}
}

func (r *RedisStore) redisKey(key string) string {
	return r.opts.KeyPrefix + key
}

func (r *RedisStore) orderKey() string {
	return r.opts.KeyPrefix + orderKeySuffix
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.disabled() {
		return nil, false, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return nil, false, err
	}
	return b, true, nil
}

// StoreBatch stores b in one MULTI/EXEC transaction.
func (r *RedisStore) StoreBatch(ctx context.Context, b []cachestore.KV) error {
	if r.disabled() {
		return ErrDisabled
	}
	if len(b) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	now := time.Now().UnixMicro()
	_, err := r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, kv := range b {
			p.Set(ctx, r.redisKey(kv.Key), kv.V, 0)
			p.ZAddNX(ctx, r.orderKey(), &redis.Z{Score: float64(now + int64(i)), Member: kv.Key})
		}
		return nil
	})
	if err != nil {
		r.opts.Logger.Warn("redis transaction", zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.disabled() {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	all, err := r.opts.Client.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		r.opts.Logger.Warn("redis zrange", zap.Error(err))
		r.disableClient()
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.ZCard(ctx, r.orderKey()).Result()
	if err != nil {
		r.opts.Logger.Error("zcard", zap.Error(err))
		return 0
	}
	return int(i)
}
