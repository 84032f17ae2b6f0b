package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/cachestore"
	"github.com/pmkol/swcache/pkg/cachestore/mem_store"
	"github.com/pmkol/swcache/pkg/cachestore/redis_store"
	"github.com/pmkol/swcache/pkg/cachestore/sqlite_store"
	"github.com/pmkol/swcache/pkg/fetcher"
	"github.com/pmkol/swcache/pkg/precache"
)

const defaultSQLitePath = "swcache.db"

// core is everything a worker needs besides the servers. Admin commands
// build one without starting any listener.
type core struct {
	backend cachestore.Backend
	storage *cachestore.Storage
	fetcher *fetcher.Fetcher
}

func newCore(cfg *Config, lg *zap.Logger) (*core, error) {
	b, err := newBackend(&cfg.Cache.Backend, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache backend, %w", err)
	}
	s, err := cachestore.NewStorage(cachestore.StorageOpts{
		Backend:  b,
		Compress: cfg.Cache.Compress,
		MemoSize: cfg.Cache.MemoSize,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	c := &core{backend: b, storage: s}

	if len(cfg.Upstream.URL) > 0 {
		f, err := fetcher.NewFetcher(fetcher.FetcherOpts{
			Upstream:     cfg.Upstream.URL,
			MaxIdleConns: cfg.Upstream.MaxIdleConns,
			HTTP2:        cfg.Upstream.HTTP2,
			Logger:       lg.Named("fetcher"),
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to init fetcher, %w", err)
		}
		c.fetcher = f
	}
	return c, nil
}

func (c *core) newWorker(cfg *Config, lg *zap.Logger, reg prometheus.Registerer) (*precache.Worker, error) {
	if c.fetcher == nil {
		return nil, errors.New("missing upstream url")
	}
	return precache.NewWorker(precache.WorkerOpts{
		Config: precache.Config{
			CacheName: cfg.Cache.Name,
			URLs:      cfg.Cache.URLs,
		},
		Storage:    c.storage,
		Fetcher:    c.fetcher,
		Logger:     lg.Named("worker"),
		MetricsReg: reg,
	})
}

func (c *core) Close() error {
	if c.fetcher != nil {
		c.fetcher.Close()
	}
	return c.backend.Close()
}

func newBackend(cfg *BackendConfig, lg *zap.Logger) (cachestore.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return mem_store.NewMemStore(), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		c := redis.NewClient(opt)
		return redis_store.NewRedisStore(redis_store.RedisStoreOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: time.Duration(cfg.Redis.Timeout) * time.Millisecond,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        lg.Named("redis"),
		})
	case "sqlite":
		p := cfg.SQLite.Path
		if len(p) == 0 {
			p = defaultSQLitePath
		}
		return sqlite_store.Open(p)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
