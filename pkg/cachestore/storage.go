package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pmkol/swcache/pkg/concurrent_lru"
	"github.com/pmkol/swcache/pkg/pool"
)

const memoShards = 16

var (
	// ErrDuplicateRequest is returned by AddAll when two urls map to
	// the same request key.
	ErrDuplicateRequest = errors.New("duplicate request in batch")

	// ErrVaryAll is returned by AddAll for a response with "Vary: *",
	// which can never be matched.
	ErrVaryAll = errors.New("response varies on all headers")

	errEmptyName   = errors.New("empty cache name")
	errInvalidName = errors.New("cache name contains NUL")
)

// ResponseError reports a fetched response that cannot be added to a
// cache because its status is not in the 2xx range or is 206.
type ResponseError struct {
	URL    string
	Status int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("bad response for %s: http %d", e.URL, e.Status)
}

// Fetcher performs a network request.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

type StorageOpts struct {
	// Backend cannot be nil.
	Backend Backend

	// Compress enables snappy compression of stored bodies.
	Compress bool

	// MemoSize is the number of decoded entries kept in memory in front
	// of Backend. Zero disables the memo. Entries written by another
	// process under a memoized key are not seen until they are evicted.
	MemoSize int
}

func (opts *StorageOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	return nil
}

// Storage is a set of named caches sharing one Backend.
type Storage struct {
	opts StorageOpts
	memo *concurrent_lru.ShardedLRU[*Record]
}

func NewStorage(opts StorageOpts) (*Storage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	s := &Storage{opts: opts}
	if opts.MemoSize > 0 {
		s.memo = concurrent_lru.NewShardedLRU[*Record](memoShards, opts.MemoSize)
	}
	return s, nil
}

// Open returns the cache named name, creating it if it does not exist.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.opts.Backend.StoreBatch(ctx, []KV{{Key: nameKey(name), V: []byte(name)}}); err != nil {
			return nil, fmt.Errorf("failed to create cache %s, %w", name, err)
		}
	}
	return &Cache{name: name, s: s}, nil
}

// Has reports whether a cache named name exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	_, ok, err := s.opts.Backend.Get(ctx, nameKey(name))
	if err != nil {
		return false, fmt.Errorf("failed to look up cache %s, %w", name, err)
	}
	return ok, nil
}

// Names returns the names of all caches in creation order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	keys, err := s.opts.Backend.Keys(ctx, nameKeyPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, nameKeyPrefix))
	}
	return names, nil
}

func checkName(name string) error {
	if len(name) == 0 {
		return errEmptyName
	}
	if strings.IndexByte(name, 0) >= 0 {
		return errInvalidName
	}
	return nil
}

// Cache is a handle of a named cache. It holds no state besides its
// name, so handles of the same name are interchangeable.
type Cache struct {
	name string
	s    *Storage
}

func (c *Cache) Name() string {
	return c.name
}

// Match looks up k. It never checks freshness. The returned record
// must not be modified.
func (c *Cache) Match(ctx context.Context, k RequestKey) (*Record, bool, error) {
	key := entryKey(c.name, k)
	memo := c.s.memo
	if memo != nil {
		if r, ok := memo.Get(key); ok {
			return r, true, nil
		}
	}

	b, ok, err := c.s.opts.Backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	r, err := decodeRecord(b)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode entry %s, %w", k, err)
	}
	if memo != nil {
		memo.Add(key, r)
	}
	return r, true, nil
}

// Keys returns the request keys stored in c in insertion order.
func (c *Cache) Keys(ctx context.Context) ([]RequestKey, error) {
	keys, err := c.s.opts.Backend.Keys(ctx, entryPrefix(c.name))
	if err != nil {
		return nil, err
	}
	rks := make([]RequestKey, 0, len(keys))
	for _, k := range keys {
		if rk, ok := parseEntryKey(c.name, k); ok {
			rks = append(rks, rk)
		}
	}
	return rks, nil
}

// PutAll stores records atomically.
func (c *Cache) PutAll(ctx context.Context, records []*Record) error {
	b := make([]KV, 0, len(records))
	for _, r := range records {
		b = append(b, KV{Key: entryKey(c.name, r.Key), V: encodeRecord(r, c.s.opts.Compress)})
	}
	if err := c.s.opts.Backend.StoreBatch(ctx, b); err != nil {
		return err
	}
	if memo := c.s.memo; memo != nil {
		for _, kv := range b {
			memo.Del(kv.Key)
		}
	}
	return nil
}

// AddAll fetches every url with GET using f and stores the responses.
// urls must be absolute. Fetches run concurrently and the first failure
// cancels the others. Nothing is stored unless every response was
// fetched and has a 2xx status. It returns the total body size stored.
func (c *Cache) AddAll(ctx context.Context, f Fetcher, urls []*url.URL) (int64, error) {
	keys := make([]RequestKey, len(urls))
	dup := make(map[RequestKey]struct{}, len(urls))
	for i, u := range urls {
		if !u.IsAbs() {
			return 0, fmt.Errorf("url %s is not absolute", u)
		}
		k := NewRequestKey(http.MethodGet, u)
		if _, ok := dup[k]; ok {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateRequest, k.URL)
		}
		dup[k] = struct{}{}
		keys[i] = k
	}

	records := make([]*Record, len(urls))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range urls {
		g.Go(func() error {
			r, err := fetchRecord(gCtx, f, keys[i])
			if err != nil {
				return err
			}
			records[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := c.PutAll(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to store entries, %w", err)
	}
	var size int64
	for _, r := range records {
		size += int64(len(r.Body))
	}
	return size, nil
}

func varyAll(h http.Header) bool {
	for _, v := range h.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			if strings.TrimSpace(f) == "*" {
				return true
			}
		}
	}
	return false
}

func fetchRecord(ctx context.Context, f Fetcher, k RequestKey) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, k.Method, k.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s, %w", k.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return nil, &ResponseError{URL: k.URL, Status: resp.StatusCode}
	}
	if varyAll(resp.Header) {
		return nil, fmt.Errorf("%w: %s", ErrVaryAll, k.URL)
	}

	buf := pool.GetBytesBuf()
	defer pool.ReleaseBytesBuf(buf)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read body of %s, %w", k.URL, err)
	}

	return &Record{
		Key:    k,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   bytes.Clone(buf.Bytes()),
	}, nil
}
