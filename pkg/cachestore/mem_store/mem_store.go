package mem_store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pmkol/swcache/pkg/cachestore"
	"github.com/pmkol/swcache/pkg/list"
)

var _ cachestore.Backend = (*MemStore)(nil)

// MemStore is an in-process cachestore.Backend. It never evicts, and
// it remembers the order in which keys were first stored.
type MemStore struct {
	closed uint32

	mu sync.RWMutex
	l  *list.List[cachestore.KV]
	m  map[string]*list.Elem[cachestore.KV]
}

func NewMemStore() *MemStore {
	return &MemStore{
		l: list.New[cachestore.KV](),
		m: make(map[string]*list.Elem[cachestore.KV]),
	}
}

func (s *MemStore) isClosed() bool {
	return atomic.LoadUint32(&s.closed) != 0
}

// Close marks s as closed. Later calls return cachestore.ErrClosed.
func (s *MemStore) Close() error {
	atomic.StoreUint32(&s.closed, 1)
	return nil
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, cachestore.ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	// Values are replaced, never modified in place.
	return e.Value.V, true, nil
}

func (s *MemStore) StoreBatch(ctx context.Context, b []cachestore.KV) error {
	if s.isClosed() {
		return cachestore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range b {
		if e, ok := s.m[kv.Key]; ok {
			e.Value = kv
			continue
		}
		s.m[kv.Key] = s.l.PushBack(list.NewElem(kv))
	}
	return nil
}

func (s *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s.isClosed() {
		return nil, cachestore.ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for e := s.l.Front(); e != nil; e = e.Next() {
		if strings.HasPrefix(e.Value.Key, prefix) {
			keys = append(keys, e.Value.Key)
		}
	}
	return keys, nil
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l.Len()
}
