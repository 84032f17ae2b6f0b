package lru

import (
	"fmt"

	"github.com/pmkol/swcache/pkg/list"
)

// LRU is a fixed size least recently used set of key values.
// It is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int

	l *list.List[entry[K, V]]
	m map[K]*list.Elem[entry[K, V]]
}

type entry[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		l:       list.New[entry[K, V]](),
		m:       make(map[K]*list.Elem[entry[K, V]], maxSize),
	}
}

// Add adds or replaces key. If q is full the least recently used key
// is dropped.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	if q.l.Len() >= q.maxSize {
		// Reuse the oldest elem.
		e := q.l.Front()
		delete(q.m, e.Value.key)
		e.Value = entry[K, V]{key: key, v: v}
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(entry[K, V]{key: key, v: v})
	q.m[key] = e
	q.l.PushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e, ok := q.m[key]; ok {
		q.l.PopElem(e)
		delete(q.m, key)
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}
