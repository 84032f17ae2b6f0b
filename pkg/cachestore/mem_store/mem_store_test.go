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

package mem_store

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache/pkg/cachestore"
)

func Test_memStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	err := s.StoreBatch(ctx, []cachestore.KV{
		{Key: "a/1", V: []byte("1")},
		{Key: "b/1", V: []byte("2")},
		{Key: "a/2", V: []byte("3")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())

	v, ok, err := s.Get(ctx, "b/1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	_, ok, err = s.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	// Replacing a key keeps its position.
	require.NoError(t, s.StoreBatch(ctx, []cachestore.KV{{Key: "a/1", V: []byte("4")}}))
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "b/1", "a/2"}, keys)
	v, _, _ = s.Get(ctx, "a/1")
	assert.Equal(t, []byte("4"), v)
}

func Test_memStore_closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Close())

	_, _, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, cachestore.ErrClosed)
	assert.ErrorIs(t, s.StoreBatch(ctx, []cachestore.KV{{Key: "a"}}), cachestore.ErrClosed)
	_, err = s.Keys(ctx, "")
	assert.ErrorIs(t, err, cachestore.ErrClosed)
}

func Test_memStore_race(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	defer s.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 128; j++ {
				key := strconv.Itoa(j)
				_ = s.StoreBatch(ctx, []cachestore.KV{{Key: key, V: []byte{byte(j)}}})
				_, _, _ = s.Get(ctx, key)
				_, _ = s.Keys(ctx, "1")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 128, s.Len())
}
