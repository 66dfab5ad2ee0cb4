package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/core/cache"
)

func TestLRUCache_PutGet(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now least recently used and gets evicted.
	c.Put("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)

	v, ok = c.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, string](2)
	c.Put("k", "v1")
	c.Put("k", "v2")

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCache_Remove(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, int](4)
	c.Put("x", 42)

	v, ok := c.Remove("x")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Remove("x")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_EvictCallback(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := cache.NewLRUCache[string, int](1)
	c.SetEvictCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	})

	c.Put("a", 1)
	c.Put("b", 2) // evicts "a"
	c.Remove("b")

	assert.Equal(t, []string{"a", "b"}, evicted)
}

func TestLRUCache_Purge(t *testing.T) {
	t.Parallel()

	count := 0
	c := cache.NewLRUCache[int, int](8)
	c.SetEvictCallback(func(int, int) { count++ })

	for i := range 5 {
		c.Put(i, i)
	}
	c.Purge()

	assert.Equal(t, 5, count)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}
