package cache

import (
	"expvar"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := New(Options[string, []byte]{Capacity: 10})
	require.NotNil(t, c)
	assert.Equal(t, 0, c.Len())

	disabled := New(Options[string, []byte]{})
	disabled.Put("k", []byte("v"))
	_, found := disabled.Get("k")
	assert.False(t, found, "a zero-capacity cache stores nothing")
	assert.Equal(t, 0, disabled.Len())
}

func TestLRU_PutAndGet(t *testing.T) {
	c := New(Options[string, []byte]{Capacity: 3})

	c.Put("key1", []byte("value1"))
	c.Put("key2", []byte("value2"))
	c.Put("key3", []byte("value3"))
	require.Equal(t, 3, c.Len())

	v, found := c.Get("key3")
	require.True(t, found)
	assert.Equal(t, []byte("value3"), v)
	v, found = c.Get("key1")
	require.True(t, found)
	assert.Equal(t, []byte("value1"), v)

	_, found = c.Get("nonexistent")
	assert.False(t, found)

	// key2 is now least recently used.
	c.Put("key4", []byte("value4"))
	assert.Equal(t, 3, c.Len())
	_, found = c.Get("key2")
	assert.False(t, found, "key2 should have been evicted")

	c.Put("key1", []byte("updated"))
	v, _ = c.Get("key1")
	assert.Equal(t, []byte("updated"), v)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_CostBound(t *testing.T) {
	var evicted []string
	c := New(Options[string, []byte]{
		Capacity:  100,
		MaxCost:   10,
		Cost:      func(v []byte) int64 { return int64(len(v)) },
		OnEvicted: func(k string, _ []byte) { evicted = append(evicted, k) },
	})

	c.Put("a", make([]byte, 4))
	c.Put("b", make([]byte, 4))
	assert.Equal(t, int64(8), c.Cost())

	c.Put("c", make([]byte, 4))
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, int64(8), c.Cost())

	c.Put("huge", make([]byte, 11))
	_, found := c.Get("huge")
	assert.False(t, found, "entries larger than MaxCost are not cached")
}

func TestLRU_RemoveAndRemoveFunc(t *testing.T) {
	type key struct {
		owner uint64
		index int
	}
	c := New(Options[key, int]{Capacity: 10})
	for i := 0; i < 3; i++ {
		c.Put(key{1, i}, i)
		c.Put(key{2, i}, i)
	}
	assert.True(t, c.Remove(key{2, 0}))
	assert.False(t, c.Remove(key{2, 0}))

	n := c.RemoveFunc(func(k key) bool { return k.owner == 1 })
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_Metrics(t *testing.T) {
	c := New(Options[string, int]{Capacity: 2})
	hits, misses := new(expvar.Int), new(expvar.Int)
	c.SetMetrics(hits, misses)

	assert.Equal(t, 0.0, c.GetHitRate())
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("b")
	assert.Equal(t, int64(3), hits.Value())
	assert.Equal(t, int64(1), misses.Value())
	assert.InDelta(t, 0.75, c.GetHitRate(), 1e-9)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), hits.Value())
}

func TestLRU_Concurrent(t *testing.T) {
	c := New(Options[string, int]{Capacity: 16})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d", (g*i)%32)
				c.Put(k, i)
				c.Get(k)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
