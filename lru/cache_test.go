package lru

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetEvict(t *testing.T) {
	c := New[string, int](2)
	assert.False(t, c.Put("a", 1))
	assert.False(t, c.Put("b", 2))

	_, _ = c.Get("a")
	assert.True(t, c.Put("c", 3))

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestPut_UpdateDoesNotEvict(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	assert.False(t, c.Put("a", 2))
	v, _ := c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestGetOrLoad(t *testing.T) {
	c := New[string, string](4)
	calls := 0
	load := func(k string) (string, error) {
		calls++
		return "compiled:" + k, nil
	}

	v, err := c.GetOrLoad("src/**", load)
	require.NoError(t, err)
	assert.Equal(t, "compiled:src/**", v)
	_, _ = c.GetOrLoad("src/**", load)
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestGetOrLoad_ErrorNotCached(t *testing.T) {
	c := New[string, int](4)
	boom := errors.New("bad pattern")
	_, err := c.GetOrLoad("[", func(string) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[int, int](2)
	c.Put(1, 1)
	assert.True(t, c.Delete(1))
	assert.False(t, c.Delete(1))
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int, int](0) })
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%32)
				_, _ = c.GetOrLoad(key, func(string) (int, error) { return i, nil })
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
