package shard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_Basics(t *testing.T) {
	m := New[int](4)

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, 0, m.Len())
}

func TestMap_GetOrCreateOnce(t *testing.T) {
	m := New[*int](0)
	var calls int
	var mu sync.Mutex
	create := func() *int {
		mu.Lock()
		calls++
		mu.Unlock()
		v := 7
		return &v
	}

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("k", create)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestMap_UpdateAndRange(t *testing.T) {
	m := New[int](8)
	for i := 0; i < 20; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}

	m.Update("k3", func(v int, ok bool) (int, bool) {
		require.True(t, ok)
		return v * 10, true
	})
	m.Update("k4", func(v int, ok bool) (int, bool) { return 0, false })
	m.Update("new", func(v int, ok bool) (int, bool) {
		assert.False(t, ok)
		return 99, true
	})

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Len(t, seen, 20)
	assert.Equal(t, 30, seen["k3"])
	assert.Equal(t, 99, seen["new"])
	_, has4 := seen["k4"]
	assert.False(t, has4)
}
