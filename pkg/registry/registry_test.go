package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_RegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("a", "alpha"))

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "alpha", got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestBaseRegistry_RegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("x", 1))
	err := r.Register("x", 2)
	assert.Error(t, err)

	got, _ := r.Get("x")
	assert.Equal(t, 1, got)
}

func TestBaseRegistry_RegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[int]()
	assert.Error(t, r.Register("", 1))
}

func TestBaseRegistry_PutReplaces(t *testing.T) {
	r := NewBaseRegistry[int]()

	r.Put("x", 1)
	r.Put("x", 2)

	got, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, 2, got)
	assert.Equal(t, 1, r.Count())
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("x", 1))
	require.NoError(t, r.Remove("x"))

	_, ok := r.Get("x")
	assert.False(t, ok)

	assert.Error(t, r.Remove("x"))
}

func TestBaseRegistry_NamesAndList(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
	assert.ElementsMatch(t, []int{1, 2}, r.List())

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestBaseRegistry_ConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.Put(fmt.Sprintf("key-%d", n), n)
		}(i)
		go func(n int) {
			defer wg.Done()
			r.Get(fmt.Sprintf("key-%d", n))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count())
}
