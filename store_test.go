package nitram

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGet(t *testing.T) {
	s := NewStore()

	var missing int
	assert.False(t, s.Get("count", &missing))

	require.NoError(t, s.Set("count", 3))
	var count int
	require.True(t, s.Get("count", &count))
	assert.Equal(t, 3, count)

	// Replace with a different shape under the same key.
	require.NoError(t, s.Set("count", "three"))
	var label string
	require.True(t, s.Get("count", &label))
	assert.Equal(t, "three", label)

	// Stored value that does not decode into the target reports absent.
	var wrong int
	assert.False(t, s.Get("count", &wrong))
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("flag", true))
	assert.Equal(t, 1, s.Len())

	s.Delete("flag")
	assert.Equal(t, 0, s.Len())
	var flag bool
	assert.False(t, s.Get("flag", &flag))

	s.Delete("flag") // absent key is a no-op
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Set("shared", n)
				var v int
				s.Get("shared", &v)
			}
		}(i)
	}
	wg.Wait()

	var v int
	assert.True(t, s.Get("shared", &v))
}
