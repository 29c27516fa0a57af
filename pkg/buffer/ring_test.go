package buffer

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_PushEvictsOldest(t *testing.T) {
	r := NewRing[int](3)

	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}
	assert.Equal(t, []int{1, 2, 3}, r.Items())

	dropped, evicted := r.Push(4)
	require.True(t, evicted)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []int{2, 3, 4}, r.Items())
	assert.Equal(t, 3, r.Len())
}

func TestRing_DropNewest(t *testing.T) {
	var dropped []string
	r := NewRing[string](2,
		WithOverflowPolicy[string](DropNewest),
		WithDropCallback(func(s string) { dropped = append(dropped, s) }),
	)

	r.Push("a")
	r.Push("b")
	item, ok := r.Push("c")

	assert.True(t, ok)
	assert.Equal(t, "c", item)
	assert.Equal(t, []string{"a", "b"}, r.Items())
	assert.Equal(t, []string{"c"}, dropped)
}

func TestRing_Latest(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{6, 5}, r.Latest(2))
	assert.Equal(t, []int{6, 5, 4, 3}, r.Latest(10))
	assert.Equal(t, []int{6, 5, 4, 3}, r.Latest(-1))
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Items())

	r.Push(9)
	assert.Equal(t, []int{9}, r.Items())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	assert.Equal(t, 1, r.Cap())
}

func TestRing_Concurrent(t *testing.T) {
	r := NewRing[int](100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				r.Push(i)
				_ = r.Items()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, r.Len())
}

func TestTail(t *testing.T) {
	tail := NewTail(8)

	n, err := fmt.Fprint(tail, "hello ")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "hello ", tail.String())

	_, _ = tail.Write([]byte("world"))
	assert.Equal(t, "lo world", tail.String())

	big := strings.Repeat("x", 100) + "12345678"
	n, _ = tail.Write([]byte(big))
	assert.Equal(t, 108, n)
	assert.Equal(t, "12345678", tail.String())
}
