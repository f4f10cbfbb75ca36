package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularFIFO(t *testing.T) {
	buf := NewCircular[int](8)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 5, buf.Size())

	for i := 1; i <= 5; i++ {
		v, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestCircularDropOldest(t *testing.T) {
	var dropped []int
	buf := NewCircular[int](3,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	// 1 and 2 pushed out, remaining order preserved.
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, buf.ReadBatch(10))
	assert.EqualValues(t, 2, buf.Stats().Drops())
}

func TestDropCallbackMayReenterBuffer(t *testing.T) {
	// The callback fires after the write lock is released, so reading
	// buffer state from inside it must not deadlock.
	var sizes []int
	var buf Buffer[int]
	buf = NewCircular[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(int) { sizes = append(sizes, buf.Size()) }),
	)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	assert.Equal(t, []int{2}, sizes)
	assert.Equal(t, []int{2, 3}, buf.ReadBatch(10))
}

func TestCircularDropNewest(t *testing.T) {
	buf := NewCircular[int](2, WithOverflowPolicy[int](DropNewest))

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // dropped

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
	assert.EqualValues(t, 1, buf.Stats().Drops())
}

func TestReadBatchPartial(t *testing.T) {
	buf := NewCircular[string](4)
	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))

	assert.Equal(t, []string{"a", "b"}, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestWriteAfterClose(t *testing.T) {
	buf := NewCircular[int](2)
	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	assert.Error(t, buf.Write(2))

	// Remaining items stay readable after close.
	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestClear(t *testing.T) {
	buf := NewCircular[int](4)
	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	buf.Clear()
	assert.True(t, buf.IsEmpty())
	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestConcurrentWriteRead(t *testing.T) {
	buf := NewCircular[int](128)

	var wg sync.WaitGroup
	wg.Add(2)

	const n = 1000
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = buf.Write(i)
		}
	}()

	read := 0
	go func() {
		defer wg.Done()
		for read < n/2 {
			if _, ok := buf.Read(); ok {
				read++
			}
		}
	}()

	wg.Wait()
	assert.GreaterOrEqual(t, int(buf.Stats().Writes()), n/2)
}
