package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueueFIFO(t *testing.T) {
	q := newRequestQueue(5)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Request{ID: fmt.Sprintf("req-%d", i)}))
	}
	require.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		req, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("req-%d", i), req.ID)
	}

	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestRequestQueueRejectsWhenFull(t *testing.T) {
	q := newRequestQueue(2)

	require.NoError(t, q.Enqueue(Request{ID: "a"}))
	require.NoError(t, q.Enqueue(Request{ID: "b"}))

	err := q.Enqueue(Request{ID: "c"})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 2, q.Len())

	// Draining one slot makes room again.
	_, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.Enqueue(Request{ID: "c"}))
}

func TestRequestQueueDefaultCapacity(t *testing.T) {
	q := newRequestQueue(0)

	for i := 0; i < DefaultQueueCapacity; i++ {
		require.NoError(t, q.Enqueue(Request{ID: fmt.Sprintf("req-%d", i)}))
	}
	require.ErrorIs(t, q.Enqueue(Request{ID: "overflow"}), ErrBusy)
}

func TestRequestQueueRemove(t *testing.T) {
	q := newRequestQueue(5)
	require.NoError(t, q.Enqueue(Request{ID: "a"}))
	require.NoError(t, q.Enqueue(Request{ID: "b"}))
	require.NoError(t, q.Enqueue(Request{ID: "c"}))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, 2, q.Len())

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "c", second.ID)
}

func TestRequestQueueClear(t *testing.T) {
	q := newRequestQueue(5)
	require.NoError(t, q.Enqueue(Request{ID: "a"}))
	require.NoError(t, q.Enqueue(Request{ID: "b"}))

	dropped := q.Clear()
	require.Len(t, dropped, 2)
	assert.Equal(t, 0, q.Len())
}
