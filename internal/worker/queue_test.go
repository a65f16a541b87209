package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/computeshare/internal/core"
)

func TestHandoffQueue_FIFO(t *testing.T) {
	q := NewHandoffQueue(0)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push([]byte(p)))
	}

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal after push")
	}

	var got []string
	for {
		p, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, QueueStats{Enqueued: 3, Dequeued: 3}, q.Stats())
}

func TestHandoffQueue_DropOldestWhenCapped(t *testing.T) {
	q := NewHandoffQueue(2)
	require.NoError(t, q.Push([]byte("1")))
	require.NoError(t, q.Push([]byte("2")))
	require.NoError(t, q.Push([]byte("3")))

	assert.Equal(t, [][]byte{[]byte("2"), []byte("3")}, q.Drain())
	stats := q.Stats()
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Dequeued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Zero(t, stats.Pending)
}

func TestHandoffQueue_Close(t *testing.T) {
	q := NewHandoffQueue(0)
	require.NoError(t, q.Push([]byte("pending")))
	q.Close()

	err := q.Push([]byte("late"))
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeQueueClosed))

	assert.False(t, q.Drained())
	p, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "pending", string(p))
	assert.True(t, q.Drained())
}

func TestHandoffQueue_EmptyPop(t *testing.T) {
	q := NewHandoffQueue(0)
	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Empty(t, q.Drain())
	assert.Zero(t, q.Len())
}
