package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func popValue[T any](t *testing.T, q *Queue[T], timeout time.Duration) T {
	t.Helper()
	p, ok := q.Pop(timeout)
	require.True(t, ok, "expected an item")
	v, ok := p.Take()
	require.True(t, ok)
	return v
}

func TestQueue_BackIsFIFO(t *testing.T) {
	q := New[string]()
	for _, e := range []string{"E1", "E2", "E3"} {
		require.NoError(t, q.PushBack(Wrap(e)))
	}
	assert.Equal(t, "E1", popValue(t, q, 0))
	assert.Equal(t, "E2", popValue(t, q, 0))
	assert.Equal(t, "E3", popValue(t, q, 0))
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_FrontJumps(t *testing.T) {
	q := New[string]()
	require.NoError(t, q.PushBack(Wrap("E1")))
	require.NoError(t, q.PushBack(Wrap("E2")))
	require.NoError(t, q.PushFront(Wrap("F1")))
	require.NoError(t, q.PushFront(Wrap("F2")))
	assert.Equal(t, 4, q.Len())

	var got []string
	for q.Len() > 0 {
		got = append(got, popValue(t, q, 0))
	}
	assert.Equal(t, []string{"F2", "F1", "E1", "E2"}, got)
}

func TestParcel_MovedOnPush(t *testing.T) {
	q := New[*int]()
	v := 7
	p := Wrap(&v)
	require.NoError(t, q.PushBack(p))

	assert.True(t, p.Empty(), "sender parcel must be empty after push")
	_, ok := p.Take()
	assert.False(t, ok)
	assert.ErrorIs(t, q.PushBack(p), ErrParcelTaken)
	assert.ErrorIs(t, q.PushFront(p), ErrParcelTaken)

	got := popValue(t, q, 0)
	assert.Equal(t, 7, *got)
}

func TestQueue_PopTimeout(t *testing.T) {
	q := New[int]()
	start := time.Now()
	p, ok := q.Pop(30 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.PushBack(Wrap(42))
	}()
	assert.Equal(t, 42, popValue(t, q, time.Second))
}

func TestQueue_Waker(t *testing.T) {
	var woken atomic.Int32
	q := New[int](WithWaker(func() { woken.Add(1) }))
	_ = q.PushBack(Wrap(1))
	_ = q.PushFront(Wrap(2))
	assert.Equal(t, int32(2), woken.Load())
}

func TestQueue_Drain(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 3; i++ {
		_ = q.PushBack(Wrap(i))
	}
	_ = q.PushFront(Wrap(0))

	var got []int
	n := q.Drain(func(v int) { got = append(got, v) })
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3}, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	q := New[int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.PushBack(Wrap(base*perProducer + i))
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	lastPerProducer := make(map[int]int)
	for len(seen) < producers*perProducer {
		v := popValue(t, q, time.Second)
		require.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
		owner := v / perProducer
		if last, ok := lastPerProducer[owner]; ok && last > v {
			t.Fatalf("producer %d order broken: %d after %d", owner, v, last)
		}
		lastPerProducer[owner] = v
	}
	wg.Wait()
}
