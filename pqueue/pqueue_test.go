package pqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrdersBySmallestPriority(t *testing.T) {
	q := New[string]()
	q.Put(5, "low")
	q.Put(1, "high")
	q.Put(3, "mid")

	v, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, "high", v)

	v, ok = q.Get()
	require.True(t, ok)
	require.Equal(t, "mid", v)

	v, ok = q.Get()
	require.True(t, ok)
	require.Equal(t, "low", v)
}

func TestGetBreaksTiesFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Put(1, i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Get()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestDeleteByPredicateIsLogical(t *testing.T) {
	q := New[int]()
	q.Put(1, 10)
	q.Put(1, 20)
	q.Put(1, 30)

	n := q.Delete(func(v int) bool { return v == 20 })
	require.Equal(t, 1, n)
	require.Equal(t, 2, q.Len())

	v, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, 10, v)

	v, ok = q.Get()
	require.True(t, ok)
	require.Equal(t, 30, v)
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := q.Get()
		require.True(t, ok)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(0, "arrived")

	select {
	case v := <-done:
		require.Equal(t, "arrived", v)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestCloseUnblocksWaitingGetters(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := q.Get()
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()

	for _, ok := range results {
		require.False(t, ok)
	}
}

func TestPutAfterCloseIsNoop(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Put(1, 42)
	require.Equal(t, 0, q.Len())

	_, ok := q.Get()
	require.False(t, ok)
}

func TestLenTracksLiveItems(t *testing.T) {
	q := New[int]()
	require.Equal(t, 0, q.Len())
	q.Put(1, 1)
	q.Put(2, 2)
	require.Equal(t, 2, q.Len())
	q.Delete(func(v int) bool { return v == 1 })
	require.Equal(t, 1, q.Len())
	q.Get()
	require.Equal(t, 0, q.Len())
}
