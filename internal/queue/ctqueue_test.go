package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCTQueue_PushPop(t *testing.T) {
	queue := NewCTQueue[int]()

	const pushValue = 20

	go func() {
		require.True(t, queue.Push(pushValue))
	}()

	v, ok := queue.Pop()
	require.True(t, ok)
	require.Equal(t, v, pushValue)
}

func TestCTQueue_PushCloseAndRetrieve(t *testing.T) {
	queue := NewCTQueue[int]()

	expectedValues := []int{20, 30, 40, 50}

	for _, v := range expectedValues {
		require.False(t, queue.IsClosed())
		require.True(t, queue.Push(v))
	}

	require.Equal(t, len(expectedValues), queue.Len())

	values := queue.CloseAndRetrieveRemaining()
	require.True(t, queue.IsClosed())
	require.ElementsMatch(t, expectedValues, values)

	require.False(t, queue.Push(100))
	require.Zero(t, queue.Len())
}

func TestCTQueue_CloseAndPop(t *testing.T) {
	queue := NewCTQueue[int]()
	expectedValues := []int{20, 30, 40, 50}

	go func() {
		// Sleep for 0.5 sec
		time.Sleep(500 * time.Millisecond)
		require.False(t, queue.IsClosed())
		for _, v := range expectedValues {
			require.True(t, queue.Push(v))
		}
		require.Equal(t, len(expectedValues), queue.Len())
		queue.Close()
	}()

	var values []int

	for {
		v, ok := queue.Pop()
		if ok {
			values = append(values, v)
		} else {
			break
		}
	}

	require.ElementsMatch(t, expectedValues, values)
	require.True(t, queue.IsClosed())
	require.Zero(t, queue.Len())
}

func TestCTQueue_CloseWakesBlockedPop(t *testing.T) {
	queue := NewCTQueue[int]()

	go func() {
		// Sleep for 0.5 sec
		time.Sleep(500 * time.Millisecond)
		queue.Close()
	}()

	_, ok := queue.Pop()
	require.False(t, ok)
	require.True(t, queue.IsClosed())
}

func TestCTQueue_PushUnique(t *testing.T) {
	type move struct {
		id, to string
	}

	queue := NewCTQueue[move]()

	require.True(t, PushUnique(queue, move{id: "1", to: "a"}))
	require.True(t, PushUnique(queue, move{id: "2", to: "a"}))
	require.False(t, PushUnique(queue, move{id: "1", to: "a"}))
	require.Equal(t, 2, queue.Len())

	head, ok := queue.Peek()
	require.True(t, ok)
	require.Equal(t, move{id: "1", to: "a"}, head)
	require.Equal(t, 2, queue.Len())

	v, ok := queue.TryPop()
	require.True(t, ok)
	require.Equal(t, head, v)

	// Once popped, an equal element may be queued again.
	require.True(t, PushUnique(queue, move{id: "1", to: "a"}))
	require.Equal(t, 2, queue.Len())
}

func TestCTQueue_PushUniqueConcurrent(t *testing.T) {
	queue := NewCTQueue[int]()

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for v := 0; v < 100; v++ {
				PushUnique(queue, v)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, 100, queue.Len())
}

func TestCTQueue_PeekEmpty(t *testing.T) {
	queue := NewCTQueue[int]()

	_, ok := queue.Peek()
	require.False(t, ok)

	_, ok = queue.TryPop()
	require.False(t, ok)
}

func TestCTQueue_TryPopAfterClose(t *testing.T) {
	queue := NewCTQueue[int]()

	require.True(t, queue.Push(1))
	queue.Close()

	v, ok := queue.TryPop()
	require.True(t, ok)
	require.Equal(t, 1, v)
}
