package lib

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMPSCsequential(t *testing.T) {
	type vv struct {
		v int64
	}
	l := int64(10)
	queue := NewQueueMPSC[vv]()
	for i := int64(0); i < l; i++ {
		queue.Push(vv{v: i + 100})
	}
	require.Equal(t, l, queue.Len())

	for i := int64(0); i < l; i++ {
		v, ok := queue.Pop()
		require.True(t, ok)
		require.Equal(t, i+100, v.v)
	}

	_, ok := queue.Pop()
	require.False(t, ok)
	require.Equal(t, int64(0), queue.Len())
}

func TestMPSCparallel(t *testing.T) {
	const producers = 8
	const messages = 10000

	queue := NewQueueMPSC[int]()
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				queue.Push(p*messages + i)
			}
		}(p)
	}

	// per producer order must be kept
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	for received < producers*messages {
		v, ok := queue.Pop()
		if ok == false {
			continue
		}
		p := v / messages
		require.Greater(t, v%messages, last[p])
		last[p] = v % messages
		received++
	}
	wg.Wait()
	require.Equal(t, int64(0), queue.Len())
}
