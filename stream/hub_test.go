package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversInOrder(t *testing.T) {
	var h Hub[int]
	var got []int
	cancel := h.Subscribe(func(v int) { got = append(got, v) })
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestHubReplaysNothing(t *testing.T) {
	var h Hub[string]
	h.Publish("before")

	var got []string
	cancel := h.Subscribe(func(v string) { got = append(got, v) })
	defer cancel()
	h.Publish("after")

	assert.Equal(t, []string{"after"}, got)
}

func TestHubMulticastExactlyOnce(t *testing.T) {
	var h Hub[int]
	counts := make([]int, 3)
	for i := range counts {
		i := i
		defer h.Subscribe(func(int) { counts[i]++ })()
	}

	h.Publish(1)
	h.Publish(2)
	assert.Equal(t, []int{2, 2, 2}, counts)
	assert.Equal(t, 3, h.Len())
}

func TestHubCancelStopsDelivery(t *testing.T) {
	var h Hub[int]
	var got []int
	cancel := h.Subscribe(func(v int) { got = append(got, v) })

	h.Publish(1)
	cancel()
	cancel()
	h.Publish(2)

	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 0, h.Len())
}

func TestHubNilHandler(t *testing.T) {
	var h Hub[int]
	cancel := h.Subscribe(nil)
	cancel()
	assert.Equal(t, 0, h.Len())
}

func TestHubConcurrentPublishNoLoss(t *testing.T) {
	var h Hub[int]
	var mu sync.Mutex
	seen := make(map[int]int)
	defer h.Subscribe(func(v int) {
		mu.Lock()
		seen[v]++
		mu.Unlock()
	})()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish(base*1000 + i)
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 800)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestHubChannel(t *testing.T) {
	var h Hub[int]
	events, cancel := h.Channel(0)

	for i := 0; i < 10; i++ {
		h.Publish(i)
	}
	cancel()

	var got []int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-events:
			if !ok {
				require.Len(t, got, 10)
				for i, v := range got {
					assert.Equal(t, i, v)
				}
				return
			}
			got = append(got, v)
		case <-timeout:
			t.Fatal("channel was not closed after cancel")
		}
	}
}
