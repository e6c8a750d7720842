package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/replicate/cog-serve/internal/prediction"
)

func TestHubPublishOrder(t *testing.T) {
	t.Parallel()
	h := NewHub()

	var got []string
	h.Subscribe(func(e prediction.Event) {
		got = append(got, "a:"+e.(prediction.Log).Message)
	})
	h.Subscribe(func(e prediction.Event) {
		got = append(got, "b:"+e.(prediction.Log).Message)
	})

	h.Publish(prediction.Log{Message: "1"})
	h.Publish(prediction.Log{Message: "2"})

	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
}

func TestHubUnsubscribe(t *testing.T) {
	t.Parallel()
	h := NewHub()

	var a, b int
	ida := h.Subscribe(func(prediction.Event) { a++ })
	h.Subscribe(func(prediction.Event) { b++ })

	h.Publish(prediction.Done{})
	h.Unsubscribe(ida)
	h.Unsubscribe(ida)
	h.Publish(prediction.Done{})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, h.Len())
}

func TestHubUnsubscribeFromCallback(t *testing.T) {
	t.Parallel()
	h := NewHub()

	var id prediction.SubscriptionID
	var mu sync.Mutex
	calls := 0
	id = h.Subscribe(func(e prediction.Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		if prediction.IsTerminal(e) {
			h.Unsubscribe(id)
		}
	})

	h.Publish(prediction.Log{Message: "x"})
	h.Publish(prediction.Done{})
	h.Publish(prediction.Log{Message: "late"})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, h.Len())
}

func TestHubConcurrentPublish(t *testing.T) {
	t.Parallel()
	h := NewHub()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	h.Subscribe(func(prediction.Event) {
		mu.Lock()
		inside++
		maxInside = max(maxInside, inside)
		mu.Unlock()

		mu.Lock()
		inside--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				h.Publish(prediction.Log{Message: "x"})
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}
