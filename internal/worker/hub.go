package worker

import (
	"maps"
	"slices"
	"sync"

	"github.com/replicate/cog-serve/internal/prediction"
)

// Hub fans worker events out to subscribers. Publishes are serialized, so
// every subscriber sees events in emission order.
type Hub struct {
	publishMu sync.Mutex

	mu   sync.Mutex
	next prediction.SubscriptionID
	subs map[prediction.SubscriptionID]prediction.Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[prediction.SubscriptionID]prediction.Subscriber)}
}

func (h *Hub) Subscribe(fn prediction.Subscriber) prediction.SubscriptionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = fn
	return h.next
}

// Unsubscribe removes a subscriber. It takes effect for every publish that
// starts after it returns and may be called from inside a subscriber.
func (h *Hub) Unsubscribe(id prediction.SubscriptionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Publish delivers e to every current subscriber, in subscription order.
func (h *Hub) Publish(e prediction.Event) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	ids := slices.Sorted(maps.Keys(h.subs))
	fns := make([]prediction.Subscriber, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
