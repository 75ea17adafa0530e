package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/types"
)

// SubscriptionStats tracks statistics for a subscription
type SubscriptionStats struct {
	// EventsReceived is the total number of events delivered
	EventsReceived atomic.Uint64

	// EventsDropped is the number of events evicted because the queue
	// was full
	EventsDropped atomic.Uint64

	// LastEventTime is the timestamp of the last delivery in Unix nanos
	LastEventTime atomic.Int64

	// CreatedAt is when the subscription was created
	CreatedAt time.Time
}

// Subscription is one consumer's bounded queue on a network's block feed.
// When the queue is full the oldest event is evicted and the next
// delivered event carries the number of evictions in its Gap field, so a
// slow consumer always knows how many blocks it missed.
type Subscription struct {
	// ID identifies the subscriber (typically a worker ID)
	ID string

	// Network is the network this subscription follows
	Network string

	// Channel is where block events are delivered
	Channel chan types.BlockEvent

	// pendingGap accumulates evictions since the last delivery
	pendingGap atomic.Uint64

	// Stats tracks statistics for this subscription
	Stats SubscriptionStats
}

// Gap returns the total number of events this subscription lost.
func (s *Subscription) Gap() uint64 {
	return s.Stats.EventsDropped.Load()
}

// Broadcaster fans fetched blocks out to per-network subscribers. The
// publisher never blocks: a full subscriber queue loses its oldest entry
// instead of stalling the fetch loop or its sibling subscribers.
type Broadcaster struct {
	mu sync.RWMutex

	// subscribers is network -> subscription ID -> subscription
	subscribers map[string]map[string]*Subscription

	bufferSize int
	closed     bool

	logger  *zap.Logger
	metrics *Metrics

	stats struct {
		totalPublished  atomic.Uint64
		totalDeliveries atomic.Uint64
		totalDropped    atomic.Uint64
	}
}

// NewBroadcaster creates a broadcaster whose subscriber queues hold
// bufferSize events each.
func NewBroadcaster(bufferSize int, logger *zap.Logger, metrics *Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*Subscription),
		bufferSize:  bufferSize,
		logger:      logger,
		metrics:     metrics,
	}
}

// Subscribe registers a consumer on a network's feed. Subscribing twice
// with the same ID replaces the previous subscription and closes its
// channel.
func (b *Broadcaster) Subscribe(network, id string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscription{
		ID:      id,
		Network: network,
		Channel: make(chan types.BlockEvent, b.bufferSize),
		Stats:   SubscriptionStats{CreatedAt: time.Now()},
	}

	byID, ok := b.subscribers[network]
	if !ok {
		byID = make(map[string]*Subscription)
		b.subscribers[network] = byID
	}
	if previous, ok := byID[id]; ok {
		close(previous.Channel)
	}
	byID[id] = sub

	b.metrics.SetSubscribers(network, len(byID))
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(network, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.subscribers[network]
	if !ok {
		return
	}
	sub, ok := byID[id]
	if !ok {
		return
	}
	close(sub.Channel)
	delete(byID, id)
	b.metrics.SetSubscribers(network, len(byID))
}

// Publish delivers a block to every subscriber on its network. It never
// blocks: full queues evict their oldest event and the gap is attached to
// this delivery.
func (b *Broadcaster) Publish(block *types.Block) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.stats.totalPublished.Add(1)
	b.metrics.RecordPublished(block.NetworkID)

	for _, sub := range b.subscribers[block.NetworkID] {
		event := types.BlockEvent{
			Network: block.NetworkID,
			Block:   block,
		}

		for {
			event.Gap += sub.pendingGap.Swap(0)
			select {
			case sub.Channel <- event:
				b.stats.totalDeliveries.Add(1)
				sub.Stats.EventsReceived.Add(1)
				sub.Stats.LastEventTime.Store(time.Now().UnixNano())
				b.metrics.RecordDelivered(block.NetworkID)
			default:
				// Queue full: evict the oldest event and try again. The
				// eviction is charged to this delivery's gap, along with
				// any gap the evicted event was itself carrying.
				select {
				case evicted := <-sub.Channel:
					sub.pendingGap.Add(1 + evicted.Gap)
					sub.Stats.EventsDropped.Add(1)
					b.stats.totalDropped.Add(1)
					b.metrics.RecordDropped(block.NetworkID)
					continue
				default:
					// Consumer drained the queue between our attempts;
					// retry the send.
					continue
				}
			}
			break
		}
	}
}

// SubscriberCount returns the number of subscribers on a network.
func (b *Broadcaster) SubscriberCount(network string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[network])
}

// Stats returns the publish, delivery, and drop totals.
func (b *Broadcaster) Stats() (published, delivered, dropped uint64) {
	return b.stats.totalPublished.Load(),
		b.stats.totalDeliveries.Load(),
		b.stats.totalDropped.Load()
}

// Close closes every subscription channel. Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for network, byID := range b.subscribers {
		for _, sub := range byID {
			close(sub.Channel)
		}
		delete(b.subscribers, network)
	}
}
