package daemon

import (
	"sync"

	"github.com/devdock/devdock/internal/models"
)

// subscriberBuffer bounds how far a notification reader may lag before
// its oldest undelivered event is dropped.
const subscriberBuffer = 64

// Bus fans published notifications out to every live subscriber. Delivery
// is per-subscriber FIFO; a subscriber that stops reading loses oldest
// events first and never blocks the publisher or its peers.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan string
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan string)}
}

// Subscribe registers a new reader and returns its event channel together
// with a cancel function. Cancel closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan string, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish encodes the notification once and delivers it to every
// subscriber, evicting each full subscriber's oldest event to make room.
func (b *Bus) Publish(n models.Notification) error {
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- payload:
			default:
				// Full buffer: drop the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
