package server

import (
	"sync"

	"github.com/loykin/syncq/internal/progress"
)

// Broadcaster fans reporter notifications out to event stream subscribers.
// Publish is the notify function of a progress.Background reporter, so the
// stream sees the same coalesced notifications as any background reporter.
// A subscriber that falls behind loses progress notifications rather than
// stalling the others. Terminal notifications are never dropped: the oldest
// queued progress entry is evicted to make room, and a subscriber whose queue
// holds nothing but terminals is disconnected.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan progress.Notification]struct{}
	buf  int
}

func NewBroadcaster(buf int) *Broadcaster {
	if buf <= 0 {
		buf = 32
	}
	return &Broadcaster{subs: make(map[chan progress.Notification]struct{}), buf: buf}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// must be called exactly once. The channel is closed if the subscriber is
// disconnected for falling behind.
func (b *Broadcaster) Subscribe() (<-chan progress.Notification, func()) {
	ch := make(chan progress.Notification, b.buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) Publish(n progress.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
			continue
		default:
		}
		if !n.Terminal() {
			continue
		}
		if !makeRoom(ch) {
			close(ch)
			delete(b.subs, ch)
			continue
		}
		ch <- n
	}
}

// makeRoom evicts the oldest progress notification queued in ch, keeping the
// order of the rest. Publish is the only sender and holds b.mu, so a freed
// slot stays free. It reports false when ch holds only terminals.
func makeRoom(ch chan progress.Notification) bool {
	queued := make([]progress.Notification, 0, cap(ch))
drain:
	for {
		select {
		case q := <-ch:
			queued = append(queued, q)
		default:
			break drain
		}
	}
	evicted := len(queued) < cap(ch)
	for _, q := range queued {
		if !evicted && !q.Terminal() {
			evicted = true
			continue
		}
		ch <- q
	}
	return evicted
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
