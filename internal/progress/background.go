package progress

import (
	"log/slog"
	"sync"

	"github.com/loykin/syncq/internal/protocol"
)

// Background hands notifications to notify from its own goroutine so a slow
// consumer never blocks the caller. Consecutive progress notifications that
// have not been delivered yet collapse into the latest one; terminal
// notifications are always delivered.
type Background struct {
	notify func(Notification)

	mu      sync.Mutex
	queue   []Notification
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewBackground starts the delivery goroutine that calls notify. Call Close
// to stop it.
func NewBackground(notify func(Notification)) *Background {
	b := &Background{
		notify:  notify,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go b.loop()
	return b
}

// LogNotify delivers notifications as log lines.
func LogNotify(logger *slog.Logger) func(Notification) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(n Notification) {
		switch n.Kind {
		case KindFailed:
			logger.Error(n.Message)
		case KindProgress:
			logger.Info(n.Message, "index", n.Progress.CurrentIndex, "total", n.Progress.TotalCount)
		default:
			logger.Info(n.Message)
		}
	}
}

func (b *Background) push(n Notification) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if last := len(b.queue) - 1; n.Kind == KindProgress && last >= 0 && b.queue[last].Kind == KindProgress {
		b.queue[last] = n
	} else {
		b.queue = append(b.queue, n)
	}
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Background) loop() {
	defer close(b.stopped)
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			n := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			b.notify(n)
		}
	}
}

// Close delivers whatever is queued and stops the delivery goroutine.
// Notifications pushed after Close are dropped.
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.stopped
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.stopped
}

func (b *Background) Progress(p protocol.Progress) { b.push(progressNotification(p)) }
func (b *Background) Completed(s protocol.Summary) { b.push(completedNotification(s)) }
func (b *Background) Failed(err error)             { b.push(failedNotification(err)) }
func (b *Background) Cancelled()                   { b.push(cancelledNotification()) }
