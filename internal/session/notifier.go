package session

import (
	"context"
	"sync"
)

// notifier runs callbacks one at a time, in post order, on its own goroutine.
// Callbacks may call back into the client.
type notifier struct {
	ch       chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newNotifier(buffer int) *notifier {
	n := &notifier{
		ch:   make(chan func(), buffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.ch:
			fn()
		case <-n.stop:
			return
		}
	}
}

// post queues fn. It blocks while the queue is full and gives up when ctx ends
// or the notifier stops.
func (n *notifier) post(ctx context.Context, fn func()) bool {
	select {
	case n.ch <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-n.stop:
		return false
	}
}

// close stops delivery. Queued callbacks that have not started are dropped.
func (n *notifier) close() {
	n.stopOnce.Do(func() { close(n.stop) })
}
