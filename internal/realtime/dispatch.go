package realtime

import (
	"context"
	"sync"

	"github.com/noah-isme/setu-sync/internal/feed"
)

// handler does the slow part of one event (decoding, lookups) and returns the store write for
// it, or nil when the event is dropped. The write may return a follow-up, such as raising a
// notification, which runs after the next event's write has been released.
type handler func(ctx context.Context, change feed.Change) (write func() (after func()))

// dispatcher runs the lookups of a subscription's events concurrently, bounded by a semaphore,
// but applies their writes one at a time in arrival order. A stopped flag keeps writes from
// landing after stop returns.
type dispatcher struct {
	sem chan struct{}

	mu      sync.RWMutex
	stopped bool

	wg sync.WaitGroup
}

func newDispatcher(concurrency int) *dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultHandlerConcurrency
	}
	return &dispatcher{sem: make(chan struct{}, concurrency)}
}

// consume reads sub until it closes. Each event gets a ticket: its write waits for the write of
// the event that arrived before it on the same subscription.
func (d *dispatcher) consume(ctx context.Context, sub *feed.Subscription, handle handler) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		prev := make(chan struct{})
		close(prev)
		for change := range sub.Events() {
			if d.isStopped() {
				continue
			}
			turn := make(chan struct{})
			d.sem <- struct{}{}
			d.wg.Add(1)
			go func(change feed.Change, wait <-chan struct{}, done chan<- struct{}) {
				defer d.wg.Done()

				write := handle(ctx, change)
				<-d.sem

				<-wait
				var after func()
				if write != nil {
					d.commit(func() {
						after = write()
					})
				}
				close(done)

				if after != nil {
					after()
				}
			}(change, prev, turn)
			prev = turn
		}
	}()
}

// commit runs write unless the engine has stopped. It reports whether write ran.
func (d *dispatcher) commit(write func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	write()
	return true
}

func (d *dispatcher) stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.stopped = true
	return true
}

func (d *dispatcher) isStopped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopped
}

// wait blocks until every consumer and handler goroutine has returned.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
