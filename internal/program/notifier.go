package program

import "sync"

// notifier is a single-goroutine task queue. Observer announcements and
// deferred-buffer replays go through it so they never run on the dispatch
// path and are applied in enqueue order. Tasks may enqueue further tasks.
type notifier struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.tasks = append(n.tasks, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		tasks := n.tasks
		n.tasks = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if closed {
			close(n.done)
			return
		}
		<-n.wake
	}
}

// close stops the queue after pending tasks have run.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
