package inject

import (
	"log/slog"
	"sync"
)

// eventLoop runs posted functions one at a time on a dedicated goroutine.
// The queue is unbounded so posting never blocks the caller.
type eventLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn. It reports false once the loop has stopped; fn is then
// dropped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop discards queued work. A function already running finishes first.
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

func (l *eventLoop) stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *eventLoop) run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if l.stopped() {
				return
			}
			l.exec(fn)
		}

		select {
		case <-l.wake:
		case <-l.done:
			return
		}
	}
}

func (l *eventLoop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("page loop task panicked", "panic", r)
		}
	}()
	fn()
}
