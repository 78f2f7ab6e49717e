package session

import (
	"sync"
)

// Loop runs closures one at a time on a single goroutine. Everything that
// mutates session state goes through it, so the state holders need no locks.
// Blocking I/O runs on separate goroutines started with Go and reports back
// with Post.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}

	flightMu sync.Mutex
	flight   *sync.Cond
	inFlight int
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.flight = sync.NewCond(&l.flightMu)
	return l
}

// Run processes posted closures in FIFO order until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return
		}
	}
}

// Post queues fn and returns immediately. It reports false once the loop
// has been stopped. Post never blocks, so it is safe from the loop itself.
func (l *Loop) Post(fn func()) bool {
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

// Call runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Go runs fn on its own goroutine and tracks it until it returns. fn must
// report its result with Post before returning.
func (l *Loop) Go(fn func()) {
	l.flightMu.Lock()
	l.inFlight++
	l.flightMu.Unlock()

	go func() {
		defer func() {
			l.flightMu.Lock()
			l.inFlight--
			if l.inFlight == 0 {
				l.flight.Broadcast()
			}
			l.flightMu.Unlock()
		}()
		fn()
	}()
}

// Settle blocks until no background work is in flight and every completion
// it posted has run. Completions that start new work are waited for too.
func (l *Loop) Settle() {
	for {
		l.flightMu.Lock()
		for l.inFlight > 0 {
			l.flight.Wait()
		}
		l.flightMu.Unlock()

		if !l.Call(func() {}) {
			return
		}

		l.flightMu.Lock()
		idle := l.inFlight == 0
		l.flightMu.Unlock()
		if idle {
			return
		}
	}
}

// Stop ends Run. Queued closures that have not started are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.quit)
	<-l.done
}
